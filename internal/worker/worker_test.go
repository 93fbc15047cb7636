package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/blob"
	"github.com/qwertypants/figureforge/internal/moderation"
	"github.com/qwertypants/figureforge/internal/provider"
	"github.com/qwertypants/figureforge/internal/queue"
	"github.com/qwertypants/figureforge/internal/quota"
	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
	"github.com/qwertypants/figureforge/internal/store"
	"github.com/qwertypants/figureforge/internal/tagindex"
)

// fakeGen returns canned artifacts or a canned error.
type fakeGen struct {
	err   error
	calls int
}

func (g *fakeGen) GenerateBatch(ctx context.Context, req provider.Request) ([]provider.Artifact, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	prompt := provider.BuildPrompt(req.Filters)
	arts := make([]provider.Artifact, req.BatchSize)
	for i := range arts {
		arts[i] = provider.Artifact{
			URL:      fmt.Sprintf("fake://artifact/%d", i),
			Seed:     int64(i),
			Prompt:   prompt,
			ModelKey: provider.DefaultModel,
		}
	}
	return arts, nil
}

func (g *fakeGen) Fetch(ctx context.Context, url string) ([]byte, error) {
	return []byte("png:" + url), nil
}

type fixture struct {
	db     *pebblestore.DB
	queue  *queue.Queue
	jobs   *store.JobRepo
	images *store.ImageRepo
	ledger *quota.Ledger
	blobs  *blob.MemoryStore
	gen    *fakeGen
	pool   *Pool
}

func newFixture(t *testing.T, rules []string) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.Open(db, "jobs", queue.Options{RedeliveryThreshold: 3})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	cls, err := moderation.NewClassifier(rules)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}

	f := &fixture{
		db:     db,
		queue:  q,
		jobs:   store.NewJobRepo(db),
		images: store.NewImageRepo(db),
		ledger: quota.New(db),
		blobs:  blob.NewMemoryStore(),
		gen:    &fakeGen{},
	}
	mod := moderation.NewMachine(db, f.images, store.NewReportRepo(db), moderation.NewAuditLog(db), cls, zerolog.Nop())
	f.pool = NewPool(db, q, f.jobs, f.images, f.ledger, mod, f.gen, f.blobs,
		Options{HeartbeatInterval: 5 * time.Millisecond}, zerolog.Nop())
	return f
}

// submit creates a queued job and its message, returning the delivery.
func (f *fixture) submit(t *testing.T, owner string, filters map[string]string, batch int) queue.Delivery {
	t.Helper()
	ctx := context.Background()
	job, err := f.jobs.Create(ctx, owner, filters, batch)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, &queue.Message{
		JobID: job.ID, OwnerID: owner, Filters: filters, BatchSize: batch,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ds, err := f.queue.Receive(ctx, 1)
	if err != nil || len(ds) != 1 {
		t.Fatalf("receive: %v (%d deliveries)", err, len(ds))
	}
	return ds[0]
}

func (f *fixture) setRemaining(t *testing.T, owner string, remaining int) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.Activate(ctx, owner, "basic"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.ledger.Decrement(ctx, owner, 100-remaining); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setRemaining(t, "user-1", 10)
	filters := map[string]string{"pose": "standing", "style": "anime"}
	d := f.submit(t, "user-1", filters, 2)

	f.pool.Process(ctx, d)

	job, err := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != store.JobSucceeded || len(job.ImageIDs) != 2 {
		t.Fatalf("job = %+v", job)
	}

	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 8 {
		t.Fatalf("remaining = %d, want 8", rec.Remaining)
	}

	// Exactly two image records, each carrying one tag row per filter.
	ix := tagindex.New(f.db)
	for _, tag := range []string{"pose:standing", "style:anime"} {
		ids, _, err := ix.Query(tag, "", 10)
		if err != nil {
			t.Fatalf("query %s: %v", tag, err)
		}
		if len(ids) != 2 {
			t.Fatalf("tag %s rows = %d, want 2", tag, len(ids))
		}
	}
	for _, id := range job.ImageIDs {
		img, err := f.images.Get(ctx, id)
		if err != nil {
			t.Fatalf("image %s: %v", id, err)
		}
		if img.JobID != job.ID || img.Moderation != store.ModerationClean {
			t.Fatalf("image = %+v", img)
		}
		if _, ok := f.blobs.Get(img.BlobKey); !ok {
			t.Fatalf("blob %s missing", img.BlobKey)
		}
	}

	// Message acknowledged: nothing left to receive.
	if ds, _ := f.queue.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("message survived success: %+v", ds)
	}
}

func TestDuplicateDeliverySkipsSecondCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setRemaining(t, "user-1", 10)
	d := f.submit(t, "user-1", map[string]string{"pose": "standing"}, 2)

	f.pool.Process(ctx, d)

	// Simulated duplicate of the same message after success.
	if _, err := f.queue.Enqueue(ctx, d.Msg); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	ds, _ := f.queue.Receive(ctx, 1)
	if len(ds) != 1 {
		t.Fatalf("deliveries = %d", len(ds))
	}
	f.pool.Process(ctx, ds[0])

	job, _ := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if len(job.ImageIDs) != 2 {
		t.Fatalf("duplicate created images: %v", job.ImageIDs)
	}
	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 8 {
		t.Fatalf("remaining = %d, duplicate charged quota", rec.Remaining)
	}
	if f.blobs.Len() != 2 {
		t.Fatalf("blobs = %d", f.blobs.Len())
	}
	if ds, _ := f.queue.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("duplicate not acknowledged")
	}
}

func TestTransientFailureAbandons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setRemaining(t, "user-1", 10)
	d := f.submit(t, "user-1", map[string]string{"pose": "standing"}, 1)

	f.gen.err = &provider.TransientError{Err: fmt.Errorf("rate limited")}
	f.pool.Process(ctx, d)

	job, _ := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if job.Status != store.JobRunning {
		t.Fatalf("status = %q, transient failure must not settle the job", job.Status)
	}
	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 10 {
		t.Fatalf("remaining = %d", rec.Remaining)
	}

	ds, _ := f.queue.Receive(ctx, 1)
	if len(ds) != 1 || ds[0].Attempts != 2 {
		t.Fatalf("redelivery = %+v", ds)
	}
}

func TestPermanentFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setRemaining(t, "user-1", 10)
	d := f.submit(t, "user-1", map[string]string{"pose": "standing"}, 1)

	f.gen.err = &provider.PermanentError{Reason: "content_policy_violation"}
	f.pool.Process(ctx, d)

	job, _ := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if job.Status != store.JobFailed || job.FailureReason != "content_policy_violation" {
		t.Fatalf("job = %+v", job)
	}
	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 10 {
		t.Fatalf("remaining = %d, failed job charged quota", rec.Remaining)
	}
	if ds, _ := f.queue.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("permanent failure not acknowledged")
	}
}

func TestQuotaInconsistencyRefusedLoudly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.setRemaining(t, "user-1", 1)
	// Batch of 2 slipped past admission (optimistic check race).
	d := f.submit(t, "user-1", map[string]string{"pose": "standing"}, 2)

	f.pool.Process(ctx, d)

	job, _ := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if job.Status != store.JobFailed || job.FailureReason != "quota_inconsistency" {
		t.Fatalf("job = %+v", job)
	}
	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 1 {
		t.Fatalf("remaining = %d, refused charge mutated ledger", rec.Remaining)
	}
	if len(job.ImageIDs) != 0 {
		t.Fatalf("refused success attached images: %v", job.ImageIDs)
	}
	// The refused write is atomic: no image or tag rows either.
	ids, _, _ := tagindex.New(f.db).Query("pose:standing", "", 10)
	if len(ids) != 0 {
		t.Fatalf("tag rows leaked: %v", ids)
	}
}

func TestClassifierBlocksNewImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{`"theme:noir" in tags`})
	f.setRemaining(t, "user-1", 10)
	d := f.submit(t, "user-1", map[string]string{"theme": "noir"}, 1)

	f.pool.Process(ctx, d)

	job, _ := f.jobs.Get(ctx, "user-1", d.Msg.JobID)
	if job.Status != store.JobSucceeded {
		t.Fatalf("job = %+v", job)
	}
	img, err := f.images.Get(ctx, job.ImageIDs[0])
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if img.Moderation != store.ModerationAutoBlocked {
		t.Fatalf("moderation = %q", img.Moderation)
	}
	// The classifier verdict does not waive the charge.
	rec, _ := f.ledger.Get(ctx, "user-1")
	if rec.Remaining != 9 {
		t.Fatalf("remaining = %d", rec.Remaining)
	}
}

func TestUnknownJobMessageDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if _, err := f.queue.Enqueue(ctx, &queue.Message{JobID: "ghost", OwnerID: "user-1", BatchSize: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ds, _ := f.queue.Receive(ctx, 1)
	f.pool.Process(ctx, ds[0])
	if ds, _ := f.queue.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("poison message retried: %+v", ds)
	}
}
