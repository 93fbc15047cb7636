package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openQueue(t *testing.T, db *pebblestore.DB, opts Options) *Queue {
	t.Helper()
	q, err := Open(db, "jobs", opts)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func testMsg(jobID string) *Message {
	return &Message{
		JobID:     jobID,
		OwnerID:   "user-1",
		Filters:   map[string]string{"pose": "standing"},
		BatchSize: 2,
	}
}

func TestEnqueueReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{})

	seq, err := q.Enqueue(ctx, testMsg("job-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ds, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("deliveries = %d", len(ds))
	}
	d := ds[0]
	if d.Seq != seq || d.Attempts != 1 {
		t.Fatalf("delivery = %+v", d)
	}
	if d.Msg.JobID != "job-1" || d.Msg.Filters["pose"] != "standing" || d.Msg.EnqueuedAtMs == 0 {
		t.Fatalf("message = %+v", d.Msg)
	}

	// Leased messages are invisible to other receivers.
	if ds, _ := q.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("leased message redelivered: %+v", ds)
	}

	if err := q.Ack(ctx, d.Seq); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ds, _ := q.Receive(ctx, 10); len(ds) != 0 {
		t.Fatalf("acked message redelivered: %+v", ds)
	}
}

func TestReceiveIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{})

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if _, err := q.Enqueue(ctx, testMsg(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	ds, err := q.Receive(ctx, 2)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(ds) != 2 || ds[0].Msg.JobID != "job-1" || ds[1].Msg.JobID != "job-2" {
		t.Fatalf("order = %+v", ds)
	}
}

func TestAbandonRedeliversWithAttemptCount(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{})

	if _, err := q.Enqueue(ctx, testMsg("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ds, _ := q.Receive(ctx, 1)
	if len(ds) != 1 || ds[0].Attempts != 1 {
		t.Fatalf("first delivery = %+v", ds)
	}
	if err := q.Abandon(ctx, ds[0].Seq); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	ds, _ = q.Receive(ctx, 1)
	if len(ds) != 1 || ds[0].Attempts != 2 {
		t.Fatalf("second delivery = %+v", ds)
	}
}

func TestDeadLetterAfterThreshold(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{RedeliveryThreshold: 3})

	if _, err := q.Enqueue(ctx, testMsg("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 1; i <= 3; i++ {
		ds, err := q.Receive(ctx, 1)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if len(ds) != 1 || ds[0].Attempts != i {
			t.Fatalf("delivery %d = %+v", i, ds)
		}
		if err := q.Abandon(ctx, ds[0].Seq); err != nil {
			t.Fatalf("abandon %d: %v", i, err)
		}
	}

	// Fourth receive routes the message to the dead-letter buffer.
	ds, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(ds) != 0 {
		t.Fatalf("exhausted message delivered: %+v", ds)
	}

	dls, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].Msg.JobID != "job-1" {
		t.Fatalf("dead letters = %+v", dls)
	}

	if err := q.PurgeDeadLetter(ctx, dls[0].Seq); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if dls, _ := q.DeadLetters(ctx); len(dls) != 0 {
		t.Fatalf("purge left entries: %+v", dls)
	}
}

func TestReclaimExpiredRedelivers(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{LeaseDuration: 25 * time.Millisecond})

	if _, err := q.Enqueue(ctx, testMsg("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ds, _ := q.Receive(ctx, 1)
	if len(ds) != 1 {
		t.Fatalf("deliveries = %d", len(ds))
	}

	// Not expired yet.
	n, err := q.ReclaimExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed live lease: %d", n)
	}

	n, err = q.ReclaimExpired(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed = %d, want 1", n)
	}
	ds, _ = q.Receive(ctx, 1)
	if len(ds) != 1 || ds[0].Attempts != 2 {
		t.Fatalf("redelivery = %+v", ds)
	}
}

func TestExtendOutlivesOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{LeaseDuration: time.Minute})

	if _, err := q.Enqueue(ctx, testMsg("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ds, _ := q.Receive(ctx, 1)
	if len(ds) != 1 {
		t.Fatalf("deliveries = %d", len(ds))
	}
	first := ds[0].LeaseExpiresMs

	if err := q.Extend(ctx, ds[0].Seq); err != nil {
		t.Fatalf("extend: %v", err)
	}

	// A sweep at the original expiry must not reclaim the extended lease.
	n, err := q.ReclaimExpired(ctx, time.UnixMilli(first+1))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed extended lease: %d", n)
	}
}

func TestLeaseOpsWithoutLease(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, openDB(t), Options{})

	if err := q.Ack(ctx, 42); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("ack: err = %v", err)
	}
	if err := q.Extend(ctx, 42); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("extend: err = %v", err)
	}
	if err := q.Abandon(ctx, 42); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("abandon: err = %v", err)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	q := openQueue(t, db, Options{})

	s1, err := q.Enqueue(ctx, testMsg("job-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q2 := openQueue(t, db, Options{})
	s2, err := q2.Enqueue(ctx, testMsg("job-2"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if s2 != s1+1 {
		t.Fatalf("seq after reopen = %d, want %d", s2, s1+1)
	}
}
