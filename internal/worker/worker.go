// Package worker consumes the job queue and drives each job to a terminal
// state: generate the batch, persist the images with their tag rows, charge
// quota, and mark the job succeeded in one atomic write. Deliveries are
// at-least-once, so every step tolerates duplicates via the job's terminal
// guard.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
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

// Options tunes the pool.
type Options struct {
	Count             int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	HeartbeatInterval time.Duration
	ReceiveBatch      int
	ReclaimInterval   time.Duration
	ModelKey          string
}

// Pool runs generation workers against the job queue.
type Pool struct {
	db     *pebblestore.DB
	queue  *queue.Queue
	jobs   *store.JobRepo
	images *store.ImageRepo
	ledger *quota.Ledger
	mod    *moderation.Machine
	gen    provider.Generator
	blobs  blob.Store
	opts   Options
	log    zerolog.Logger
}

// NewPool wires a worker pool.
func NewPool(db *pebblestore.DB, q *queue.Queue, jobs *store.JobRepo, images *store.ImageRepo,
	ledger *quota.Ledger, mod *moderation.Machine, gen provider.Generator, blobs blob.Store,
	opts Options, log zerolog.Logger) *Pool {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 90 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.ReceiveBatch <= 0 {
		opts.ReceiveBatch = 1
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 5 * time.Second
	}
	if opts.ModelKey == "" {
		opts.ModelKey = provider.DefaultModel
	}
	return &Pool{
		db: db, queue: q, jobs: jobs, images: images,
		ledger: ledger, mod: mod, gen: gen, blobs: blobs,
		opts: opts,
		log:  log.With().Str("component", "worker").Logger(),
	}
}

// Run starts the workers and blocks until ctx is cancelled. A reclaim loop
// runs alongside them so leases dropped by a crashed peer come back without
// waiting for the sweeper.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx)
	}()
	wg.Wait()
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(p.opts.ReclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := p.queue.ReclaimExpired(ctx, now)
			if err != nil {
				p.log.Error().Err(err).Msg("reclaim expired leases")
			} else if n > 0 {
				p.log.Info().Int("reclaimed", n).Msg("expired leases requeued")
			}
		}
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		ds, err := p.queue.Receive(ctx, p.opts.ReceiveBatch)
		if err != nil {
			log.Error().Err(err).Msg("receive")
		}
		for _, d := range ds {
			p.Process(ctx, d)
		}
		if len(ds) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
		}
	}
}

// Process handles one delivery to completion or abandonment.
func (p *Pool) Process(ctx context.Context, d queue.Delivery) {
	msg := d.Msg
	log := p.log.With().Str("job_id", msg.JobID).Str("owner_id", msg.OwnerID).
		Int("attempt", d.Attempts).Logger()

	// Idempotency guard: a duplicate delivery of an already-settled job is
	// acknowledged without touching anything.
	job, err := p.jobs.Get(ctx, msg.OwnerID, msg.JobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			log.Warn().Msg("message references unknown job, dropping")
			p.ack(ctx, d.Seq, log)
			return
		}
		p.abandon(ctx, d.Seq, log)
		return
	}
	if job.Status.Terminal() {
		log.Debug().Str("status", string(job.Status)).Msg("duplicate delivery of terminal job")
		p.ack(ctx, d.Seq, log)
		return
	}

	if _, err := p.jobs.MarkRunning(ctx, msg.OwnerID, msg.JobID); err != nil {
		if errors.Is(err, store.ErrJobTerminal) {
			p.ack(ctx, d.Seq, log)
			return
		}
		p.abandon(ctx, d.Seq, log)
		return
	}

	hbStop := p.startHeartbeat(ctx, d.Seq, msg, log)
	defer hbStop()

	pctx, cancel := context.WithTimeout(ctx, p.opts.ProcessingTimeout)
	defer cancel()

	artifacts, err := p.gen.GenerateBatch(pctx, provider.Request{
		Filters:   msg.Filters,
		BatchSize: msg.BatchSize,
		ModelKey:  p.opts.ModelKey,
	})
	if err != nil {
		p.handleProviderError(ctx, d, msg, err, log)
		return
	}

	imgs, err := p.persistArtifacts(pctx, msg, artifacts)
	if err != nil {
		p.handleProviderError(ctx, d, msg, err, log)
		return
	}

	if err := p.commitSuccess(ctx, msg, imgs, log); err != nil {
		if errors.Is(err, quota.ErrInsufficient) {
			// Accounting inconsistency: the charge is refused and the job
			// cannot succeed. Surface it loudly, fail the job, stop retrying.
			log.Error().Err(err).Msg("quota decrement refused, failing job")
			if ferr := p.jobs.MarkFailed(ctx, msg.OwnerID, msg.JobID, "quota_inconsistency"); ferr != nil &&
				!errors.Is(ferr, store.ErrJobTerminal) {
				log.Error().Err(ferr).Msg("mark quota-inconsistent job failed")
			}
			p.ack(ctx, d.Seq, log)
			return
		}
		// Persistence failure: nothing was applied, retry via redelivery.
		log.Warn().Err(err).Msg("success commit failed, abandoning for retry")
		p.abandon(ctx, d.Seq, log)
		return
	}

	log.Info().Int("images", len(imgs)).Msg("job succeeded")
	p.ack(ctx, d.Seq, log)
}

// startHeartbeat extends the queue lease and refreshes the job's liveness
// stamp until the returned stop function is called.
func (p *Pool) startHeartbeat(ctx context.Context, seq uint64, msg *queue.Message, log zerolog.Logger) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(hctx, seq); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("extend lease")
				}
				if err := p.jobs.Heartbeat(hctx, msg.OwnerID, msg.JobID); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("heartbeat")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// persistArtifacts downloads each artifact and uploads it to blob storage,
// returning unsaved image records pointing at the stored objects.
func (p *Pool) persistArtifacts(ctx context.Context, msg *queue.Message, artifacts []provider.Artifact) ([]*store.Image, error) {
	imgs := make([]*store.Image, 0, len(artifacts))
	for i, art := range artifacts {
		data, err := p.gen.Fetch(ctx, art.URL)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s/%s/%d.png", msg.OwnerID, msg.JobID, i)
		if err := p.blobs.Put(ctx, key, data, "image/png"); err != nil {
			return nil, &provider.TransientError{Err: err}
		}
		imgs = append(imgs, &store.Image{
			ID:        store.NewImageID(),
			OwnerID:   msg.OwnerID,
			JobID:     msg.JobID,
			Prompt:    art.Prompt,
			Model:     art.ModelKey,
			CostCents: provider.LookupModel(art.ModelKey).CostCents,
			BlobKey:   key,
			Tags:      tagindex.FromFilters(msg.Filters),
		})
	}
	return imgs, nil
}

// commitSuccess applies the terminal success write: images with their tag
// rows, the job transition with attached image ids, and the quota charge,
// all in one batch. A job found terminal here (duplicate delivery racing
// past the entry guard) makes the commit a no-op.
func (p *Pool) commitSuccess(ctx context.Context, msg *queue.Message, imgs []*store.Image, log zerolog.Logger) error {
	return p.db.Update(ctx, func(b *pebble.Batch) error {
		job, err := p.jobs.Get(ctx, msg.OwnerID, msg.JobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			log.Debug().Msg("job settled concurrently, skipping success write")
			return nil
		}

		ids := make([]string, 0, len(imgs))
		for _, img := range imgs {
			if err := p.mod.StageScreen(b, img); err != nil {
				return err
			}
			if err := p.images.StageCreate(b, img); err != nil {
				return err
			}
			ids = append(ids, img.ID)
		}
		if err := p.jobs.StageSucceeded(b, job, ids); err != nil {
			return err
		}
		return p.ledger.StageDecrement(b, msg.OwnerID, len(ids))
	})
}

func (p *Pool) handleProviderError(ctx context.Context, d queue.Delivery, msg *queue.Message, err error, log zerolog.Logger) {
	if provider.IsPermanent(err) {
		reason := provider.PermanentReason(err)
		log.Warn().Err(err).Str("reason", reason).Msg("permanent provider failure")
		if ferr := p.jobs.MarkFailed(ctx, msg.OwnerID, msg.JobID, reason); ferr != nil &&
			!errors.Is(ferr, store.ErrJobTerminal) {
			log.Error().Err(ferr).Msg("mark job failed")
		}
		p.ack(ctx, d.Seq, log)
		return
	}
	log.Warn().Err(err).Msg("transient failure, abandoning for redelivery")
	p.abandon(ctx, d.Seq, log)
}

func (p *Pool) ack(ctx context.Context, seq uint64, log zerolog.Logger) {
	if err := p.queue.Ack(ctx, seq); err != nil && !errors.Is(err, queue.ErrLeaseNotHeld) {
		log.Error().Err(err).Uint64("seq", seq).Msg("ack")
	}
}

func (p *Pool) abandon(ctx context.Context, seq uint64, log zerolog.Logger) {
	if err := p.queue.Abandon(ctx, seq); err != nil && !errors.Is(err, queue.ErrLeaseNotHeld) {
		log.Error().Err(err).Uint64("seq", seq).Msg("abandon")
	}
}
