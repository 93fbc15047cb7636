package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/admission"
	"github.com/qwertypants/figureforge/internal/blob"
	cfgpkg "github.com/qwertypants/figureforge/internal/config"
	"github.com/qwertypants/figureforge/internal/gallery"
	"github.com/qwertypants/figureforge/internal/moderation"
	"github.com/qwertypants/figureforge/internal/provider"
	"github.com/qwertypants/figureforge/internal/queue"
	"github.com/qwertypants/figureforge/internal/quota"
	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
	"github.com/qwertypants/figureforge/internal/store"
	"github.com/qwertypants/figureforge/internal/sweep"
	"github.com/qwertypants/figureforge/internal/tagindex"
	"github.com/qwertypants/figureforge/internal/worker"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger zerolog.Logger
	// Generator overrides the HTTP provider client, for tests.
	Generator provider.Generator
	// Blobs overrides the object store, for tests.
	Blobs blob.Store
}

// Runtime wires storage, queue, and services for a single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	log    zerolog.Logger

	queue     *queue.Queue
	jobs      *store.JobRepo
	images    *store.ImageRepo
	reports   *store.ReportRepo
	ledger    *quota.Ledger
	tags      *tagindex.Index
	blobs     blob.Store
	gen       provider.Generator
	mod       *moderation.Machine
	admission *admission.Gateway
	gallery   *gallery.Service
	pool      *worker.Pool
	sweeper   *sweep.Sweeper
	cron      *cron.Cron
}

// Open initializes storage and wires every service.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = cfgpkg.DefaultDataDir()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       cfg.Store.DataDir,
		Fsync:         cfg.Store.FsyncMode(),
		FsyncInterval: cfg.Store.FsyncInterval,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{db: db, config: cfg, log: opts.Logger}

	rt.queue, err = queue.Open(db, cfg.Queue.Name, queue.Options{
		LeaseDuration:       cfg.Queue.LeaseDuration,
		RedeliveryThreshold: cfg.Queue.RedeliveryThreshold,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	rt.jobs = store.NewJobRepo(db)
	rt.images = store.NewImageRepo(db)
	rt.reports = store.NewReportRepo(db)
	rt.ledger = quota.New(db)
	rt.tags = tagindex.New(db)

	rt.blobs = opts.Blobs
	if rt.blobs == nil {
		ms, err := blob.NewMinioStore(blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		rt.blobs = ms
	}

	rt.gen = opts.Generator
	if rt.gen == nil {
		rt.gen = provider.NewClient(provider.ClientOptions{
			BaseURL: cfg.Provider.BaseURL,
			APIKey:  cfg.Provider.APIKey,
			Timeout: cfg.Provider.Timeout,
		}, opts.Logger)
	}

	classifier, err := moderation.NewClassifier(cfg.Moderation.Rules)
	if err != nil {
		db.Close()
		return nil, err
	}
	rt.mod = moderation.NewMachine(db, rt.images, rt.reports, moderation.NewAuditLog(db), classifier, opts.Logger)

	rt.admission = admission.NewGateway(rt.jobs, rt.ledger, rt.queue, cfg.Worker.MaxBatchSize, opts.Logger)
	rt.gallery = gallery.New(rt.images, rt.tags, rt.blobs, cfg.Blob.PresignTTL, opts.Logger)
	rt.pool = worker.NewPool(db, rt.queue, rt.jobs, rt.images, rt.ledger, rt.mod, rt.gen, rt.blobs,
		worker.Options{
			Count:             cfg.Worker.Count,
			PollInterval:      cfg.Worker.PollInterval,
			ProcessingTimeout: cfg.Worker.ProcessingTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			ReceiveBatch:      cfg.Queue.ReceiveBatch,
			ReclaimInterval:   cfg.Queue.ReclaimInterval,
			ModelKey:          cfg.Provider.DefaultModel,
		}, opts.Logger)
	rt.sweeper = sweep.New(rt.jobs, rt.queue, rt.ledger, cfg.Sweep.StaleJobWindow, opts.Logger)

	return rt, nil
}

// Close stops background work and closes storage.
func (r *Runtime) Close() error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// StartSweeper schedules the reconciliation pass on the configured cadence.
func (r *Runtime) StartSweeper() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if err := r.sweeper.Register(c, r.config.Sweep.Schedule); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	return nil
}

// RunWorkers runs the worker pool until ctx is cancelled.
func (r *Runtime) RunWorkers(ctx context.Context) {
	r.pool.Run(ctx)
}

// SweepOnce runs one reconciliation pass immediately.
func (r *Runtime) SweepOnce(ctx context.Context) {
	r.sweeper.RunOnce(ctx, time.Now())
}

// Admission returns the admission gateway.
func (r *Runtime) Admission() *admission.Gateway { return r.admission }

// Gallery returns the gallery read service.
func (r *Runtime) Gallery() *gallery.Service { return r.gallery }

// Moderation returns the moderation machine.
func (r *Runtime) Moderation() *moderation.Machine { return r.mod }

// Quota returns the quota ledger.
func (r *Runtime) Quota() *quota.Ledger { return r.ledger }

// Queue returns the job queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Jobs returns the job repository.
func (r *Runtime) Jobs() *store.JobRepo { return r.jobs }

// Images returns the image repository.
func (r *Runtime) Images() *store.ImageRepo { return r.images }

// DB exposes the underlying store (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
