// Package sweep runs the out-of-band reconciliation passes: expired lease
// reclaim, stale running jobs, dead-lettered messages whose jobs never got a
// terminal write, and billing-cycle quota resets.
package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/queue"
	"github.com/qwertypants/figureforge/internal/quota"
	"github.com/qwertypants/figureforge/internal/store"
)

// ReasonHeartbeatTimeout is the failure reason stamped on stale jobs.
const ReasonHeartbeatTimeout = "heartbeat_timeout"

// ReasonRedeliveryExhausted is the failure reason stamped on jobs whose
// message dead-lettered before any worker settled them.
const ReasonRedeliveryExhausted = "redelivery_exhausted"

// Sweeper reconciles state the happy path cannot reach.
type Sweeper struct {
	jobs        *store.JobRepo
	queue       *queue.Queue
	ledger      *quota.Ledger
	staleWindow time.Duration
	log         zerolog.Logger
}

// New wires a sweeper. staleWindow is how long a running job may go without
// a heartbeat before it is declared dead.
func New(jobs *store.JobRepo, q *queue.Queue, ledger *quota.Ledger, staleWindow time.Duration, log zerolog.Logger) *Sweeper {
	if staleWindow <= 0 {
		staleWindow = 5 * time.Minute
	}
	return &Sweeper{
		jobs:        jobs,
		queue:       q,
		ledger:      ledger,
		staleWindow: staleWindow,
		log:         log.With().Str("component", "sweep").Logger(),
	}
}

// Register installs the sweep pass on the cron scheduler.
func (s *Sweeper) Register(c *cron.Cron, schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	_, err := c.AddFunc(schedule, func() {
		s.RunOnce(context.Background(), time.Now())
	})
	return err
}

// RunOnce executes every reconciliation pass once.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) {
	if n, err := s.queue.ReclaimExpired(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("reclaim expired leases")
	} else if n > 0 {
		s.log.Info().Int("reclaimed", n).Msg("expired leases returned to queue")
	}

	if n, err := s.SweepStaleJobs(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("sweep stale jobs")
	} else if n > 0 {
		s.log.Warn().Int("failed", n).Msg("stale running jobs failed")
	}

	if n, err := s.ReconcileDeadLetters(ctx); err != nil {
		s.log.Error().Err(err).Msg("reconcile dead letters")
	} else if n > 0 {
		s.log.Warn().Int("reconciled", n).Msg("dead-lettered jobs failed")
	}

	if n, err := s.ledger.ResetDue(ctx, now); err != nil {
		s.log.Error().Err(err).Msg("reset due ledgers")
	} else if n > 0 {
		s.log.Info().Int("reset", n).Msg("billing cycles rolled over")
	}
}

// SweepStaleJobs fails every running job whose last heartbeat is older than
// the stale window. Quota is never charged for these jobs: the charge only
// happens inside the success write they never reached.
func (s *Sweeper) SweepStaleJobs(ctx context.Context, now time.Time) (int, error) {
	refs, err := s.jobs.ListByStatus(ctx, store.JobRunning, 0)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-s.staleWindow).UnixMilli()

	failed := 0
	for _, ref := range refs {
		job, err := s.jobs.Get(ctx, ref.OwnerID, ref.JobID)
		if err != nil {
			s.log.Error().Err(err).Str("job_id", ref.JobID).Msg("load running job")
			continue
		}
		hb := job.LastHeartbeatMs
		if hb == 0 {
			hb = job.UpdatedAtMs
		}
		if hb > cutoff {
			continue
		}
		err = s.jobs.MarkFailed(ctx, ref.OwnerID, ref.JobID, ReasonHeartbeatTimeout)
		if err != nil && !errors.Is(err, store.ErrJobTerminal) {
			s.log.Error().Err(err).Str("job_id", ref.JobID).Msg("fail stale job")
			continue
		}
		if err == nil {
			s.log.Warn().Str("job_id", ref.JobID).Str("owner_id", ref.OwnerID).
				Int64("last_heartbeat_ms", job.LastHeartbeatMs).Msg("job failed on heartbeat timeout")
			failed++
		}
	}
	return failed, nil
}

// ReconcileDeadLetters settles jobs whose message exhausted redelivery. The
// worker that last held such a message never got to write a terminal state,
// so the sweep does it here, then drops the parked message.
func (s *Sweeper) ReconcileDeadLetters(ctx context.Context) (int, error) {
	dls, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, dl := range dls {
		job, err := s.jobs.Get(ctx, dl.Msg.OwnerID, dl.Msg.JobID)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			// Nothing to settle, drop the message.
		case err != nil:
			s.log.Error().Err(err).Str("job_id", dl.Msg.JobID).Msg("load dead-lettered job")
			continue
		case !job.Status.Terminal():
			ferr := s.jobs.MarkFailed(ctx, dl.Msg.OwnerID, dl.Msg.JobID, ReasonRedeliveryExhausted)
			if ferr != nil && !errors.Is(ferr, store.ErrJobTerminal) {
				s.log.Error().Err(ferr).Str("job_id", dl.Msg.JobID).Msg("fail dead-lettered job")
				continue
			}
			reconciled++
		}
		if err := s.queue.PurgeDeadLetter(ctx, dl.Seq); err != nil {
			s.log.Error().Err(err).Uint64("seq", dl.Seq).Msg("purge dead letter")
		}
	}
	return reconciled, nil
}
