package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

var (
	// ErrJobNotFound is returned when a job record does not exist.
	ErrJobNotFound = errors.New("store: job not found")
	// ErrJobTerminal is returned when a transition targets a job that has
	// already reached succeeded or failed.
	ErrJobTerminal = errors.New("store: job already terminal")
)

// Job is a single generation request for a batch of images.
type Job struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Filters         map[string]string `json:"filters"`
	BatchSize       int               `json:"batch_size"`
	Status          JobStatus         `json:"status"`
	ImageIDs        []string          `json:"image_ids,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CreatedAtMs     int64             `json:"created_at_ms"`
	UpdatedAtMs     int64             `json:"updated_at_ms"`
	LastHeartbeatMs int64             `json:"last_heartbeat_ms,omitempty"`
}

// JobRef identifies a job in the status index.
type JobRef struct {
	OwnerID string
	JobID   string
}

// JobRepo stores job records with a per-status index. Transitions are
// monotonic: queued -> running -> succeeded|failed, and terminal states
// absorb all further transition attempts.
type JobRepo struct {
	db *pebblestore.DB
}

// NewJobRepo creates a job repository over the given store.
func NewJobRepo(db *pebblestore.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create persists a new queued job and returns it.
func (r *JobRepo) Create(ctx context.Context, ownerID string, filters map[string]string, batchSize int) (*Job, error) {
	now := time.Now().UnixMilli()
	job := &Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Filters:     filters,
		BatchSize:   batchSize,
		Status:      JobQueued,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	err := r.db.Update(ctx, func(b *pebble.Batch) error {
		return stageJob(b, job, "")
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads a job by owner and id.
func (r *JobRepo) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	return getJob(r.db, ownerID, jobID)
}

// MarkRunning moves a queued job to running and stamps a heartbeat. Calling it
// on a job that is already running only refreshes the heartbeat, which makes
// redelivered queue messages harmless.
func (r *JobRepo) MarkRunning(ctx context.Context, ownerID, jobID string) (*Job, error) {
	var out *Job
	err := r.db.Update(ctx, func(b *pebble.Batch) error {
		job, err := getJob(r.db, ownerID, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		prev := job.Status
		job.Status = JobRunning
		now := time.Now().UnixMilli()
		job.UpdatedAtMs = now
		job.LastHeartbeatMs = now
		out = job
		return stageJob(b, job, prev)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat refreshes the liveness timestamp of a running job. Heartbeats
// against non-running jobs are ignored.
func (r *JobRepo) Heartbeat(ctx context.Context, ownerID, jobID string) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		job, err := getJob(r.db, ownerID, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobRunning {
			return nil
		}
		now := time.Now().UnixMilli()
		job.LastHeartbeatMs = now
		job.UpdatedAtMs = now
		return stageJob(b, job, job.Status)
	})
}

// MarkFailed moves a job to failed with the given reason. Terminal jobs are
// left untouched and ErrJobTerminal is returned.
func (r *JobRepo) MarkFailed(ctx context.Context, ownerID, jobID, reason string) error {
	return r.db.Update(ctx, func(b *pebble.Batch) error {
		job, err := getJob(r.db, ownerID, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrJobTerminal
		}
		prev := job.Status
		job.Status = JobFailed
		job.FailureReason = reason
		job.UpdatedAtMs = time.Now().UnixMilli()
		return stageJob(b, job, prev)
	})
}

// StageSucceeded stages the succeeded transition for a job into the batch.
// The caller must have read the job inside the same Update callback and
// verified that it is not terminal; this keeps the transition atomic with the
// image writes and the quota decrement staged alongside it.
func (r *JobRepo) StageSucceeded(b *pebble.Batch, job *Job, imageIDs []string) error {
	if job.Status.Terminal() {
		return ErrJobTerminal
	}
	prev := job.Status
	job.Status = JobSucceeded
	job.ImageIDs = append([]string(nil), imageIDs...)
	job.UpdatedAtMs = time.Now().UnixMilli()
	return stageJob(b, job, prev)
}

// ListByStatus scans the status index and returns up to limit job refs.
func (r *JobRepo) ListByStatus(ctx context.Context, status JobStatus, limit int) ([]JobRef, error) {
	lo, hi := pebblestore.PrefixBounds(JobStatusPrefix(status))
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var refs []JobRef
	for ok := it.First(); ok; ok = it.Next() {
		if limit > 0 && len(refs) >= limit {
			break
		}
		jobID := string(it.Key()[len(lo):])
		refs = append(refs, JobRef{OwnerID: string(it.Value()), JobID: jobID})
	}
	return refs, it.Error()
}

// stageJob writes the job record and maintains the status index. prevStatus
// is the indexed status before this write, or "" for a fresh record.
func stageJob(b *pebble.Batch, job *Job, prevStatus JobStatus) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("store: marshal job: %w", err)
	}
	if err := b.Set(JobKey(job.OwnerID, job.ID), data, nil); err != nil {
		return err
	}
	if prevStatus != "" && prevStatus != job.Status {
		if err := b.Delete(JobStatusKey(prevStatus, job.ID), nil); err != nil {
			return err
		}
	}
	return b.Set(JobStatusKey(job.Status, job.ID), []byte(job.OwnerID), nil)
}

func getJob(db *pebblestore.DB, ownerID, jobID string) (*Job, error) {
	data, err := db.Get(JobKey(ownerID, jobID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("store: unmarshal job: %w", err)
	}
	return &job, nil
}
