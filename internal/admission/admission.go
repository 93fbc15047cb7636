// Package admission validates generation requests, checks quota, and turns
// accepted requests into queued jobs. Rejections happen synchronously here;
// nothing invalid ever reaches the queue.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/qwertypants/figureforge/internal/queue"
	"github.com/qwertypants/figureforge/internal/quota"
	"github.com/qwertypants/figureforge/internal/store"
)

// Dimensions is the fixed filter vocabulary. Unknown dimensions or values
// are rejected at admission, never at worker time.
var Dimensions = map[string][]string{
	"pose":         {"standing", "sitting", "reclining", "crouching", "walking", "running", "action"},
	"body_region":  {"full_body", "torso", "head", "hands", "arms", "legs"},
	"style":        {"realistic", "anime", "sketch", "comic", "painterly"},
	"clothing":     {"casual", "formal", "athletic", "fantasy", "armor"},
	"lighting":     {"soft", "dramatic", "natural", "studio", "backlit"},
	"camera":       {"front", "side", "back", "three_quarter", "low_angle", "high_angle"},
	"theme":        {"modern", "fantasy", "sci_fi", "historical", "noir"},
	"background":   {"plain", "studio", "outdoor", "urban", "gradient"},
	"aspect_ratio": {"square", "portrait", "landscape", "wide", "tall"},
}

// ValidationError rejects a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// JobStatus is the polling view of a job.
type JobStatus struct {
	Status        store.JobStatus `json:"status"`
	ImageIDs      []string        `json:"image_ids,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// Gateway admits generation requests.
type Gateway struct {
	jobs     *store.JobRepo
	ledger   *quota.Ledger
	queue    *queue.Queue
	maxBatch int
	log      zerolog.Logger
}

// NewGateway wires the admission gateway. maxBatch caps batch_size.
func NewGateway(jobs *store.JobRepo, ledger *quota.Ledger, q *queue.Queue, maxBatch int, log zerolog.Logger) *Gateway {
	if maxBatch <= 0 {
		maxBatch = 4
	}
	return &Gateway{
		jobs:     jobs,
		ledger:   ledger,
		queue:    q,
		maxBatch: maxBatch,
		log:      log.With().Str("component", "admission").Logger(),
	}
}

// Admit validates the request, checks quota, persists a queued job, and
// enqueues its message. Returns the job id, or ValidationError /
// quota.ErrQuotaExceeded.
func (g *Gateway) Admit(ctx context.Context, ownerID string, filters map[string]string, batchSize int) (string, error) {
	if err := ValidateFilters(filters); err != nil {
		return "", err
	}
	if batchSize < 1 || batchSize > g.maxBatch {
		return "", &ValidationError{
			Field:  "batch_size",
			Reason: fmt.Sprintf("must be in [1, %d]", g.maxBatch),
		}
	}

	if err := g.ledger.CheckAndReserve(ctx, ownerID, batchSize); err != nil {
		return "", err
	}

	job, err := g.jobs.Create(ctx, ownerID, filters, batchSize)
	if err != nil {
		return "", err
	}
	seq, err := g.queue.Enqueue(ctx, &queue.Message{
		JobID:        job.ID,
		OwnerID:      ownerID,
		Filters:      filters,
		BatchSize:    batchSize,
		EnqueuedAtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		// The job record exists but no message will ever drive it; fail it
		// so pollers are not left watching a queued job forever.
		if ferr := g.jobs.MarkFailed(ctx, ownerID, job.ID, "enqueue_failed"); ferr != nil {
			g.log.Error().Err(ferr).Str("job_id", job.ID).Msg("mark enqueue-failed job")
		}
		return "", err
	}

	g.log.Info().Str("job_id", job.ID).Str("owner_id", ownerID).
		Int("batch_size", batchSize).Uint64("seq", seq).Msg("job admitted")
	return job.ID, nil
}

// GetJobStatus returns the polling view of a job.
func (g *Gateway) GetJobStatus(ctx context.Context, ownerID, jobID string) (*JobStatus, error) {
	job, err := g.jobs.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{
		Status:        job.Status,
		ImageIDs:      job.ImageIDs,
		FailureReason: job.FailureReason,
	}, nil
}

// ValidateFilters checks every dimension and value against the vocabulary.
func ValidateFilters(filters map[string]string) error {
	for dim, val := range filters {
		allowed, ok := Dimensions[dim]
		if !ok {
			return &ValidationError{Field: dim, Reason: "unknown dimension"}
		}
		found := false
		for _, a := range allowed {
			if a == val {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Field: dim, Reason: fmt.Sprintf("unknown value %q", val)}
		}
	}
	return nil
}
