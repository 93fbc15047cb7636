package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

// ReportStatus is the review state of a user report against an image.
type ReportStatus string

const (
	ReportPending         ReportStatus = "pending"
	ReportResolvedUnflag  ReportStatus = "resolved_unflag"
	ReportResolvedRemoved ReportStatus = "resolved_removed"
)

// Report is one user complaint against an image. Every flag produces a
// report, even when the image is already under review or removed.
type Report struct {
	ID          string       `json:"id"`
	ImageID     string       `json:"image_id"`
	ReporterID  string       `json:"reporter_id"`
	Reasons     []string     `json:"reasons,omitempty"`
	Status      ReportStatus `json:"status"`
	ResolvedBy  string       `json:"resolved_by,omitempty"`
	CreatedAtMs int64        `json:"created_at_ms"`
	UpdatedAtMs int64        `json:"updated_at_ms"`
}

// ReportRepo stores reports keyed by the image they target.
type ReportRepo struct {
	db *pebblestore.DB
}

// NewReportRepo creates a report repository over the given store.
func NewReportRepo(db *pebblestore.DB) *ReportRepo {
	return &ReportRepo{db: db}
}

// StageCreate stages a new pending report into the batch and returns it.
func (r *ReportRepo) StageCreate(b *pebble.Batch, imageID, reporterID string, reasons []string) (*Report, error) {
	now := time.Now().UnixMilli()
	rep := &Report{
		ID:          uuid.NewString(),
		ImageID:     imageID,
		ReporterID:  reporterID,
		Reasons:     reasons,
		Status:      ReportPending,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := stageReport(b, rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// ListByImage returns all reports filed against an image.
func (r *ReportRepo) ListByImage(ctx context.Context, imageID string) ([]*Report, error) {
	lo, hi := pebblestore.PrefixBounds(ReportPrefix(imageID))
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var reps []*Report
	for ok := it.First(); ok; ok = it.Next() {
		var rep Report
		if err := json.Unmarshal(it.Value(), &rep); err != nil {
			return nil, fmt.Errorf("store: unmarshal report: %w", err)
		}
		reps = append(reps, &rep)
	}
	return reps, it.Error()
}

// StageResolveAll stages resolution of every pending report against an image.
// Reports already resolved keep their original outcome.
func (r *ReportRepo) StageResolveAll(ctx context.Context, b *pebble.Batch, imageID string, outcome ReportStatus, reviewerID string) error {
	reps, err := r.ListByImage(ctx, imageID)
	if err != nil {
		return err
	}
	for _, rep := range reps {
		if rep.Status != ReportPending {
			continue
		}
		rep.Status = outcome
		rep.ResolvedBy = reviewerID
		rep.UpdatedAtMs = time.Now().UnixMilli()
		if err := stageReport(b, rep); err != nil {
			return err
		}
	}
	return nil
}

func stageReport(b *pebble.Batch, rep *Report) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("store: marshal report: %w", err)
	}
	return b.Set(ReportKey(rep.ImageID, rep.ID), data, nil)
}
