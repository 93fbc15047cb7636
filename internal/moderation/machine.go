// Package moderation drives image moderation state: user flags and the
// automated classifier push an image out of clean, review resolutions bring
// it back or remove it for good. Every transition lands in an append-only
// audit trail.
package moderation

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
	"github.com/qwertypants/figureforge/internal/store"
)

var (
	// ErrRemovedTerminal is returned when a transition targets a removed
	// image. Removed never transitions back.
	ErrRemovedTerminal = errors.New("moderation: removed is terminal")
	// ErrNotFlagged is returned when a resolution targets an image that is
	// not under review.
	ErrNotFlagged = errors.New("moderation: image not under review")
)

// ActorClassifier is the audit actor recorded for automated decisions.
const ActorClassifier = "classifier"

// Machine applies moderation transitions to image records.
type Machine struct {
	db         *pebblestore.DB
	images     *store.ImageRepo
	reports    *store.ReportRepo
	audit      *AuditLog
	classifier *Classifier
	log        zerolog.Logger
}

// NewMachine wires the moderation machine.
func NewMachine(db *pebblestore.DB, images *store.ImageRepo, reports *store.ReportRepo, audit *AuditLog, classifier *Classifier, log zerolog.Logger) *Machine {
	return &Machine{
		db:         db,
		images:     images,
		reports:    reports,
		audit:      audit,
		classifier: classifier,
		log:        log.With().Str("component", "moderation").Logger(),
	}
}

// StageScreen runs the classifier over a new image before it is persisted.
// A violation sets auto_blocked on the record and stages the audit entry;
// the caller stages the image write itself afterwards.
func (m *Machine) StageScreen(b *pebble.Batch, img *store.Image) error {
	flagged, rule := m.classifier.Classify(img.Prompt, img.Tags, img.OwnerID, img.Public)
	if !flagged {
		return nil
	}
	img.Moderation = store.ModerationAutoBlocked
	m.log.Warn().Str("image_id", img.ID).Str("rule", rule).Msg("classifier blocked new image")
	return m.audit.StageAppend(b, AuditEntry{
		ImageID: img.ID,
		From:    string(store.ModerationClean),
		To:      string(store.ModerationAutoBlocked),
		Actor:   ActorClassifier,
		Reason:  rule,
	})
}

// Flag applies a user flag event. The image leaves clean immediately; flags
// on an image already under review or removed do not change state, but every
// flag appends its own report.
func (m *Machine) Flag(ctx context.Context, imageID, reporterID string, reasons []string) error {
	return m.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := m.images.Get(ctx, imageID)
		if err != nil {
			return err
		}
		if _, err := m.reports.StageCreate(b, imageID, reporterID, reasons); err != nil {
			return err
		}
		if img.Moderation != store.ModerationClean {
			return nil
		}
		from := img.Moderation
		img.Moderation = store.ModerationHumanPending
		if err := m.audit.StageAppend(b, AuditEntry{
			ImageID: imageID,
			From:    string(from),
			To:      string(store.ModerationHumanPending),
			Actor:   reporterID,
			Reason:  "user_flag",
		}); err != nil {
			return err
		}
		return m.images.StagePut(b, img)
	})
}

// Resolve settles a review: remove takes the image to removed, otherwise it
// is unflagged back to clean. All pending reports are resolved accordingly.
func (m *Machine) Resolve(ctx context.Context, imageID, reviewerID string, remove bool) error {
	return m.db.Update(ctx, func(b *pebble.Batch) error {
		img, err := m.images.Get(ctx, imageID)
		if err != nil {
			return err
		}
		if img.Moderation == store.ModerationRemoved {
			return ErrRemovedTerminal
		}
		if img.Moderation == store.ModerationClean {
			return ErrNotFlagged
		}

		from := img.Moderation
		to := store.ModerationClean
		outcome := store.ReportResolvedUnflag
		if remove {
			to = store.ModerationRemoved
			outcome = store.ReportResolvedRemoved
		}
		img.Moderation = to
		if err := m.audit.StageAppend(b, AuditEntry{
			ImageID: imageID,
			From:    string(from),
			To:      string(to),
			Actor:   reviewerID,
		}); err != nil {
			return err
		}
		if err := m.reports.StageResolveAll(ctx, b, imageID, outcome, reviewerID); err != nil {
			return err
		}
		return m.images.StagePut(b, img)
	})
}

// AuditTrail returns the transition history for an image.
func (m *Machine) AuditTrail(ctx context.Context, imageID string) ([]AuditEntry, error) {
	return m.audit.Entries(ctx, imageID)
}

// Reports returns all reports filed against an image.
func (m *Machine) Reports(ctx context.Context, imageID string) ([]*store.Report, error) {
	return m.reports.ListByImage(ctx, imageID)
}
