// Package quota implements the per-owner credit ledger. Admission checks it
// optimistically; the authoritative charge happens once, when a job succeeds,
// in the same batch as the job's terminal transition.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

const keyPrefix = "quota/"

var (
	// ErrQuotaExceeded is returned when an owner lacks credits for a request.
	ErrQuotaExceeded = errors.New("quota: exceeded")
	// ErrLedgerNotFound is returned when an owner has no active ledger.
	ErrLedgerNotFound = errors.New("quota: ledger not found")
	// ErrInsufficient is returned when a decrement would push the ledger
	// negative. This indicates an accounting inconsistency and must be
	// surfaced, never clamped away.
	ErrInsufficient = errors.New("quota: decrement below zero refused")
)

// Plan quotas by subscription tier.
var planLimits = map[string]int{
	"basic":  100,
	"pro":    500,
	"studio": 2000,
}

// PlanLimit returns the monthly credit allowance for a plan id.
func PlanLimit(planID string) (int, bool) {
	n, ok := planLimits[planID]
	return n, ok
}

// Record is one owner's credit ledger for the current billing cycle.
type Record struct {
	OwnerID     string `json:"owner_id"`
	PlanID      string `json:"plan_id"`
	Limit       int    `json:"limit"`
	Remaining   int    `json:"remaining"`
	ResetAtMs   int64  `json:"reset_at_ms"`
	CreatedAtMs int64  `json:"created_at_ms"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// Key builds the ledger key for an owner.
func Key(ownerID string) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(ownerID))
	k = append(k, keyPrefix...)
	k = append(k, ownerID...)
	return k
}

// Ledger manages quota records.
type Ledger struct {
	db *pebblestore.DB
}

// New creates a ledger over the given store.
func New(db *pebblestore.DB) *Ledger {
	return &Ledger{db: db}
}

// Activate creates or replaces the ledger for an owner on subscription
// activation, granting the plan's full allowance.
func (l *Ledger) Activate(ctx context.Context, ownerID, planID string) (*Record, error) {
	limit, ok := PlanLimit(planID)
	if !ok {
		return nil, fmt.Errorf("quota: unknown plan %q", planID)
	}
	now := time.Now()
	rec := &Record{
		OwnerID:     ownerID,
		PlanID:      planID,
		Limit:       limit,
		Remaining:   limit,
		ResetAtMs:   nextCycle(now).UnixMilli(),
		CreatedAtMs: now.UnixMilli(),
		UpdatedAtMs: now.UnixMilli(),
	}
	err := l.db.Update(ctx, func(b *pebble.Batch) error {
		return stageRecord(b, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads an owner's ledger.
func (l *Ledger) Get(ctx context.Context, ownerID string) (*Record, error) {
	return l.get(ownerID)
}

// CheckAndReserve verifies the owner has at least amount credits. It is a
// check, not a hold: no reservation is persisted, so two concurrent
// admissions may both pass. The true charge happens on success via
// StageDecrement, so the race can over-admit but never over-charge.
func (l *Ledger) CheckAndReserve(ctx context.Context, ownerID string, amount int) error {
	rec, err := l.get(ownerID)
	if err != nil {
		return err
	}
	if rec.Remaining < amount {
		return ErrQuotaExceeded
	}
	return nil
}

// StageDecrement stages the authoritative charge into the batch, guarded so
// the ledger never goes negative. Must be called inside a DB Update so the
// read and the staged write are serialized against other charges.
func (l *Ledger) StageDecrement(b *pebble.Batch, ownerID string, amount int) error {
	rec, err := l.get(ownerID)
	if err != nil {
		return err
	}
	if rec.Remaining < amount {
		return fmt.Errorf("%w: owner=%s remaining=%d amount=%d", ErrInsufficient, ownerID, rec.Remaining, amount)
	}
	rec.Remaining -= amount
	rec.UpdatedAtMs = time.Now().UnixMilli()
	return stageRecord(b, rec)
}

// Decrement applies the charge on its own. Callers coupling the charge to
// other writes should use StageDecrement inside a shared Update instead.
func (l *Ledger) Decrement(ctx context.Context, ownerID string, amount int) error {
	return l.db.Update(ctx, func(b *pebble.Batch) error {
		return l.StageDecrement(b, ownerID, amount)
	})
}

// Reset restores the ledger to newLimit and advances the reset timestamp.
// Invoked by subscription-lifecycle events and by the billing-cycle sweep.
func (l *Ledger) Reset(ctx context.Context, ownerID string, newLimit int) error {
	return l.db.Update(ctx, func(b *pebble.Batch) error {
		rec, err := l.get(ownerID)
		if err != nil {
			return err
		}
		now := time.Now()
		rec.Limit = newLimit
		rec.Remaining = newLimit
		rec.ResetAtMs = nextCycle(now).UnixMilli()
		rec.UpdatedAtMs = now.UnixMilli()
		return stageRecord(b, rec)
	})
}

// OnSubscriptionChanged applies a plan change event from the billing system.
func (l *Ledger) OnSubscriptionChanged(ctx context.Context, ownerID string, newLimit int) error {
	return l.Reset(ctx, ownerID, newLimit)
}

// OnPaymentFailed freezes an owner's credits until billing recovers. The
// plan limit is kept so a later successful payment can restore it.
func (l *Ledger) OnPaymentFailed(ctx context.Context, ownerID string) error {
	return l.db.Update(ctx, func(b *pebble.Batch) error {
		rec, err := l.get(ownerID)
		if err != nil {
			return err
		}
		rec.Remaining = 0
		rec.UpdatedAtMs = time.Now().UnixMilli()
		return stageRecord(b, rec)
	})
}

// ResetDue refreshes every ledger whose billing cycle has rolled over.
// Returns the number of ledgers reset.
func (l *Ledger) ResetDue(ctx context.Context, now time.Time) (int, error) {
	lo, hi := pebblestore.PrefixBounds([]byte(keyPrefix))
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}

	var due []string
	for ok := it.First(); ok; ok = it.Next() {
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			it.Close()
			return 0, fmt.Errorf("quota: unmarshal ledger: %w", err)
		}
		if rec.ResetAtMs <= now.UnixMilli() {
			due = append(due, rec.OwnerID)
		}
	}
	if err := it.Close(); err != nil {
		return 0, err
	}

	for _, ownerID := range due {
		err := l.db.Update(ctx, func(b *pebble.Batch) error {
			rec, err := l.get(ownerID)
			if err != nil {
				return err
			}
			if rec.ResetAtMs > now.UnixMilli() {
				return nil
			}
			rec.Remaining = rec.Limit
			rec.ResetAtMs = nextCycle(now).UnixMilli()
			rec.UpdatedAtMs = now.UnixMilli()
			return stageRecord(b, rec)
		})
		if err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

func (l *Ledger) get(ownerID string) (*Record, error) {
	data, err := l.db.Get(Key(ownerID))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return nil, ErrLedgerNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("quota: unmarshal ledger: %w", err)
	}
	return &rec, nil
}

func stageRecord(b *pebble.Batch, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quota: marshal ledger: %w", err)
	}
	return b.Set(Key(rec.OwnerID), data, nil)
}

func nextCycle(now time.Time) time.Time {
	return now.AddDate(0, 1, 0)
}
