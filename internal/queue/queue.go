// Package queue is a durable at-least-once job queue on the Pebble store.
// Deliveries are covered by visibility leases; a message whose lease expires
// is reclaimed and redelivered, and a message that exhausts its redelivery
// budget is routed to the dead-letter buffer instead of being delivered
// again. Nothing here guarantees exclusivity: workers tolerate duplicate
// deliveries via the job's own terminal-state guard.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

// ErrLeaseNotHeld is returned by Ack/Extend/Abandon when the lease record is
// gone, usually because the sweeper reclaimed it after expiry.
var ErrLeaseNotHeld = errors.New("queue: lease not held")

// Options tunes queue behavior.
type Options struct {
	// LeaseDuration is the visibility window granted per delivery.
	LeaseDuration time.Duration
	// RedeliveryThreshold is the maximum number of deliveries per message.
	// A message due for delivery beyond this count is dead-lettered.
	RedeliveryThreshold int
}

// Delivery is one leased message handed to a worker.
type Delivery struct {
	Seq            uint64
	Msg            *Message
	Attempts       int
	LeaseExpiresMs int64
}

// DeadLetter is one message parked in the dead-letter buffer.
type DeadLetter struct {
	Seq      uint64
	Msg      *Message
	Attempts int
}

// Queue is a named durable queue.
type Queue struct {
	db   *pebblestore.DB
	name string

	leaseMs   int64
	threshold int

	mu      sync.Mutex
	lastSeq uint64
}

// Open initializes a queue and restores its sequence counter from metadata.
func Open(db *pebblestore.DB, name string, opts Options) (*Queue, error) {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 30 * time.Second
	}
	if opts.RedeliveryThreshold <= 0 {
		opts.RedeliveryThreshold = 3
	}
	q := &Queue{
		db:        db,
		name:      name,
		leaseMs:   opts.LeaseDuration.Milliseconds(),
		threshold: opts.RedeliveryThreshold,
	}
	meta, err := db.Get(metaKey(name))
	switch {
	case err == nil && len(meta) >= 8:
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
	case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
		return nil, err
	}
	return q, nil
}

// Enqueue appends a message and makes it immediately available.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) (uint64, error) {
	if msg.EnqueuedAtMs == 0 {
		msg.EnqueuedAtMs = time.Now().UnixMilli()
	}
	val, err := encodeMessage(msg)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	seq := q.lastSeq + 1
	err = q.db.Update(ctx, func(b *pebble.Batch) error {
		if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
			return err
		}
		var meta [8]byte
		binary.BigEndian.PutUint64(meta[:], seq)
		return b.Set(metaKey(q.name), meta[:], nil)
	})
	if err != nil {
		return 0, err
	}
	q.lastSeq = seq
	return seq, nil
}

// Receive leases up to count available messages in FIFO order. Each delivery
// increments the message's persistent attempt counter; a message already at
// the redelivery threshold is moved to the dead-letter buffer instead of
// being handed out.
func (q *Queue) Receive(ctx context.Context, count int) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	nowMs := time.Now().UnixMilli()

	var out []Delivery
	err := q.db.Update(ctx, func(b *pebble.Batch) error {
		lo, hi := pebblestore.PrefixBounds(readyPrefix(q.name))
		it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return err
		}
		defer it.Close()

		for ok := it.First(); ok && len(out) < count; ok = it.Next() {
			k := it.Key()
			seq := binary.BigEndian.Uint64(k[len(k)-8:])
			if err := b.Delete(k, nil); err != nil {
				return err
			}

			raw, err := q.db.Get(msgKey(q.name, seq))
			if err != nil {
				// Orphaned ready row, drop it.
				continue
			}
			msg, err := decodeMessage(raw)
			if err != nil {
				continue
			}

			attempts := q.attempts(seq)
			if attempts >= q.threshold {
				if err := q.stageDeadLetter(b, seq, raw); err != nil {
					return err
				}
				continue
			}
			attempts++

			exp := nowMs + q.leaseMs
			if err := q.stageLease(b, seq, exp, attempts); err != nil {
				return err
			}
			var ab [4]byte
			binary.BigEndian.PutUint32(ab[:], uint32(attempts))
			if err := b.Set(attKey(q.name, seq), ab[:], nil); err != nil {
				return err
			}
			out = append(out, Delivery{Seq: seq, Msg: msg, Attempts: attempts, LeaseExpiresMs: exp})
		}
		return it.Error()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Extend renews the lease on a delivery for another full lease window.
func (q *Queue) Extend(ctx context.Context, seq uint64) error {
	return q.db.Update(ctx, func(b *pebble.Batch) error {
		expiresMs, attempts, err := q.readLease(seq)
		if err != nil {
			return err
		}
		if err := b.Delete(leaseIdxKey(q.name, expiresMs, seq), nil); err != nil {
			return err
		}
		return q.stageLease(b, seq, time.Now().UnixMilli()+q.leaseMs, attempts)
	})
}

// Ack removes a fully processed message and all its bookkeeping.
func (q *Queue) Ack(ctx context.Context, seq uint64) error {
	return q.db.Update(ctx, func(b *pebble.Batch) error {
		expiresMs, _, err := q.readLease(seq)
		if err != nil {
			return err
		}
		if err := b.Delete(leaseIdxKey(q.name, expiresMs, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(leaseKey(q.name, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(attKey(q.name, seq), nil); err != nil {
			return err
		}
		return b.Delete(msgKey(q.name, seq), nil)
	})
}

// Abandon releases the lease and makes the message immediately available for
// redelivery. The attempt counter is kept, so repeated abandonment still
// converges on the dead-letter buffer.
func (q *Queue) Abandon(ctx context.Context, seq uint64) error {
	return q.db.Update(ctx, func(b *pebble.Batch) error {
		expiresMs, _, err := q.readLease(seq)
		if err != nil {
			return err
		}
		if err := b.Delete(leaseIdxKey(q.name, expiresMs, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(leaseKey(q.name, seq), nil); err != nil {
			return err
		}
		return b.Set(readyKey(q.name, seq), nil, nil)
	})
}

// ReclaimExpired scans the lease expiry index and returns messages whose
// lease lapsed without an Ack to the ready index. Returns the number of
// messages reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	reclaimed := 0
	err := q.db.Update(ctx, func(b *pebble.Batch) error {
		prefix := leaseIdxPrefix(q.name)
		lo, hi := pebblestore.PrefixBounds(prefix)
		it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
		if err != nil {
			return err
		}
		defer it.Close()

		for ok := it.First(); ok; ok = it.Next() {
			k := it.Key()
			exp := int64(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
			if exp > nowMs {
				break
			}
			seq := binary.BigEndian.Uint64(k[len(k)-8:])
			if err := b.Delete(k, nil); err != nil {
				return err
			}
			// An Extend may have superseded this index row; only reclaim
			// when the lease record still carries this expiry.
			cur, _, err := q.readLease(seq)
			if err != nil || cur != exp {
				continue
			}
			if err := b.Delete(leaseKey(q.name, seq), nil); err != nil {
				return err
			}
			if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
				return err
			}
			reclaimed++
		}
		return it.Error()
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// DeadLetters returns the parked messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	prefix := dlqPrefix(q.name)
	lo, hi := pebblestore.PrefixBounds(prefix)
	it, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []DeadLetter
	for ok := it.First(); ok; ok = it.Next() {
		k := it.Key()
		seq := binary.BigEndian.Uint64(k[len(k)-8:])
		msg, err := decodeMessage(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, DeadLetter{Seq: seq, Msg: msg, Attempts: q.threshold})
	}
	return out, it.Error()
}

// PurgeDeadLetter drops one parked message after reconciliation.
func (q *Queue) PurgeDeadLetter(ctx context.Context, seq uint64) error {
	return q.db.Update(ctx, func(b *pebble.Batch) error {
		return b.Delete(dlqKey(q.name, seq), nil)
	})
}

func (q *Queue) stageLease(b *pebble.Batch, seq uint64, expiresMs int64, attempts int) error {
	var lv [12]byte
	binary.BigEndian.PutUint64(lv[0:8], uint64(expiresMs))
	binary.BigEndian.PutUint32(lv[8:12], uint32(attempts))
	if err := b.Set(leaseKey(q.name, seq), lv[:], nil); err != nil {
		return err
	}
	return b.Set(leaseIdxKey(q.name, expiresMs, seq), nil, nil)
}

func (q *Queue) stageDeadLetter(b *pebble.Batch, seq uint64, raw []byte) error {
	if err := b.Set(dlqKey(q.name, seq), raw, nil); err != nil {
		return err
	}
	if err := b.Delete(msgKey(q.name, seq), nil); err != nil {
		return err
	}
	return b.Delete(attKey(q.name, seq), nil)
}

func (q *Queue) readLease(seq uint64) (expiresMs int64, attempts int, err error) {
	lv, err := q.db.Get(leaseKey(q.name, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, 0, ErrLeaseNotHeld
		}
		return 0, 0, err
	}
	if len(lv) < 12 {
		return 0, 0, ErrLeaseNotHeld
	}
	return int64(binary.BigEndian.Uint64(lv[0:8])), int(binary.BigEndian.Uint32(lv[8:12])), nil
}

func (q *Queue) attempts(seq uint64) int {
	av, err := q.db.Get(attKey(q.name, seq))
	if err != nil || len(av) < 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(av[:4]))
}
