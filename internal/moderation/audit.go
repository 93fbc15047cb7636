package moderation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/qwertypants/figureforge/internal/storage/pebble"
)

// Audit record encoding: varint payloadLen is implicit (whole value), framed
// as payload | crc32c(payload). Entries are append-only per image.
//
// Keys:
//
//	maudit/{image_id}/e/{seq}  one audit entry
//	maudit/{image_id}/m        lastSeq (8B BE)
const (
	auditPrefix = "maudit/"
	auditEntry  = "/e/"
	auditMeta   = "/m"
)

var auditCastagnoli = crc32.MakeTable(crc32.Castagnoli)

// AuditEntry is one immutable moderation transition record.
type AuditEntry struct {
	ImageID string `json:"image_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason,omitempty"`
	TsMs    int64  `json:"ts_ms"`
}

func auditEntryKey(imageID string, seq uint64) []byte {
	prefix := auditPrefix + imageID + auditEntry
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func auditMetaKey(imageID string) []byte {
	return []byte(auditPrefix + imageID + auditMeta)
}

func auditEntryPrefix(imageID string) []byte {
	return []byte(auditPrefix + imageID + auditEntry)
}

// AuditLog is the append-only moderation trail, one log per image.
type AuditLog struct {
	db *pebblestore.DB
}

// NewAuditLog creates an audit log over the given store.
func NewAuditLog(db *pebblestore.DB) *AuditLog {
	return &AuditLog{db: db}
}

// StageAppend stages one entry into the batch, assigning the next sequence.
// Must run inside a DB Update so sequence assignment is serialized.
func (a *AuditLog) StageAppend(b *pebble.Batch, e AuditEntry) error {
	if e.TsMs == 0 {
		e.TsMs = time.Now().UnixMilli()
	}
	var lastSeq uint64
	meta, err := a.db.Get(auditMetaKey(e.ImageID))
	if err == nil && len(meta) >= 8 {
		lastSeq = binary.BigEndian.Uint64(meta[:8])
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	seq := lastSeq + 1

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("moderation: marshal audit entry: %w", err)
	}
	val := make([]byte, 0, len(payload)+4)
	val = append(val, payload...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(payload, auditCastagnoli))
	val = append(val, cb[:]...)

	if err := b.Set(auditEntryKey(e.ImageID, seq), val, nil); err != nil {
		return err
	}
	var mb [8]byte
	binary.BigEndian.PutUint64(mb[:], seq)
	return b.Set(auditMetaKey(e.ImageID), mb[:], nil)
}

// Entries returns the full audit trail for an image in append order.
func (a *AuditLog) Entries(ctx context.Context, imageID string) ([]AuditEntry, error) {
	lo, hi := pebblestore.PrefixBounds(auditEntryPrefix(imageID))
	it, err := a.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []AuditEntry
	for ok := it.First(); ok; ok = it.Next() {
		v := it.Value()
		if len(v) < 4 {
			return nil, fmt.Errorf("moderation: truncated audit record")
		}
		payload := v[:len(v)-4]
		if crc32.Checksum(payload, auditCastagnoli) != binary.BigEndian.Uint32(v[len(v)-4:]) {
			return nil, fmt.Errorf("moderation: corrupt audit record")
		}
		var e AuditEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("moderation: unmarshal audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, it.Error()
}
