package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// Message is the job envelope carried by the queue. The queue treats it as
// opaque; only the worker interprets it.
type Message struct {
	JobID        string            `json:"job_id"`
	OwnerID      string            `json:"owner_id"`
	Filters      map[string]string `json:"filters"`
	BatchSize    int               `json:"batch_size"`
	EnqueuedAtMs int64             `json:"enqueued_at_ms"`
}

// Stored record: payload | crc32c(payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+4)
	out = append(out, payload...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc32.Checksum(payload, castagnoli))
	return append(out, cb[:]...)
}

func decodeRecord(b []byte) ([]byte, bool) {
	if len(b) < 4 {
		return nil, false
	}
	payload := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}

func encodeMessage(msg *Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal message: %w", err)
	}
	return encodeRecord(payload), nil
}

func decodeMessage(b []byte) (*Message, error) {
	payload, ok := decodeRecord(b)
	if !ok {
		return nil, fmt.Errorf("queue: corrupt message record")
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("queue: unmarshal message: %w", err)
	}
	return &msg, nil
}
