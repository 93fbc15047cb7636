package queue

import "encoding/binary"

// Key prefixes for queue data structures, all under q/{name}/:
//
//	meta                  lastSeq (8B BE)
//	msg/{seq}             framed message record
//	ready/{seq}           availability index (FIFO by seq)
//	att/{seq}             delivery attempt count (4B BE)
//	lease/{seq}           active lease: expires_ms (8B BE) | attempts (4B BE)
//	lease_idx/{exp}{seq}  lease expiry index
//	dlq/{seq}             dead-lettered message record
const (
	segMeta     = "meta"
	segMsg      = "msg/"
	segReady    = "ready/"
	segAttempts = "att/"
	segLease    = "lease/"
	segLeaseIdx = "lease_idx/"
	segDLQ      = "dlq/"
)

func queuePrefix(name string) string {
	return "q/" + name + "/"
}

func seqSuffix(seq uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b
}

func seqKey(name, seg string, seq uint64) []byte {
	prefix := queuePrefix(name) + seg
	sb := seqSuffix(seq)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	copy(key[len(prefix):], sb[:])
	return key
}

func metaKey(name string) []byte {
	return []byte(queuePrefix(name) + segMeta)
}

func msgKey(name string, seq uint64) []byte   { return seqKey(name, segMsg, seq) }
func readyKey(name string, seq uint64) []byte { return seqKey(name, segReady, seq) }
func attKey(name string, seq uint64) []byte   { return seqKey(name, segAttempts, seq) }
func leaseKey(name string, seq uint64) []byte { return seqKey(name, segLease, seq) }
func dlqKey(name string, seq uint64) []byte   { return seqKey(name, segDLQ, seq) }

// leaseIdxKey orders leases by expiry so expired ones scan first.
func leaseIdxKey(name string, expiresMs int64, seq uint64) []byte {
	prefix := queuePrefix(name) + segLeaseIdx
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	sb := seqSuffix(seq)
	copy(key[len(prefix)+8:], sb[:])
	return key
}

func readyPrefix(name string) []byte    { return []byte(queuePrefix(name) + segReady) }
func leaseIdxPrefix(name string) []byte { return []byte(queuePrefix(name) + segLeaseIdx) }
func dlqPrefix(name string) []byte      { return []byte(queuePrefix(name) + segDLQ) }
