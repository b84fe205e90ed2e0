package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record is one tamper-evident audit record. Records chain: each hash
// covers the previous record's hash, so deleting or editing one breaks
// verification of everything after it.
type Record struct {
	Timestamp     string `json:"timestamp"`
	Actor         string `json:"actor"`
	Action        string `json:"action"`
	Reference     string `json:"reference"`
	CorrelationID string `json:"correlation_id,omitempty"`
	PreviousHash  string `json:"previous_hash"`
	Hash          string `json:"hash"`
}

// Trail is an append-only hash-chained audit log. It keeps records in
// memory for verification; durable shipping is the caller's concern.
type Trail struct {
	mu           sync.Mutex
	previousHash string
	records      []*Record
}

// NewTrail starts a chain from the zero hash.
func NewTrail() *Trail {
	return &Trail{previousHash: strings.Repeat("0", 64)}
}

// Append records an action and returns the sealed record.
func (t *Trail) Append(actor, action, reference, correlationID string) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &Record{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Actor:         actor,
		Action:        action,
		Reference:     reference,
		CorrelationID: correlationID,
		PreviousHash:  t.previousHash,
	}
	rec.Hash = recordHash(rec)

	t.previousHash = rec.Hash
	t.records = append(t.records, rec)
	return rec
}

// Records returns a copy of the chain so far.
func (t *Trail) Records() []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Record, len(t.records))
	for i, r := range t.records {
		cp := *r
		out[i] = &cp
	}
	return out
}

func recordHash(r *Record) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		r.PreviousHash, r.Timestamp, r.Actor, r.Action, r.Reference, r.CorrelationID)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Verify checks that records form an unbroken, unmodified chain.
func Verify(records []*Record) bool {
	for i, r := range records {
		if i > 0 && r.PreviousHash != records[i-1].Hash {
			return false
		}
		if recordHash(r) != r.Hash {
			return false
		}
	}
	return true
}
