package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
	"unicode/utf8"
)

// Record is one audit entry for a flagged field. Original is kept for
// authorized forensic access only and is never serialized.
type Record struct {
	Time     time.Time `json:"time"`
	AlertID  string    `json:"alert_id"`
	Field    string    `json:"field"`
	Category Category  `json:"category"`
	Digest   string    `json:"sha256"`
	Length   int       `json:"length"`
	Original string    `json:"-"`
}

// NewRecord builds a Record, digesting original.
func NewRecord(alertID, field, original string, c Category) Record {
	sum := sha256.Sum256([]byte(original))
	return Record{
		Time:     time.Now().UTC(),
		AlertID:  alertID,
		Field:    field,
		Category: c,
		Digest:   hex.EncodeToString(sum[:]),
		Length:   utf8.RuneCountInString(original),
		Original: original,
	}
}

// AuditTrail receives a Record for every flagged field.
type AuditTrail interface {
	Record(ctx context.Context, r Record)
}

type discardAudit struct{}

func (discardAudit) Record(context.Context, Record) {}

// MemoryAudit keeps the most recent records in a fixed-size ring.
type MemoryAudit struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

// NewMemoryAudit returns a ring holding up to capacity records.
func NewMemoryAudit(capacity int) *MemoryAudit {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryAudit{buf: make([]Record, capacity)}
}

func (m *MemoryAudit) Record(_ context.Context, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf[m.next] = r
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
}

// Snapshot returns the retained records, oldest first.
func (m *MemoryAudit) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		return append([]Record(nil), m.buf[:m.next]...)
	}
	out := make([]Record, 0, len(m.buf))
	out = append(out, m.buf[m.next:]...)
	return append(out, m.buf[:m.next]...)
}
