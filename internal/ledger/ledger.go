// Package ledger is the append-only history of triggered actions.
package ledger

import (
	"sync"
	"time"

	"signalPilot/internal/domain"
)

// DefaultCapacity is the number of records kept in memory when none is configured.
const DefaultCapacity = 10000

// ExecutionLedger stores execution records in append order. Records are
// never modified; once capacity is reached the oldest fall out of memory.
// The records live in a fixed ring, so a full ledger appends in O(1).
type ExecutionLedger struct {
	mu      sync.RWMutex
	ring    []domain.ExecutionRecord
	start   int // Index of the oldest record
	size    int
	lastSeq int64
	total   int64
	failed  int64
}

// New creates a ledger that keeps up to capacity records in memory.
func New(capacity int) *ExecutionLedger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ExecutionLedger{ring: make([]domain.ExecutionRecord, capacity)}
}

// at returns the i-th held record, 0 being the oldest.
func (l *ExecutionLedger) at(i int) domain.ExecutionRecord {
	return l.ring[(l.start+i)%len(l.ring)]
}

// push stores rec, overwriting the oldest record when full.
func (l *ExecutionLedger) push(rec domain.ExecutionRecord) {
	if l.size < len(l.ring) {
		l.ring[(l.start+l.size)%len(l.ring)] = rec
		l.size++
		return
	}
	l.ring[l.start] = rec
	l.start = (l.start + 1) % len(l.ring)
}

// Append assigns the next sequence number and stores the record.
func (l *ExecutionLedger) Append(rec domain.ExecutionRecord) domain.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeq++
	rec.Seq = l.lastSeq
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.push(rec)
	l.total++
	if !rec.Success {
		l.failed++
	}
	return rec
}

// Recent returns up to limit records, newest first.
func (l *ExecutionLedger) Recent(limit int) []domain.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]domain.ExecutionRecord, 0, limit)
	for i := l.size - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.at(i))
	}
	return out
}

// Since returns the records with Seq greater than seq, oldest first.
func (l *ExecutionLedger) Since(seq int64) []domain.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.ExecutionRecord
	for i := 0; i < l.size; i++ {
		if r := l.at(i); r.Seq > seq {
			out = append(out, r)
		}
	}
	return out
}

// ForTicket returns the records of one position, oldest first.
func (l *ExecutionLedger) ForTicket(ticket string) []domain.ExecutionRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.ExecutionRecord
	for i := 0; i < l.size; i++ {
		if r := l.at(i); r.Ticket == ticket {
			out = append(out, r)
		}
	}
	return out
}

// Restore loads previously persisted records, oldest first, and continues
// numbering after the highest sequence seen.
func (l *ExecutionLedger) Restore(records []domain.ExecutionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		if r.Seq <= l.lastSeq && l.size > 0 {
			continue
		}
		l.push(r)
		if r.Seq > l.lastSeq {
			l.lastSeq = r.Seq
		}
		l.total++
		if !r.Success {
			l.failed++
		}
	}
}

// Len returns the number of records held in memory.
func (l *ExecutionLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Counts returns the number of records appended and how many failed.
func (l *ExecutionLedger) Counts() (total, failed int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total, l.failed
}

// LastSeq returns the highest sequence number assigned.
func (l *ExecutionLedger) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}
