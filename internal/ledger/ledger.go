// Package ledger counts how many times each requester has been granted the
// permit. Counts only ever increase and live for the lifetime of the process.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Grant describes one permit grant as published to a Mirror.
type Grant struct {
	ID        string
	Requester byte
	Count     uint64 // requester's ledger count after this grant
	GrantedAt time.Time
}

// Mirror receives a copy of every recorded grant. Implementations must not
// block for long; callers publish outside the arbiter's critical section and
// treat failures as non-fatal.
type Mirror interface {
	RecordGrant(ctx context.Context, grant Grant) error
}

// Ledger maps requester identity to its grant count.
type Ledger struct {
	mu     sync.RWMutex
	counts map[byte]uint64
	total  uint64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{counts: make(map[byte]uint64)}
}

// RecordGrant increments the count for requester and returns the new value.
// Unseen requesters start at zero.
func (l *Ledger) RecordGrant(requester byte) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[requester]++
	l.total++
	return l.counts[requester]
}

// Count returns the grant count for requester.
func (l *Ledger) Count(requester byte) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[requester]
}

// Total returns the number of grants recorded across all requesters.
func (l *Ledger) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Snapshot returns a copy of every count.
func (l *Ledger) Snapshot() map[byte]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[byte]uint64, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}
