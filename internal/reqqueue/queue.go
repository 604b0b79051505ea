// Package reqqueue holds pending permit requests in arrival order.
package reqqueue

import (
	"errors"
	"time"
)

var (
	// ErrFull is returned by Enqueue when every slot is taken. The request is
	// not stored.
	ErrFull = errors.New("reqqueue: queue full")
	// ErrEmpty is returned by Dequeue when nothing is pending.
	ErrEmpty = errors.New("reqqueue: queue empty")
)

// Pending is a queued REQUEST awaiting a grant.
type Pending struct {
	// Requester is the wire identity the grant will carry.
	Requester byte
	// Session identifies the connection that submitted the request.
	Session string
	// EnqueuedAt records when the request entered the queue.
	EnqueuedAt time.Time
}

// Queue is a bounded circular FIFO. It is not safe for concurrent use; the
// arbiter serializes every call under its queue lock.
type Queue struct {
	slots []Pending
	head  int
	count int
}

// New returns a queue with room for capacity entries (minimum 1).
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{slots: make([]Pending, capacity)}
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int { return len(q.slots) }

// Len returns the number of pending entries.
func (q *Queue) Len() int { return q.count }

// Full reports whether Enqueue would fail.
func (q *Queue) Full() bool { return q.count == len(q.slots) }

// Enqueue appends p at the tail. A full queue leaves its contents untouched
// and returns ErrFull.
func (q *Queue) Enqueue(p Pending) error {
	if q.Full() {
		return ErrFull
	}
	q.slots[q.index(q.count)] = p
	q.count++
	return nil
}

// Dequeue removes and returns the entry that has waited longest.
func (q *Queue) Dequeue() (Pending, error) {
	if q.count == 0 {
		return Pending{}, ErrEmpty
	}
	p := q.slots[q.head]
	q.slots[q.head] = Pending{}
	q.head = q.index(1)
	q.count--
	return p, nil
}

// PeekAll returns a copy of every pending entry in FIFO order.
func (q *Queue) PeekAll() []Pending {
	out := make([]Pending, q.count)
	for i := range out {
		out[i] = q.slots[q.index(i)]
	}
	return out
}

// RemoveSession drops every entry submitted by session, keeping the relative
// order of the rest, and returns how many were removed.
func (q *Queue) RemoveSession(session string) int {
	if q.count == 0 || session == "" {
		return 0
	}
	kept := 0
	for i := 0; i < q.count; i++ {
		p := q.slots[q.index(i)]
		if p.Session == session {
			continue
		}
		q.slots[q.index(kept)] = p
		kept++
	}
	removed := q.count - kept
	for i := kept; i < q.count; i++ {
		q.slots[q.index(i)] = Pending{}
	}
	q.count = kept
	return removed
}

func (q *Queue) index(offset int) int {
	return (q.head + offset) % len(q.slots)
}
