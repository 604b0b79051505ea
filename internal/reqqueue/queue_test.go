package reqqueue

import (
	"errors"
	"fmt"
	"testing"
)

func pending(requester byte, session string) Pending {
	return Pending{Requester: requester, Session: session}
}

func TestQueueHoldsRequestsInArrivalOrderUpToCapacity(t *testing.T) {
	t.Parallel()

	q := New(5)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(pending(byte('1'+i), fmt.Sprintf("conn-%d", i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Enqueue(pending('6', "conn-5")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull for 6th request, got %v", err)
	}
	if q.Len() != 5 {
		t.Fatalf("expected 5 pending after overflow, got %d", q.Len())
	}
	all := q.PeekAll()
	for i, p := range all {
		if p.Requester != byte('1'+i) {
			t.Fatalf("slot %d: expected requester %q, got %q", i, byte('1'+i), p.Requester)
		}
	}
}

func TestQueueDequeueIsFIFOAcrossWrap(t *testing.T) {
	t.Parallel()

	q := New(3)
	var want []byte
	next := byte('0')
	for round := 0; round < 4; round++ {
		for q.Len() < q.Cap() {
			if err := q.Enqueue(pending(next, "s")); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			want = append(want, next)
			next++
		}
		p, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if p.Requester != want[0] {
			t.Fatalf("round %d: expected %q, got %q", round, want[0], p.Requester)
		}
		want = want[1:]
	}
	for len(want) > 0 {
		p, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if p.Requester != want[0] {
			t.Fatalf("drain: expected %q, got %q", want[0], p.Requester)
		}
		want = want[1:]
	}
	if _, err := q.Dequeue(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestQueuePeekAllDoesNotMutate(t *testing.T) {
	t.Parallel()

	q := New(2)
	_ = q.Enqueue(pending('1', "a"))
	snap := q.PeekAll()
	snap[0].Requester = 'x'
	if again := q.PeekAll(); len(again) != 1 || again[0].Requester != '1' {
		t.Fatalf("PeekAll copy leaked into queue: %+v", again)
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
}

func TestQueueRemoveSessionKeepsOrder(t *testing.T) {
	t.Parallel()

	q := New(5)
	// Force the head away from slot zero so removal has to walk a wrapped ring.
	_ = q.Enqueue(pending('0', "x"))
	_ = q.Enqueue(pending('0', "x"))
	_, _ = q.Dequeue()
	_, _ = q.Dequeue()

	for _, p := range []Pending{
		pending('1', "a"),
		pending('2', "b"),
		pending('3', "a"),
		pending('4', "c"),
		pending('5', "a"),
	} {
		if err := q.Enqueue(p); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if removed := q.RemoveSession("a"); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	got := q.PeekAll()
	if len(got) != 2 || got[0].Requester != '2' || got[1].Requester != '4' {
		t.Fatalf("unexpected remaining entries %+v", got)
	}
	if err := q.Enqueue(pending('6', "d")); err != nil {
		t.Fatalf("enqueue after purge: %v", err)
	}
	if removed := q.RemoveSession("missing"); removed != 0 {
		t.Fatalf("expected no removals, got %d", removed)
	}
}

func TestQueueCapacityClamp(t *testing.T) {
	t.Parallel()

	if q := New(0); q.Cap() != 1 {
		t.Fatalf("expected capacity clamp to 1, got %d", q.Cap())
	}
}
