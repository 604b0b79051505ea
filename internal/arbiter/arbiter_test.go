package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/permitd/internal/ledger"
	"pkt.systems/permitd/internal/reqqueue"
)

func newTestArbiter(t *testing.T, mutate func(*Config)) *Arbiter {
	t.Helper()
	cfg := Config{Capacity: 5, ReleaseOnDisconnect: true}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func enqueue(t *testing.T, a *Arbiter, requester byte, session string) {
	t.Helper()
	if err := a.Enqueue(reqqueue.Pending{Requester: requester, Session: session}); err != nil {
		t.Fatalf("enqueue %q: %v", requester, err)
	}
}

func TestClaimGrantsHeadOfQueueOnce(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	if _, ok := a.Claim(); ok {
		t.Fatalf("claim on empty queue succeeded")
	}
	enqueue(t, a, '4', "s4")
	enqueue(t, a, '2', "s2")

	grant, ok := a.Claim()
	if !ok {
		t.Fatalf("expected claim to succeed")
	}
	if grant.Requester != '4' || grant.Session != "s4" {
		t.Fatalf("grant carries %q/%s, want head of queue 4/s4", grant.Requester, grant.Session)
	}
	if grant.ID == "" {
		t.Fatalf("expected grant id")
	}
	if _, ok := a.Claim(); ok {
		t.Fatalf("second claim succeeded while permit held")
	}
	snap := a.Snapshot()
	if !snap.Held || snap.Holder == nil || snap.Holder.ID != grant.ID {
		t.Fatalf("unexpected snapshot holder %+v", snap.Holder)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Requester != '2' {
		t.Fatalf("unexpected pending %+v", snap.Pending)
	}
	if snap.Grants['4'] != 1 || snap.Total != 1 {
		t.Fatalf("unexpected ledger %v total %d", snap.Grants, snap.Total)
	}
}

func TestEnqueueBeyondCapacityIsDropped(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	for i := 0; i < 5; i++ {
		enqueue(t, a, byte('1'+i), fmt.Sprintf("s%d", i))
	}
	err := a.Enqueue(reqqueue.Pending{Requester: '6', Session: "s6"})
	if !errors.Is(err, reqqueue.ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	pending := a.Snapshot().Pending
	if len(pending) != 5 {
		t.Fatalf("expected 5 pending, got %d", len(pending))
	}
	for i, p := range pending {
		if p.Requester != byte('1'+i) {
			t.Fatalf("pending[%d] = %q", i, p.Requester)
		}
	}
}

func TestReleaseAnyIsPermissive(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	if err := a.Release('1', "nobody"); err != nil {
		t.Fatalf("release while free: %v", err)
	}
	if a.PermitHeld() {
		t.Fatalf("permit held after idle release")
	}
	enqueue(t, a, '1', "holder")
	if _, ok := a.Claim(); !ok {
		t.Fatalf("claim failed")
	}
	if err := a.Release('7', "stranger"); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if a.PermitHeld() {
		t.Fatalf("permit still held after release by non-holder")
	}
}

func TestReleaseHolderRejectsOthers(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, func(cfg *Config) { cfg.ReleasePolicy = ReleaseHolder })
	if err := a.Release('1', "s1"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("release while free: expected ErrNotHolder, got %v", err)
	}
	enqueue(t, a, '1', "s1")
	if _, ok := a.Claim(); !ok {
		t.Fatalf("claim failed")
	}
	if err := a.Release('2', "s2"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
	if !a.PermitHeld() {
		t.Fatalf("permit freed by non-holder")
	}
	if err := a.Release('1', "s1"); err != nil {
		t.Fatalf("holder release: %v", err)
	}
	if a.PermitHeld() {
		t.Fatalf("permit still held after holder release")
	}
}

func TestTwoRequesterScenario(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	enqueue(t, a, 'A', "a")
	grantA, err := a.Await(ctx)
	if err != nil || grantA.Requester != 'A' {
		t.Fatalf("A: grant %+v err %v", grantA, err)
	}

	enqueue(t, a, 'B', "b")
	got := make(chan Grant, 1)
	go func() {
		g, err := a.Await(ctx)
		if err == nil {
			got <- g
		}
	}()
	select {
	case g := <-got:
		t.Fatalf("B granted %+v while A holds the permit", g)
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.Release('A', "a"); err != nil {
		t.Fatalf("release A: %v", err)
	}
	select {
	case g := <-got:
		if g.Requester != 'B' {
			t.Fatalf("expected B, got %q", g.Requester)
		}
	case <-ctx.Done():
		t.Fatalf("B never granted")
	}
	snap := a.Snapshot()
	if snap.Grants['A'] != 1 || snap.Grants['B'] != 1 {
		t.Fatalf("unexpected ledger %v", snap.Grants)
	}
}

func TestAwaitWakesOnEnqueueAndHonoursCancel(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	a.mu.Lock()
	changed := a.changed
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Await(ctx)
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Await ignored cancellation")
	}

	select {
	case <-changed:
		t.Fatalf("change signal fired without a state change")
	default:
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	grantCh := make(chan Grant, 1)
	go func() {
		g, err := a.Await(waitCtx)
		if err == nil {
			grantCh <- g
		}
	}()
	enqueue(t, a, '3', "s3")
	select {
	case <-changed:
	default:
		t.Fatalf("enqueue did not fire the change signal")
	}
	select {
	case g := <-grantCh:
		if g.Requester != '3' {
			t.Fatalf("unexpected grant %+v", g)
		}
	case <-waitCtx.Done():
		t.Fatalf("Await did not wake after enqueue")
	}
}

func TestAtMostOneHolderUnderContention(t *testing.T) {
	t.Parallel()

	const dispatchers = 6
	const rounds = 40
	a := newTestArbiter(t, func(cfg *Config) { cfg.Capacity = dispatchers })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var holders atomic.Int32
	var violations atomic.Int32
	var granted atomic.Int32
	var wg sync.WaitGroup
	for d := 0; d < dispatchers; d++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			session := fmt.Sprintf("s%c", id)
			for r := 0; r < rounds; r++ {
				for {
					err := a.Enqueue(reqqueue.Pending{Requester: id, Session: session})
					if err == nil {
						break
					}
					if !errors.Is(err, reqqueue.ErrFull) {
						t.Errorf("enqueue: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
				g, err := a.Await(ctx)
				if err != nil {
					t.Errorf("await: %v", err)
					return
				}
				if holders.Add(1) != 1 {
					violations.Add(1)
				}
				granted.Add(1)
				time.Sleep(50 * time.Microsecond)
				holders.Add(-1)
				if err := a.Release(g.Requester, g.Session); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}(byte('0' + d))
	}
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("observed %d overlapping holders", v)
	}
	snap := a.Snapshot()
	if snap.Total != uint64(granted.Load()) {
		t.Fatalf("ledger total %d, grants issued %d", snap.Total, granted.Load())
	}
	if snap.Total != dispatchers*rounds {
		t.Fatalf("ledger total %d, want %d", snap.Total, dispatchers*rounds)
	}
	var sum uint64
	for _, n := range snap.Grants {
		sum += n
	}
	if sum != snap.Total {
		t.Fatalf("per-requester counts sum to %d, total %d", sum, snap.Total)
	}
}

func TestPurgeSessionDropsRequestsAndFreesPermit(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	enqueue(t, a, '1', "gone")
	enqueue(t, a, '2', "stay")
	enqueue(t, a, '3', "gone")
	if _, ok := a.Claim(); !ok {
		t.Fatalf("claim failed")
	}

	removed, released := a.PurgeSession("gone")
	if removed != 1 || !released {
		t.Fatalf("purge removed=%d released=%v, want 1/true", removed, released)
	}
	snap := a.Snapshot()
	if snap.Held {
		t.Fatalf("permit still held after holder purge")
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Session != "stay" {
		t.Fatalf("unexpected pending %+v", snap.Pending)
	}
}

func TestPurgeSessionKeepsPermitWhenReleaseOnDisconnectDisabled(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, func(cfg *Config) { cfg.ReleaseOnDisconnect = false })
	enqueue(t, a, '1', "gone")
	if _, ok := a.Claim(); !ok {
		t.Fatalf("claim failed")
	}
	if _, released := a.PurgeSession("gone"); released {
		t.Fatalf("permit released with release-on-disconnect disabled")
	}
	if !a.PermitHeld() {
		t.Fatalf("permit should remain held")
	}
}

func TestRevokeOnlyMatchesCurrentGrant(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	enqueue(t, a, '1', "s1")
	enqueue(t, a, '2', "s2")
	first, _ := a.Claim()
	if err := a.Release('1', "s1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, ok := a.Claim()
	if !ok {
		t.Fatalf("second claim failed")
	}
	if a.Revoke(first.ID) {
		t.Fatalf("stale grant id revoked the current holder")
	}
	if !a.Revoke(second.ID) {
		t.Fatalf("current grant not revoked")
	}
	if a.PermitHeld() {
		t.Fatalf("permit held after revoke")
	}
}

func TestReleaseSessionFreesOnlyHolder(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	enqueue(t, a, '1', "s1")
	enqueue(t, a, '2', "s2")
	if _, ok := a.Claim(); !ok {
		t.Fatalf("claim failed")
	}
	if a.ReleaseSession("s2") {
		t.Fatalf("non-holder session released the permit")
	}
	if !a.ReleaseSession("s1") {
		t.Fatalf("holder session did not release")
	}
	if a.QueueDepth() != 1 {
		t.Fatalf("ReleaseSession must not touch the queue, depth=%d", a.QueueDepth())
	}
}

type recordingMirror struct {
	grants chan ledger.Grant
}

func (m *recordingMirror) RecordGrant(_ context.Context, g ledger.Grant) error {
	m.grants <- g
	return nil
}

func TestGrantsArePublishedToMirror(t *testing.T) {
	t.Parallel()

	mirror := &recordingMirror{grants: make(chan ledger.Grant, 4)}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := newTestArbiter(t, func(cfg *Config) {
		cfg.Mirror = mirror
		cfg.Now = func() time.Time { return fixed }
	})
	enqueue(t, a, '5', "s5")
	grant, ok := a.Claim()
	if !ok {
		t.Fatalf("claim failed")
	}
	select {
	case g := <-mirror.grants:
		if g.ID != grant.ID || g.Requester != '5' || g.Count != 1 || !g.GrantedAt.Equal(fixed) {
			t.Fatalf("unexpected mirrored grant %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("grant not mirrored")
	}
	if grant.Waited != 0 {
		t.Fatalf("expected zero wait with fixed clock, got %v", grant.Waited)
	}
}

func TestParseReleasePolicy(t *testing.T) {
	t.Parallel()

	cases := map[string]ReleasePolicy{"": ReleaseAny, "ANY": ReleaseAny, " holder ": ReleaseHolder}
	for raw, want := range cases {
		got, err := ParseReleasePolicy(raw)
		if err != nil || got != want {
			t.Fatalf("ParseReleasePolicy(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseReleasePolicy("owner"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestAwaitWithCancelledContextLeavesQueueAlone(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, nil)
	enqueue(t, a, '1', "s1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if g, err := a.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got grant %+v err %v", g, err)
	}
	snap := a.Snapshot()
	if snap.Held || len(snap.Pending) != 1 || snap.Total != 0 {
		t.Fatalf("cancelled Await changed state: held=%v pending=%d total=%d", snap.Held, len(snap.Pending), snap.Total)
	}
}

func TestAssignMovesHolderToRecipient(t *testing.T) {
	t.Parallel()

	a := newTestArbiter(t, func(cfg *Config) {
		cfg.ReleasePolicy = ReleaseHolder
		cfg.ReleaseOnDisconnect = true
	})
	enqueue(t, a, '2', "origin")
	g, ok := a.Claim()
	if !ok {
		t.Fatal("expected claim")
	}
	if a.Assign("stale", "recipient") {
		t.Fatal("assign accepted an unknown grant id")
	}
	if !a.Assign(g.ID, "recipient") {
		t.Fatal("assign rejected the held grant")
	}
	if err := a.Release('2', "origin"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("origin release: expected ErrNotHolder, got %v", err)
	}
	if _, released := a.PurgeSession("origin"); released {
		t.Fatal("purging the origin session freed the recipient's permit")
	}
	if _, released := a.PurgeSession("recipient"); !released {
		t.Fatal("purging the recipient session kept the permit held")
	}
	if a.PermitHeld() {
		t.Fatal("permit still held")
	}
}
