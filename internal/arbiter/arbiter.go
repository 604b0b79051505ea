// Package arbiter owns the single permit, the pending-request queue and the
// grant ledger. Every state transition happens under one mutex so that the
// Free->Held transition, the dequeue and the ledger update are observed
// together or not at all.
//
// Waiters do not poll. Each change that could make a claim possible
// (Enqueue, Release, PurgeSession) closes the current change channel and
// installs a fresh one; Await blocks on that channel.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/permitd/internal/ledger"
	"pkt.systems/permitd/internal/metrics"
	"pkt.systems/permitd/internal/reqqueue"
	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/wire"
	"pkt.systems/pslog"
)

// ErrNotHolder is returned by Release under ReleaseHolder when the caller
// does not hold the permit.
var ErrNotHolder = errors.New("arbiter: session does not hold the permit")

const mirrorTimeout = 2 * time.Second

// ReleasePolicy decides who may return the permit.
type ReleasePolicy string

const (
	// ReleaseAny lets any connection free the permit, including when it is
	// already free.
	ReleaseAny ReleasePolicy = "any"
	// ReleaseHolder only accepts RELEASE from the session holding the permit.
	ReleaseHolder ReleasePolicy = "holder"
)

// ParseReleasePolicy maps a config string to a ReleasePolicy. Empty selects
// ReleaseAny.
func ParseReleasePolicy(raw string) (ReleasePolicy, error) {
	switch ReleasePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ReleaseAny:
		return ReleaseAny, nil
	case ReleaseHolder:
		return ReleaseHolder, nil
	default:
		return "", fmt.Errorf("arbiter: unknown release policy %q (want any or holder)", raw)
	}
}

// Grant is a successful claim.
type Grant struct {
	ID        string        `json:"id"`
	Requester byte          `json:"-"`
	Session   string        `json:"session"`
	GrantedAt time.Time     `json:"granted_at"`
	Waited    time.Duration `json:"waited"`
}

// Snapshot is a read-only copy of the arbiter state.
type Snapshot struct {
	Held     bool
	Holder   *Grant
	Pending  []reqqueue.Pending
	Capacity int
	Grants   map[byte]uint64
	Total    uint64
}

// Config wires an Arbiter.
type Config struct {
	// Capacity bounds the pending-request queue.
	Capacity            int
	ReleasePolicy       ReleasePolicy
	ReleaseOnDisconnect bool
	Ledger              *ledger.Ledger
	Mirror              ledger.Mirror
	Metrics             *metrics.Recorder
	Logger              pslog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Arbiter serializes access to the permit.
type Arbiter struct {
	mu      sync.Mutex
	queue   *reqqueue.Queue
	held    bool
	holder  *Grant
	changed chan struct{}

	ledger              *ledger.Ledger
	mirror              ledger.Mirror
	policy              ReleasePolicy
	releaseOnDisconnect bool
	metrics             *metrics.Recorder
	logger              pslog.Logger
	tracer              trace.Tracer
	now                 func() time.Time
}

// New constructs an Arbiter in the Free state.
func New(cfg Config) *Arbiter {
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New()
	}
	if cfg.ReleasePolicy == "" {
		cfg.ReleasePolicy = ReleaseAny
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Arbiter{
		queue:               reqqueue.New(cfg.Capacity),
		changed:             make(chan struct{}),
		ledger:              cfg.Ledger,
		mirror:              cfg.Mirror,
		policy:              cfg.ReleasePolicy,
		releaseOnDisconnect: cfg.ReleaseOnDisconnect,
		metrics:             cfg.Metrics,
		logger:              svcfields.WithSubsystem(cfg.Logger, "arbiter"),
		tracer:              otel.Tracer("pkt.systems/permitd/arbiter"),
		now:                 cfg.Now,
	}
}

// Enqueue appends a pending request. A full queue returns reqqueue.ErrFull
// and leaves the queue unchanged.
func (a *Arbiter) Enqueue(p reqqueue.Pending) error {
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.queue.Enqueue(p); err != nil {
		return err
	}
	a.signalLocked()
	return nil
}

// Claim performs one claim step without blocking. It reports false when the
// permit is held or nothing is pending.
func (a *Arbiter) Claim() (Grant, bool) {
	return a.claim(context.Background())
}

// Await blocks until this caller wins a claim or ctx ends. A cancelled
// caller never dequeues a request.
func (a *Arbiter) Await(ctx context.Context) (Grant, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Grant{}, err
		}
		start := a.now()
		a.mu.Lock()
		grant, count, ok := a.claimLocked()
		changed := a.changed
		a.mu.Unlock()
		if ok {
			a.afterGrant(ctx, start, grant, count)
			return grant, nil
		}
		select {
		case <-ctx.Done():
			return Grant{}, ctx.Err()
		case <-changed:
		}
	}
}

func (a *Arbiter) claim(ctx context.Context) (Grant, bool) {
	start := a.now()
	a.mu.Lock()
	grant, count, ok := a.claimLocked()
	a.mu.Unlock()
	if ok {
		a.afterGrant(ctx, start, grant, count)
	}
	return grant, ok
}

// claimLocked is the critical section: Free and non-empty, then Held,
// dequeue and ledger update. Caller holds a.mu. The returned count is the
// requester's ledger value after this grant.
func (a *Arbiter) claimLocked() (Grant, uint64, bool) {
	if a.held || a.queue.Len() == 0 {
		return Grant{}, 0, false
	}
	p, err := a.queue.Dequeue()
	if err != nil {
		return Grant{}, 0, false
	}
	a.held = true
	count := a.ledger.RecordGrant(p.Requester)
	now := a.now()
	grant := Grant{
		ID:        xid.New().String(),
		Requester: p.Requester,
		Session:   p.Session,
		GrantedAt: now,
		Waited:    now.Sub(p.EnqueuedAt),
	}
	holder := grant
	a.holder = &holder
	return grant, count, true
}

func (a *Arbiter) afterGrant(ctx context.Context, start time.Time, grant Grant, count uint64) {
	requester := wire.RequesterLabel(grant.Requester)
	_, span := a.tracer.Start(ctx, "permitd.arbiter.claim",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("permitd.grant_id", grant.ID),
			attribute.String("permitd.requester", requester),
			attribute.String("permitd.session", grant.Session),
		),
	)
	span.End()
	a.metrics.Grant(ctx, requester, grant.Waited)
	a.logger.Info("permitd.arbiter.grant",
		"grant_id", grant.ID,
		"requester", requester,
		"session", grant.Session,
		"waited", grant.Waited,
		"count", count,
	)
	if a.mirror == nil {
		return
	}
	entry := ledger.Grant{ID: grant.ID, Requester: grant.Requester, Count: count, GrantedAt: grant.GrantedAt}
	go func(parent context.Context) {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(parent), mirrorTimeout)
		defer cancel()
		if err := a.mirror.RecordGrant(mctx, entry); err != nil {
			a.logger.Warn("permitd.arbiter.mirror_failed", "grant_id", entry.ID, "error", err)
		}
	}(ctx)
}

// Release returns the permit. Under ReleaseAny it always succeeds, freeing
// the permit if held. Under ReleaseHolder only the holding session may
// release; anyone else gets ErrNotHolder and the permit is unchanged.
func (a *Arbiter) Release(requester byte, session string) error {
	a.mu.Lock()
	if a.policy == ReleaseHolder && (!a.held || a.holder == nil || a.holder.Session != session) {
		a.mu.Unlock()
		a.metrics.Release(context.Background(), metrics.OutcomeDenied)
		return fmt.Errorf("%w: requester %s session %s", ErrNotHolder, wire.RequesterLabel(requester), session)
	}
	wasHeld := a.held
	var prev *Grant
	if wasHeld {
		prev = a.holder
		a.held = false
		a.holder = nil
		a.signalLocked()
	}
	a.mu.Unlock()

	if !wasHeld {
		a.metrics.Release(context.Background(), metrics.OutcomeIdle)
		a.logger.Debug("permitd.arbiter.release_idle", "requester", wire.RequesterLabel(requester), "session", session)
		return nil
	}
	a.metrics.Release(context.Background(), metrics.OutcomeFreed)
	fields := []any{"requester", wire.RequesterLabel(requester), "session", session}
	if prev != nil {
		fields = append(fields, "grant_id", prev.ID, "held_for", a.now().Sub(prev.GrantedAt))
		if prev.Session != session {
			fields = append(fields, "holder_session", prev.Session)
		}
	}
	a.logger.Info("permitd.arbiter.release", fields...)
	return nil
}

// PurgeSession drops every request queued by session and, when release on
// disconnect is enabled and the session holds the permit, frees it.
func (a *Arbiter) PurgeSession(session string) (removed int, released bool) {
	a.mu.Lock()
	removed = a.queue.RemoveSession(session)
	if a.releaseOnDisconnect && a.held && a.holder != nil && a.holder.Session == session {
		a.held = false
		a.holder = nil
		released = true
	}
	if removed > 0 || released {
		a.signalLocked()
	}
	a.mu.Unlock()
	if removed > 0 || released {
		a.logger.Info("permitd.arbiter.purge", "session", session, "removed", removed, "released", released)
	}
	return removed, released
}

// Assign moves the current grant to session, the connection the GRANT is
// delivered on. Holder checks (ReleaseHolder, PurgeSession, ReleaseSession)
// then follow the recipient. It reports false when grantID is no longer the
// held grant.
func (a *Arbiter) Assign(grantID, session string) bool {
	a.mu.Lock()
	ok := a.held && a.holder != nil && a.holder.ID == grantID
	var prev string
	if ok {
		prev = a.holder.Session
		a.holder.Session = session
	}
	a.mu.Unlock()
	if ok && prev != session {
		a.logger.Debug("permitd.arbiter.assign", "grant_id", grantID, "origin", prev, "session", session)
	}
	return ok
}

// ReleaseSession frees the permit when session holds it and release on
// disconnect is enabled. Queued requests are left alone.
func (a *Arbiter) ReleaseSession(session string) bool {
	a.mu.Lock()
	released := a.releaseOnDisconnect && a.held && a.holder != nil && a.holder.Session == session
	if released {
		a.held = false
		a.holder = nil
		a.signalLocked()
	}
	a.mu.Unlock()
	if released {
		a.logger.Info("permitd.arbiter.release_disconnect", "session", session)
	}
	return released
}

// Revoke frees the permit when it is still held under grantID and release
// on disconnect is enabled. It is used for grants that could not be
// delivered.
func (a *Arbiter) Revoke(grantID string) bool {
	a.mu.Lock()
	revoked := a.releaseOnDisconnect && a.held && a.holder != nil && a.holder.ID == grantID
	if revoked {
		a.held = false
		a.holder = nil
		a.signalLocked()
	}
	a.mu.Unlock()
	if revoked {
		a.logger.Warn("permitd.arbiter.revoke", "grant_id", grantID)
	}
	return revoked
}

// Snapshot copies the current state. It never blocks a claim for longer than
// the copy takes.
func (a *Arbiter) Snapshot() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		Held:     a.held,
		Pending:  a.queue.PeekAll(),
		Capacity: a.queue.Cap(),
	}
	if a.holder != nil {
		holder := *a.holder
		snap.Holder = &holder
	}
	a.mu.Unlock()
	snap.Grants = a.ledger.Snapshot()
	snap.Total = a.ledger.Total()
	return snap
}

// QueueDepth returns the number of pending requests.
func (a *Arbiter) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// Capacity returns the queue capacity.
func (a *Arbiter) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Cap()
}

// PermitHeld reports whether the permit is currently held.
func (a *Arbiter) PermitHeld() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held
}

// Ledger exposes the grant ledger for read-only use.
func (a *Arbiter) Ledger() *ledger.Ledger { return a.ledger }

// Policy returns the configured release policy.
func (a *Arbiter) Policy() ReleasePolicy { return a.policy }

func (a *Arbiter) signalLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
