// Package connguard blocks remote hosts that repeatedly misbehave on the
// coordinator port: sending frames the decoder rejects, or connecting and
// hanging up without sending a single frame.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/pslog"
)

// Reasons reported by the session layer.
const (
	ReasonMalformed   = "malformed_frame"
	ReasonZeroConnect = "zero_connect"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles guard enforcement.
	Enabled bool
	// FailureThreshold is the number of suspicious events before blocking.
	FailureThreshold int
	// FailureWindow defines the period for counting suspicious events.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked host remains blocked.
	BlockDuration time.Duration
}

type hostState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks suspicious events per remote host. A nil *Guard never blocks.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	mu     sync.Mutex
	now    func() time.Time
	hosts  map[string]*hostState
	swept  time.Time
}

// New constructs a guard, filling zero durations with defaults.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "control.connguard"),
		now:    time.Now,
		hosts:  make(map[string]*hostState),
	}
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.Enabled && g.cfg.FailureThreshold > 0
}

// WrapListener returns a listener that drops connections from blocked hosts
// before they reach the session layer.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.Enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// Report records a suspicious event for remote and returns whether the host
// is now blocked.
func (g *Guard) Report(remote, reason string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked(now)
	state := g.hosts[host]
	if state == nil {
		state = &hostState{}
		g.hosts[host] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("permitd.connguard.suspicious",
			"remote", host,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("permitd.connguard.engaged",
		"remote", host,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether remote is currently blocked. Expired blocks are
// cleared as a side effect.
func (g *Guard) Blocked(remote string) bool {
	if !g.Enabled() {
		return false
	}
	host := hostOf(remote)
	if host == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.hosts[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Warn("permitd.connguard.disengaged", "remote", host)
	if len(state.failures) == 0 {
		delete(g.hosts, host)
	}
	return false
}

// sweepLocked drops hosts with no failures inside the window and no active
// block. It runs at most once per window. Caller holds g.mu.
func (g *Guard) sweepLocked(now time.Time) {
	if !g.swept.IsZero() && now.Sub(g.swept) < g.cfg.FailureWindow {
		return
	}
	g.swept = now
	cutoff := now.Add(-g.cfg.FailureWindow)
	for host, state := range g.hosts {
		for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
			state.failures = state.failures[1:]
		}
		if len(state.failures) == 0 && !state.blockedUntil.After(now) {
			delete(g.hosts, host)
		}
	}
}

// hostOf strips the port so port rotation does not evade the guard.
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept skips connections from blocked hosts.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := remoteAddress(conn)
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Warn("permitd.connguard.rejected", "remote", hostOf(remote), "reason", "blocked")
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
