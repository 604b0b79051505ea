package connguard

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestGuardReportsAndBlocks(t *testing.T) {
	now := time.Now()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, pslog.NoopLogger())
	g.now = func() time.Time { return now }

	remote := "127.0.0.1:5555"
	if g.Report(remote, ReasonMalformed) {
		t.Fatalf("first event should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if g.Report(remote, ReasonZeroConnect) {
		t.Fatalf("second event should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if !g.Report("127.0.0.1:6000", ReasonMalformed) {
		t.Fatalf("third event from the same host should block despite a new port")
	}

	now = now.Add(100 * time.Millisecond)
	if !g.Blocked(remote) {
		t.Fatalf("expected remote to remain blocked")
	}
	if g.Blocked("127.0.0.2:5555") {
		t.Fatalf("unrelated host blocked")
	}
	now = now.Add(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if g.Report(remote, ReasonMalformed) {
		t.Fatalf("post-expiry event should not block immediately")
	}
}

func TestGuardWindowForgetsOldEvents(t *testing.T) {
	now := time.Now()
	g := New(Config{Enabled: true, FailureThreshold: 2, FailureWindow: 100 * time.Millisecond}, nil)
	g.now = func() time.Time { return now }

	_ = g.Report("10.0.0.1:1", ReasonMalformed)
	now = now.Add(time.Second)
	if g.Report("10.0.0.1:1", ReasonMalformed) {
		t.Fatalf("events outside the window must not accumulate")
	}
}

func TestGuardLogsEngagementLifecycle(t *testing.T) {
	now := time.Now()
	logger := newCaptureLogger()
	g := New(Config{
		Enabled:          true,
		FailureThreshold: 2,
		FailureWindow:    time.Second,
		BlockDuration:    500 * time.Millisecond,
	}, logger)
	g.now = func() time.Time { return now }

	remote := "127.0.0.1:5555"
	_ = g.Report(remote, ReasonMalformed)
	now = now.Add(50 * time.Millisecond)
	if !g.Report(remote, ReasonMalformed) {
		t.Fatalf("second event should block")
	}
	entry, ok := logger.find("permitd.connguard.engaged")
	if !ok {
		t.Fatalf("expected permitd.connguard.engaged log; logs=%v", logger.snapshot())
	}
	if !hasField(entry.fields, "sys", "control.connguard") {
		t.Fatalf("expected subsystem field, got %v", entry.fields)
	}

	now = now.Add(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatalf("expected block to expire")
	}
	if _, ok := logger.find("permitd.connguard.disengaged"); !ok {
		t.Fatalf("expected permitd.connguard.disengaged log; logs=%v", logger.snapshot())
	}
}

func TestGuardDisabledNeverBlocks(t *testing.T) {
	g := New(Config{Enabled: false, FailureThreshold: 1}, nil)
	if g.Report("127.0.0.1:1", ReasonMalformed) || g.Blocked("127.0.0.1:1") {
		t.Fatalf("disabled guard blocked")
	}
	var nilGuard *Guard
	if nilGuard.Report("127.0.0.1:1", ReasonMalformed) || nilGuard.Blocked("127.0.0.1:1") {
		t.Fatalf("nil guard blocked")
	}
	ln := &stubListener{}
	if nilGuard.WrapListener(ln) != ln {
		t.Fatalf("nil guard should not wrap")
	}
}

func TestGuardedListenerDropsBlockedHosts(t *testing.T) {
	g := New(Config{Enabled: true, FailureThreshold: 1, BlockDuration: time.Minute}, nil)
	if !g.Report("10.1.1.1:40000", ReasonMalformed) {
		t.Fatalf("threshold 1 should block on first event")
	}
	blocked := &stubConn{remote: "10.1.1.1:40001"}
	allowed := &stubConn{remote: "10.2.2.2:40001"}
	ln := g.WrapListener(&stubListener{conns: []net.Conn{blocked, allowed}})

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if conn != allowed {
		t.Fatalf("expected allowed connection, got %v", conn.RemoteAddr())
	}
	if !blocked.closed {
		t.Fatalf("blocked connection was not closed")
	}
}

func hasField(fields []any, key string, value string) bool {
	for i := 0; i+1 < len(fields); i += 2 {
		if fmt.Sprint(fields[i]) == key && fmt.Sprint(fields[i+1]) == value {
			return true
		}
	}
	return false
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	fields  []any
	mu      *sync.Mutex
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) cloneWith(args ...any) *captureLogger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &captureLogger{fields: combined, mu: l.mu, entries: l.entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) snapshot() []captureEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]captureEntry, len(*l.entries))
	copy(out, *l.entries)
	return out
}

func (l *captureLogger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.mu.Lock()
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger { return l.cloneWith(args...) }
func (l *captureLogger) WithLogLevel() pslog.Logger    { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger {
	return l
}
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

type stubConn struct {
	net.Conn
	remote string
	closed bool
}

func (c *stubConn) RemoteAddr() net.Addr { return stubAddr(c.remote) }
func (c *stubConn) Close() error         { c.closed = true; return nil }

type stubListener struct {
	conns []net.Conn
}

func (l *stubListener) Accept() (net.Conn, error) {
	if len(l.conns) == 0 {
		return nil, net.ErrClosed
	}
	conn := l.conns[0]
	l.conns = l.conns[1:]
	return conn, nil
}

func (l *stubListener) Close() error   { return nil }
func (l *stubListener) Addr() net.Addr { return stubAddr("127.0.0.1:0") }

func TestGuardForgetsQuietHosts(t *testing.T) {
	now := time.Now()
	g := New(Config{Enabled: true, FailureThreshold: 3, FailureWindow: 100 * time.Millisecond, BlockDuration: time.Minute}, nil)
	g.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		_ = g.Report(fmt.Sprintf("10.1.0.%d:4000", i), ReasonZeroConnect)
	}
	blocked := "10.2.0.1:4000"
	for i := 0; i < 3; i++ {
		_ = g.Report(blocked, ReasonMalformed)
	}

	now = now.Add(time.Second)
	_ = g.Report("10.3.0.1:4000", ReasonMalformed)

	g.mu.Lock()
	hosts := len(g.hosts)
	g.mu.Unlock()
	if hosts != 2 {
		t.Fatalf("tracked hosts = %d, want 2 (blocked host and latest reporter)", hosts)
	}
	if !g.Blocked(blocked) {
		t.Fatal("sweep dropped an active block")
	}
}
