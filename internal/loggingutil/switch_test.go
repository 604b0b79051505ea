package loggingutil

import (
	"sync"
	"testing"

	"pkt.systems/pslog"
)

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]string{}}
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	*l.entries = append(*l.entries, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), *l.entries...)
}

func (l *recordingLogger) Trace(msg string, _ ...any)              { l.record(msg) }
func (l *recordingLogger) Debug(msg string, _ ...any)              { l.record(msg) }
func (l *recordingLogger) Info(msg string, _ ...any)               { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)               { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any)              { l.record(msg) }
func (l *recordingLogger) Fatal(msg string, _ ...any)              { l.record(msg) }
func (l *recordingLogger) Panic(msg string, _ ...any)              { l.record(msg) }
func (l *recordingLogger) Log(_ pslog.Level, msg string, _ ...any) { l.record(msg) }
func (l *recordingLogger) With(...any) pslog.Logger                { return l }
func (l *recordingLogger) WithLogLevel() pslog.Logger              { return l }
func (l *recordingLogger) LogLevel(pslog.Level) pslog.Logger       { return l }
func (l *recordingLogger) LogLevelFromEnv(string) pslog.Logger     { return l }

func TestSwitchFiltersBelowLevel(t *testing.T) {
	base := newRecordingLogger()
	sw := NewSwitch(base, pslog.InfoLevel)
	logger := sw.Logger().With("k", "v")

	logger.Trace("trace")
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Log(pslog.DebugLevel, "log-debug")

	got := base.messages()
	if len(got) != 2 || got[0] != "info" || got[1] != "warn" {
		t.Fatalf("unexpected entries %v", got)
	}
}

func TestSwitchAppliesToDerivedLoggers(t *testing.T) {
	base := newRecordingLogger()
	sw := NewSwitch(base, pslog.InfoLevel)
	derived := sw.Logger().With("sys", "arbiter")

	derived.Debug("hidden")
	if changed := sw.SetLevel(pslog.DebugLevel); !changed {
		t.Fatal("expected level change")
	}
	derived.Debug("shown")
	if sw.SetLevel(pslog.DebugLevel) {
		t.Fatal("same level reported as change")
	}

	got := base.messages()
	if len(got) != 1 || got[0] != "shown" {
		t.Fatalf("unexpected entries %v", got)
	}
	if sw.Level() != pslog.DebugLevel {
		t.Fatalf("level = %v", sw.Level())
	}
}

func TestSwitchSetLevelString(t *testing.T) {
	sw := NewSwitch(nil, pslog.InfoLevel)
	if _, ok := sw.SetLevelString("warn"); !ok {
		t.Fatal("expected warn to parse")
	}
	if sw.Level() != pslog.WarnLevel {
		t.Fatalf("level = %v, want warn", sw.Level())
	}
	if _, ok := sw.SetLevelString("loud"); ok {
		t.Fatal("expected invalid level to be rejected")
	}
	if sw.Level() != pslog.WarnLevel {
		t.Fatal("invalid level changed the switch")
	}
}

func TestLogLevelDetachesFromSwitch(t *testing.T) {
	base := newRecordingLogger()
	sw := NewSwitch(base, pslog.InfoLevel)
	quiet := sw.Logger().LogLevel(pslog.ErrorLevel)
	sw.SetLevel(pslog.TraceLevel)
	quiet.Warn("suppressed")
	quiet.Error("kept")
	got := base.messages()
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("unexpected entries %v", got)
	}
}
