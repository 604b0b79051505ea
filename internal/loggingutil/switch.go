// Package loggingutil provides a pslog.Logger whose minimum level can be
// changed while the process runs.
package loggingutil

import (
	"os"
	"strings"
	"sync/atomic"

	"pkt.systems/pslog"
)

// Switch holds the minimum level shared by every logger derived from it.
type Switch struct {
	rank  atomic.Int32
	level atomic.Value // pslog.Level
	base  pslog.Logger
}

// NewSwitch wraps base. base is lowered to trace level so the switch alone
// decides what is emitted.
func NewSwitch(base pslog.Logger, level pslog.Level) *Switch {
	if base == nil {
		base = pslog.NoopLogger()
	}
	s := &Switch{base: base.LogLevel(pslog.TraceLevel)}
	s.SetLevel(level)
	return s
}

// SetLevel changes the minimum level for every derived logger. It reports
// whether the level changed.
func (s *Switch) SetLevel(level pslog.Level) bool {
	prev, _ := s.level.Load().(pslog.Level)
	s.level.Store(level)
	s.rank.Store(int32(rankOf(level)))
	return prev != level
}

// SetLevelString parses name ("debug", "info", ...) and applies it.
func (s *Switch) SetLevelString(name string) (pslog.Level, bool) {
	level, ok := pslog.ParseLevel(strings.TrimSpace(name))
	if !ok {
		return s.Level(), false
	}
	s.SetLevel(level)
	return level, true
}

// Level returns the current minimum level.
func (s *Switch) Level() pslog.Level {
	level, _ := s.level.Load().(pslog.Level)
	return level
}

// Logger returns a logger gated by the switch.
func (s *Switch) Logger() pslog.Logger {
	return &levelLogger{base: s.base, sw: s}
}

func (s *Switch) enabled(level pslog.Level) bool {
	return rankOf(level) >= int(s.rank.Load())
}

// rankOf orders the filterable levels. Levels outside trace..error rank
// above everything so fatal and panic entries always pass, while a switch
// set to one of them (or to Disabled) filters every ordinary entry.
func rankOf(level pslog.Level) int {
	switch level {
	case pslog.TraceLevel:
		return 0
	case pslog.DebugLevel:
		return 1
	case pslog.InfoLevel:
		return 2
	case pslog.WarnLevel:
		return 3
	case pslog.ErrorLevel:
		return 4
	default:
		return 5
	}
}

type levelLogger struct {
	base pslog.Logger
	sw   *Switch
}

func (l *levelLogger) Trace(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.TraceLevel) {
		l.base.Trace(msg, keyvals...)
	}
}

func (l *levelLogger) Debug(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.DebugLevel) {
		l.base.Debug(msg, keyvals...)
	}
}

func (l *levelLogger) Info(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.InfoLevel) {
		l.base.Info(msg, keyvals...)
	}
}

func (l *levelLogger) Warn(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.WarnLevel) {
		l.base.Warn(msg, keyvals...)
	}
}

func (l *levelLogger) Error(msg string, keyvals ...any) {
	if l.sw.enabled(pslog.ErrorLevel) {
		l.base.Error(msg, keyvals...)
	}
}

func (l *levelLogger) Fatal(msg string, keyvals ...any) {
	l.base.Fatal(msg, keyvals...)
}

func (l *levelLogger) Panic(msg string, keyvals ...any) {
	l.base.Panic(msg, keyvals...)
}

func (l *levelLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	if l.sw.enabled(level) {
		l.base.Log(level, msg, keyvals...)
	}
}

func (l *levelLogger) With(keyvals ...any) pslog.Logger {
	return &levelLogger{base: l.base.With(keyvals...), sw: l.sw}
}

// WithLogLevel pins the base to the current switch level before delegating,
// so the level pslog reports matches the one in effect.
func (l *levelLogger) WithLogLevel() pslog.Logger {
	return &levelLogger{base: l.base.LogLevel(l.sw.Level()).WithLogLevel(), sw: l.sw}
}

// LogLevel detaches the returned logger onto its own fixed-level switch.
func (l *levelLogger) LogLevel(level pslog.Level) pslog.Logger {
	fixed := &Switch{base: l.base}
	fixed.SetLevel(level)
	return &levelLogger{base: l.base, sw: fixed}
}

func (l *levelLogger) LogLevelFromEnv(key string) pslog.Logger {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return l
	}
	level, ok := pslog.ParseLevel(strings.TrimSpace(raw))
	if !ok {
		return l
	}
	return l.LogLevel(level)
}
