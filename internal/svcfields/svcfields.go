// Package svcfields holds the structured-log keys shared across permitd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Keys attached by WithSession.
const (
	SessionKey = pslog.TrustedString("session")
	RemoteKey  = pslog.TrustedString("remote")
)

// Subsystem builds a dot-delimited subsystem path, skipping empty parts.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry. A nil logger is
// replaced with a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSession tags entries with the connection's session id and remote
// address. Empty values are omitted.
func WithSession(logger pslog.Logger, session, remote string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var fields []any
	if session != "" {
		fields = append(fields, SessionKey, session)
	}
	if remote != "" {
		fields = append(fields, RemoteKey, remote)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
