// Package session runs one client connection: a handler goroutine that reads
// frames and feeds the arbiter, and a dispatcher goroutine that claims the
// permit and delivers GRANT frames.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/wire"
	"pkt.systems/pslog"
)

// ErrSendFailure wraps any error writing a frame to a client.
var ErrSendFailure = errors.New("session: send failure")

// RoutingMode selects which connection receives a GRANT.
type RoutingMode string

const (
	// RoutingOrigin delivers the GRANT on the connection that sent the
	// REQUEST.
	RoutingOrigin RoutingMode = "origin"
	// RoutingClaimer delivers the GRANT on whichever connection's dispatcher
	// won the claim.
	RoutingClaimer RoutingMode = "claimer"
)

// ParseRoutingMode maps a config string to a RoutingMode. Empty selects
// RoutingOrigin.
func ParseRoutingMode(raw string) (RoutingMode, error) {
	switch RoutingMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoutingOrigin:
		return RoutingOrigin, nil
	case RoutingClaimer:
		return RoutingClaimer, nil
	default:
		return "", fmt.Errorf("session: unknown routing mode %q (want origin or claimer)", raw)
	}
}

// QueueFullPolicy decides what happens to a REQUEST that finds the queue full.
type QueueFullPolicy string

const (
	// QueueFullDrop discards the request and keeps the connection.
	QueueFullDrop QueueFullPolicy = "drop"
	// QueueFullClose closes the connection so the client sees the rejection.
	QueueFullClose QueueFullPolicy = "close"
)

// ParseQueueFullPolicy maps a config string to a QueueFullPolicy. Empty
// selects QueueFullDrop.
func ParseQueueFullPolicy(raw string) (QueueFullPolicy, error) {
	switch QueueFullPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", QueueFullDrop:
		return QueueFullDrop, nil
	case QueueFullClose:
		return QueueFullClose, nil
	default:
		return "", fmt.Errorf("session: unknown queue-full policy %q (want drop or close)", raw)
	}
}

// Session is one accepted connection.
type Session struct {
	id       string
	remote   string
	openedAt time.Time
	conn     net.Conn
	logger   pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// Info describes a live session for observers.
type Info struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	OpenedAt time.Time `json:"opened_at"`
}

func newSession(parent context.Context, conn net.Conn, logger pslog.Logger, writeTimeout time.Duration, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.Must(uuid.NewV7()).String()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:           id,
		remote:       remote,
		openedAt:     now,
		conn:         conn,
		logger:       svcfields.WithSession(logger, id, remote),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: writeTimeout,
	}
}

// ID returns the session identifier recorded on every pending request.
func (s *Session) ID() string { return s.id }

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Info returns an observer view of the session.
func (s *Session) Info() Info {
	return Info{ID: s.id, Remote: s.remote, OpenedAt: s.openedAt}
}

// Send writes one frame. Writes are serialized so frames never interleave.
func (s *Session) Send(msg wire.Message) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%w: session %s closed", ErrSendFailure, s.id)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("%w: set deadline: %v", ErrSendFailure, err)
		}
	}
	if err := wire.WriteMessage(s.conn, msg); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrSendFailure, msg, s.remote, err)
	}
	return nil
}

// Close cancels the session context and closes the connection. It is safe
// to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}
