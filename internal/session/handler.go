package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"pkt.systems/permitd/internal/arbiter"
	"pkt.systems/permitd/internal/connguard"
	"pkt.systems/permitd/internal/metrics"
	"pkt.systems/permitd/internal/reqqueue"
	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/wire"
	"pkt.systems/pslog"
)

// Config wires a Handler.
type Config struct {
	Arbiter  *arbiter.Arbiter
	Registry *Registry
	// Guard receives malformed-frame and zero-connect reports. Optional.
	Guard   *connguard.Guard
	Metrics *metrics.Recorder
	Logger  pslog.Logger

	Routing           RoutingMode
	QueueFull         QueueFullPolicy
	PurgeOnDisconnect bool
	// WriteTimeout bounds each GRANT write. Zero disables the deadline.
	WriteTimeout time.Duration
	// DropWarnInterval throttles queue-full warnings under QueueFullDrop.
	DropWarnInterval time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Handler serves client connections against a shared arbiter.
type Handler struct {
	cfg      Config
	logger   pslog.Logger
	dropWarn *rate.Sometimes
}

// NewHandler validates cfg and returns a Handler. Arbiter is required; a
// registry is created when none is supplied.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Arbiter == nil {
		return nil, errors.New("session: arbiter required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Routing == "" {
		cfg.Routing = RoutingOrigin
	}
	if cfg.QueueFull == "" {
		cfg.QueueFull = QueueFullDrop
	}
	if cfg.DropWarnInterval <= 0 {
		cfg.DropWarnInterval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Handler{
		cfg:      cfg,
		logger:   cfg.Logger,
		dropWarn: &rate.Sometimes{First: 1, Interval: cfg.DropWarnInterval},
	}, nil
}

// Registry returns the registry tracking this handler's sessions.
func (h *Handler) Registry() *Registry { return h.cfg.Registry }

// Serve runs conn until the peer disconnects, sends a malformed frame, or
// ctx is cancelled. It closes conn before returning. The returned error is
// nil for an orderly disconnect.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	s := newSession(ctx, conn, h.logger, h.cfg.WriteTimeout, h.cfg.Now())
	logger := svcfields.WithSubsystem(s.logger, "session.handler")
	h.cfg.Registry.Add(s)
	logger.Info("permitd.session.open")
	stop := context.AfterFunc(s.ctx, s.Close)
	defer stop()

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		h.dispatch(s)
	}()

	err := h.readLoop(s, logger)

	s.Close()
	<-dispatched
	h.cfg.Registry.Remove(s.id)
	if h.cfg.PurgeOnDisconnect {
		h.cfg.Arbiter.PurgeSession(s.id)
	} else {
		h.cfg.Arbiter.ReleaseSession(s.id)
	}
	if err != nil {
		logger.Warn("permitd.session.closed", "error", err)
	} else {
		logger.Info("permitd.session.closed")
	}
	return err
}

func (h *Handler) readLoop(s *Session, logger pslog.Logger) error {
	frames := 0
	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if frames == 0 {
					h.cfg.Guard.Report(s.remote, connguard.ReasonZeroConnect)
				}
				return nil
			case errors.Is(err, wire.ErrMalformedMessage):
				h.cfg.Metrics.Malformed(s.ctx)
				h.cfg.Guard.Report(s.remote, connguard.ReasonMalformed)
				return fmt.Errorf("read frame: %w", err)
			case s.ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				return nil
			default:
				return fmt.Errorf("read frame: %w", err)
			}
		}
		frames++
		logger.Info("permitd.session.message",
			"kind", msg.Kind.String(),
			"requester", wire.RequesterLabel(msg.Requester))

		switch msg.Kind {
		case wire.KindRequest:
			if err := h.handleRequest(s, msg, logger); err != nil {
				return err
			}
		case wire.KindRelease:
			h.handleRelease(s, msg, logger)
		case wire.KindGrant:
			logger.Warn("permitd.session.unexpected_grant", "requester", wire.RequesterLabel(msg.Requester))
		}
	}
}

func (h *Handler) handleRequest(s *Session, msg wire.Message, logger pslog.Logger) error {
	err := h.cfg.Arbiter.Enqueue(reqqueue.Pending{
		Requester:  msg.Requester,
		Session:    s.id,
		EnqueuedAt: h.cfg.Now(),
	})
	if err == nil {
		h.cfg.Metrics.Request(s.ctx, metrics.OutcomeQueued)
		return nil
	}
	if !errors.Is(err, reqqueue.ErrFull) {
		return fmt.Errorf("enqueue: %w", err)
	}
	requester := wire.RequesterLabel(msg.Requester)
	if h.cfg.QueueFull == QueueFullClose {
		h.cfg.Metrics.Request(s.ctx, metrics.OutcomeRejected)
		logger.Warn("permitd.session.queue_full", "requester", requester, "policy", string(QueueFullClose))
		return fmt.Errorf("request from %s: %w", requester, err)
	}
	h.cfg.Metrics.Request(s.ctx, metrics.OutcomeDropped)
	h.dropWarn.Do(func() {
		logger.Warn("permitd.session.queue_full", "requester", requester, "policy", string(QueueFullDrop))
	})
	return nil
}

func (h *Handler) handleRelease(s *Session, msg wire.Message, logger pslog.Logger) {
	if err := h.cfg.Arbiter.Release(msg.Requester, s.id); err != nil {
		if errors.Is(err, arbiter.ErrNotHolder) {
			logger.Warn("permitd.session.release_denied", "requester", wire.RequesterLabel(msg.Requester), "error", err)
			return
		}
		logger.Error("permitd.session.release_failed", "requester", wire.RequesterLabel(msg.Requester), "error", err)
	}
}
