package permitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/permitd/internal/arbiter"
	"pkt.systems/permitd/internal/connguard"
	"pkt.systems/permitd/internal/hoststats"
	"pkt.systems/permitd/internal/ledger"
	"pkt.systems/permitd/internal/ledger/redismirror"
	"pkt.systems/permitd/internal/metrics"
	"pkt.systems/permitd/internal/session"
	"pkt.systems/permitd/internal/svcfields"
)

const mirrorDialTimeout = 5 * time.Second

// Server accepts protocol connections and hands each one to a session
// handler sharing a single arbiter.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	arbiter   *arbiter.Arbiter
	handler   *session.Handler
	registry  *session.Registry
	guard     *connguard.Guard
	metrics   *metrics.Recorder
	ownMirror *redismirror.Store
	telemetry *telemetryBundle
	observer  *observer
	now       func() time.Time
	startedAt time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	conns      sync.WaitGroup

	mu           sync.Mutex
	shutdown     bool
	started      bool
	listener     net.Listener
	adminLn      net.Listener
	adminSrv     *http.Server
	lastServeErr error
	stopObserve  func()

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures optional server dependencies.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Mirror       ledger.Mirror
	Now          func() time.Time
	OTLPEndpoint string
}

// WithLogger supplies the base logger. Subsystem tags are added per component.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithMirror publishes every grant to m instead of dialling Config.RedisURL.
func WithMirror(m ledger.Mirror) Option {
	return func(o *options) {
		o.Mirror = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Now = now
	}
}

// WithOTLPEndpoint overrides Config.OTLPEndpoint.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg and assembles the arbiter, session handler and
// optional telemetry. Nothing listens until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	mirror := o.Mirror
	var ownMirror *redismirror.Store
	if mirror == nil && cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorDialTimeout)
		ownMirror, err = redismirror.Dial(ctx, cfg.RedisURL,
			redismirror.WithPrefix(cfg.RedisPrefix),
			redismirror.WithTTL(cfg.RedisBucketTTL),
		)
		cancel()
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
			return nil, fmt.Errorf("ledger mirror: %w", err)
		}
		mirror = ownMirror
		logger.Info("permitd.mirror.enabled", "prefix", ownMirror.Prefix())
	}

	recorder := metrics.New(logger)
	releasePolicy, _ := arbiter.ParseReleasePolicy(cfg.ReleasePolicy)
	routing, _ := session.ParseRoutingMode(cfg.Routing)
	queueFull, _ := session.ParseQueueFullPolicy(cfg.QueueFullPolicy)

	arb := arbiter.New(arbiter.Config{
		Capacity:            cfg.QueueCapacity,
		ReleasePolicy:       releasePolicy,
		ReleaseOnDisconnect: !cfg.DisableReleaseOnDisconnect,
		Mirror:              mirror,
		Metrics:             recorder,
		Logger:              logger,
		Now:                 now,
	})
	guard := connguard.New(connguard.Config{
		Enabled:          cfg.ConnguardEnabled,
		FailureThreshold: cfg.ConnguardFailureThreshold,
		FailureWindow:    cfg.ConnguardFailureWindow,
		BlockDuration:    cfg.ConnguardBlockDuration,
	}, logger)
	registry := session.NewRegistry()
	handler, err := session.NewHandler(session.Config{
		Arbiter:           arb,
		Registry:          registry,
		Guard:             guard,
		Metrics:           recorder,
		Logger:            logger,
		Routing:           routing,
		QueueFull:         queueFull,
		PurgeOnDisconnect: !cfg.DisablePurgeOnDisconnect,
		WriteTimeout:      cfg.WriteTimeout,
		DropWarnInterval:  cfg.DropWarnInterval,
		Now:               now,
	})
	if err != nil {
		_ = ownMirror.Close()
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server.listener"),
		arbiter:    arb,
		handler:    handler,
		registry:   registry,
		guard:      guard,
		metrics:    recorder,
		ownMirror:  ownMirror,
		telemetry:  telemetry,
		now:        now,
		startedAt:  now(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		readyCh:    make(chan struct{}),
	}
	sampler, err := hoststats.NewSampler(baseCtx)
	if err != nil {
		s.logger.Debug("permitd.hoststats.unavailable", "error", err)
	}
	s.observer = newObserver(s, sampler, logger)
	s.stopObserve = recorder.Observe(serverState{arbiter: arb, registry: registry})
	return s, nil
}

// serverState adapts the arbiter and registry to metrics.State.
type serverState struct {
	arbiter  *arbiter.Arbiter
	registry *session.Registry
}

func (st serverState) QueueDepth() int  { return st.arbiter.QueueDepth() }
func (st serverState) PermitHeld() bool { return st.arbiter.PermitHeld() }
func (st serverState) Sessions() int    { return st.registry.Len() }

// Start binds the listeners and serves until Shutdown. Accept failures are
// logged and retried; only closing the listener ends Start. The returned
// error is nil for a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return errors.New("permitd: server already shut down")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("permitd: server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := listenTCP(s.baseCtx, s.cfg.Listen, !s.cfg.DisableReusePort)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	ln = netutil.LimitListener(s.guard.WrapListener(ln), s.cfg.MaxConnections)

	var (
		adminLn  net.Listener
		adminSrv *http.Server
	)
	if s.cfg.AdminListen != "" {
		adminLn, err = net.Listen("tcp", s.cfg.AdminListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("admin listen (tcp %s): %w", s.cfg.AdminListen, err)
		}
		adminSrv = &http.Server{
			Handler:           s.observer.handler(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
		}
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		if adminLn != nil {
			_ = adminLn.Close()
		}
		return nil
	}
	s.listener = ln
	s.adminLn = adminLn
	s.adminSrv = adminSrv
	s.mu.Unlock()

	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"queue_capacity", s.arbiter.Capacity(),
		"routing", s.cfg.Routing,
		"release_policy", s.cfg.ReleasePolicy,
		"queue_full_policy", s.cfg.QueueFullPolicy,
		"connguard", s.guard.Enabled(),
	)
	if adminLn != nil {
		s.logger.Info("permitd.admin.listening", "address", adminLn.Addr().String())
	}
	s.signalReady()

	g, gctx := errgroup.WithContext(s.baseCtx)
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	if adminSrv != nil {
		g.Go(func() error {
			if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		if adminSrv != nil {
			_ = adminSrv.Close()
		}
		return nil
	})
	err = g.Wait()
	s.recordServeErr(err)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || s.isShuttingDown() {
				return nil
			}
			backoff = nextBackoff(backoff, s.cfg.AcceptBackoffMax)
			s.logger.Warn("permitd.listener.accept_failed", "error", err, "retry_in", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		backoff = 0
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			_ = s.handler.Serve(s.baseCtx, conn)
		}()
	}
}

func nextBackoff(prev, limit time.Duration) time.Duration {
	next := prev * 2
	if next == 0 {
		next = 5 * time.Millisecond
	}
	if next > limit {
		next = limit
	}
	return next
}

// Shutdown stops accepting, closes every session and waits for their
// handlers to return. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	adminSrv := s.adminSrv
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	var errs []error
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	s.cancelBase()
	s.registry.CloseAll()

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain sessions: %w", ctx.Err()))
	}
	if s.stopObserve != nil {
		s.stopObserve()
	}
	if err := s.ownMirror.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger mirror close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.signalReady()
	s.logger.Info("permitd.server.stopped", "grants_total", s.arbiter.Ledger().Total())
	return errors.Join(errs...)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listeners are bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound protocol address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// AdminAddr returns the bound admin address, or nil when the admin server is
// disabled.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn != nil {
		return s.adminLn.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	return s.telemetry.addr("metrics")
}

// Snapshot returns a read-only copy of the permit, queue and ledger.
func (s *Server) Snapshot() arbiter.Snapshot {
	return s.arbiter.Snapshot()
}

// Sessions lists the connected sessions, oldest first.
func (s *Server) Sessions() []session.Info {
	return s.registry.List()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended the most recent Start.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready to accept connections. It returns the running server alongside a
// stop function that shuts it down and reports Start's result. Cancelling
// ctx also stops the server.
//
//	srv, stop, err := permitd.StartServer(ctx, permitd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("permitd: server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
