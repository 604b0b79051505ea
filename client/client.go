package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/permitd/internal/svcfields"
	"pkt.systems/permitd/internal/wire"
)

// DefaultDialTimeout bounds Dial when ctx carries no deadline.
const DefaultDialTimeout = 5 * time.Second

var (
	// ErrUnexpectedFrame is returned when the coordinator sends something other than GRANT.
	ErrUnexpectedFrame = errors.New("client: unexpected frame")
	// ErrForeignGrant is returned by Acquire when a GRANT for another requester arrives.
	ErrForeignGrant = errors.New("client: grant for another requester")
)

// Grant is a GRANT received from the coordinator.
type Grant struct {
	// Requester is the identity carried in the frame, or -1 when the byte is
	// not a digit.
	Requester  int
	ReceivedAt time.Time
}

// Client speaks the permit protocol over one connection. Request, Release
// and AwaitGrant may be called from different goroutines.
type Client struct {
	conn   net.Conn
	logger pslog.Logger

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Option customises a Client.
type Option func(*config)

type config struct {
	logger      pslog.Logger
	dialTimeout time.Duration
	dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
}

// WithLogger attaches a logger; frames are logged at debug level.
func WithLogger(l pslog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithDialer replaces the TCP dialer, e.g. to route through a proxy.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(c *config) {
		c.dialer = dial
	}
}

func buildConfig(opts []Option) config {
	cfg := config{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.dialer == nil {
		var d net.Dialer
		cfg.dialer = d.DialContext
	}
	return cfg
}

// Dial connects to the coordinator at addr (host:port).
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	cfg := buildConfig(opts)
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.dialTimeout)
		defer cancel()
	}
	conn, err := cfg.dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return newClient(conn, cfg), nil
}

// New wraps an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, buildConfig(opts))
}

func newClient(conn net.Conn, cfg config) *Client {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	logger := svcfields.WithSubsystem(cfg.logger, "client")
	if remote != "" {
		logger = logger.With(svcfields.RemoteKey, remote)
	}
	return &Client{conn: conn, logger: logger}
}

// Request asks for the permit on behalf of requester (0-9).
func (c *Client) Request(requester int) error {
	return c.send(wire.KindRequest, requester)
}

// Release returns the permit on behalf of requester (0-9).
func (c *Client) Release(requester int) error {
	return c.send(wire.KindRelease, requester)
}

func (c *Client) send(kind wire.Kind, requester int) error {
	id, err := wire.RequesterFromInt(requester)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	msg := wire.Message{Kind: kind, Requester: id}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("client: send %s: %w", msg, err)
	}
	c.logger.Debug("permitd.client.sent", "frame", msg.String())
	return nil
}

// AwaitGrant blocks until the next frame arrives or ctx ends. A frame other
// than GRANT returns ErrUnexpectedFrame.
func (c *Client) AwaitGrant(ctx context.Context) (Grant, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	msg, err := wire.ReadMessage(c.conn)
	stop()
	if err != nil {
		_ = c.conn.SetReadDeadline(time.Time{})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Grant{}, ctxErr
		}
		return Grant{}, fmt.Errorf("client: await grant: %w", err)
	}
	if msg.Kind != wire.KindGrant {
		return Grant{}, fmt.Errorf("%w: %s", ErrUnexpectedFrame, msg)
	}
	c.logger.Debug("permitd.client.granted", "frame", msg.String())
	return Grant{Requester: msg.RequesterID(), ReceivedAt: time.Now()}, nil
}

// Acquire sends REQUEST and waits for the matching GRANT. A GRANT carrying
// another identity returns ErrForeignGrant together with that grant.
func (c *Client) Acquire(ctx context.Context, requester int) (Grant, error) {
	if err := c.Request(requester); err != nil {
		return Grant{}, err
	}
	grant, err := c.AwaitGrant(ctx)
	if err != nil {
		return Grant{}, err
	}
	if grant.Requester != requester {
		return grant, fmt.Errorf("%w: want %d, got %d", ErrForeignGrant, requester, grant.Requester)
	}
	return grant, nil
}

// Close closes the connection. The coordinator purges this connection's
// pending requests.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// LocalAddr returns the client side of the connection.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
