// Package client composes one protocol connection and one auth session
// for a single account/region pair.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riftpool/riftpool/internal/auth"
	"github.com/riftpool/riftpool/internal/config"
	"github.com/riftpool/riftpool/internal/loginqueue"
	"github.com/riftpool/riftpool/internal/rtmp"
	"github.com/riftpool/riftpool/internal/version"
)

const (
	heartbeatDestination = "loginService"
	heartbeatOperation   = "performLCDSHeartBeat"
)

// Conn is the protocol surface the client drives; satisfied by *rtmp.Conn.
type Conn interface {
	Connect(ctx context.Context) error
	Connected() bool
	InvokeAsync(destination, operation string, params []any) (int, error)
	InvokeSync(ctx context.Context, destination, operation string, params []any, timeout time.Duration) (*rtmp.Response, error)
	Poll(invokeID int) (*rtmp.Response, bool)
	Abandon(invokeID int)
	PendingCount() int
	Errors() <-chan error
	Close() error
}

// Config parameterizes a Client.
type Config struct {
	ID             int
	Region         *config.Region
	Username       string
	Password       string
	ClientVersion  string
	InvokeTimeout  time.Duration
	OverloadWindow time.Duration
}

// Client is one account's authenticated connection. Owned exclusively by
// the manager that created it.
type Client struct {
	cfg    Config
	logger *slog.Logger

	newConn func() Conn
	lq      *loginqueue.Client

	mu         sync.Mutex
	conn       Conn
	session    *auth.Session
	heartbeats int
	lastInvoke time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithConnFactory overrides transport construction (tests).
func WithConnFactory(factory func() Conn) Option {
	return func(c *Client) {
		c.newConn = factory
	}
}

// WithLoginQueue overrides the login-queue client (tests).
func WithLoginQueue(lq *loginqueue.Client) Option {
	return func(c *Client) {
		c.lq = lq
	}
}

// New creates an unauthenticated client for one account.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = 10 * time.Second
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = version.Version
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.With("client_id", cfg.ID, "region", cfg.Region.Name),
	}
	c.newConn = func() Conn {
		return rtmp.NewConn(rtmp.Config{
			Host: cfg.Region.Server,
			Port: cfg.Region.Port,
		}, c.logger)
	}
	c.lq = loginqueue.NewClient(cfg.Region.LoginQueueURL, loginqueue.WithLogger(c.logger))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the manager-assigned client id.
func (c *Client) ID() int { return c.cfg.ID }

// Region returns the region this client serves.
func (c *Client) Region() *config.Region { return c.cfg.Region }

// String combines id and region for logging.
func (c *Client) String() string {
	return fmt.Sprintf("%d (%s)", c.cfg.ID, c.cfg.Region.Name)
}

// Authenticate starts the handshake without blocking: it dials the region
// server and kicks off the auth state machine. Progress is observed via
// Status.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.start(ctx)
}

// start dials and authenticates without holding c.mu: the dial can take
// the full dial timeout and must not stall availability or poll calls on
// this client. The lock is taken only to swap the new pair in.
func (c *Client) start(ctx context.Context) error {
	conn := c.newConn()
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	session := auth.NewSession(auth.Config{
		Username:      c.cfg.Username,
		Password:      c.cfg.Password,
		ClientVersion: c.cfg.ClientVersion,
		InvokeTimeout: c.cfg.InvokeTimeout,
	}, c.lq, conn, c.logger)
	// ctx bounds the dial only. The session outlives this call and is
	// stopped through Close or Reconnect, not the dial context.
	if err := session.Start(context.WithoutCancel(ctx)); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	oldConn, oldSession := c.conn, c.session
	c.conn = conn
	c.session = session
	c.mu.Unlock()

	if oldSession != nil {
		oldSession.Stop()
	}
	if oldConn != nil {
		oldConn.Close()
	}

	go c.watchConn(conn)
	return nil
}

// watchConn surfaces asynchronous transport failures. The connection's
// error channel closes on teardown, so the watcher ends with it.
func (c *Client) watchConn(conn Conn) {
	for err := range conn.Errors() {
		c.logger.Warn("connection lost", "error", err)
	}
}

// Status reports the authentication tri-state; StatusPending before any
// Authenticate call.
func (c *Client) Status() auth.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return auth.StatusPending
	}
	return c.session.Status()
}

// AuthErr returns the terminal authentication error, if any.
func (c *Client) AuthErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Err()
}

// Heartbeat issues the keep-alive invoke and returns its invoke id; the
// caller later checks the outcome via PollHeartbeat.
func (c *Client) Heartbeat() (int, error) {
	c.mu.Lock()
	conn := c.conn
	session := c.session
	if conn == nil || session == nil {
		c.mu.Unlock()
		return 0, rtmp.ErrNotConnected
	}
	c.heartbeats++
	count := c.heartbeats
	c.lastInvoke = time.Now()
	c.mu.Unlock()

	return conn.InvokeAsync(heartbeatDestination, heartbeatOperation, []any{
		c.cfg.Username,
		session.Token(),
		count,
		time.Now().UTC().Format(time.RFC1123),
	})
}

// PollHeartbeat checks for a heartbeat response without blocking.
func (c *Client) PollHeartbeat(invokeID int) (*rtmp.Response, bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, false
	}
	return conn.Poll(invokeID)
}

// AbandonInvoke drops an invocation whose outcome no longer matters.
func (c *Client) AbandonInvoke(invokeID int) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Abandon(invokeID)
	}
}

// IsAvailable reports whether the client can take a request: transport up,
// authenticated, and not gated by in-flight work. A stuck invocation stops
// blocking dispatch once the overload window has elapsed.
func (c *Client) IsAvailable() bool {
	c.mu.Lock()
	conn := c.conn
	session := c.session
	last := c.lastInvoke
	c.mu.Unlock()

	if conn == nil || session == nil || !conn.Connected() {
		return false
	}
	if session.Status() != auth.StatusAuthenticated {
		return false
	}
	if conn.PendingCount() > 0 {
		return c.cfg.OverloadWindow > 0 && time.Since(last) > c.cfg.OverloadWindow
	}
	return true
}

// Reconnect discards the current connection and session and restarts the
// handshake from idle. Used on heartbeat timeout or a malformed heartbeat
// acknowledgement. The old pair is detached first, so the client reads as
// unavailable (never blocked) while the fresh dial is in flight.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	conn := c.conn
	c.session = nil
	c.conn = nil
	c.heartbeats = 0
	c.mu.Unlock()

	if session != nil {
		session.Stop()
	}
	if conn != nil {
		conn.Close()
	}

	c.logger.Info("reconnecting")
	return c.start(ctx)
}

// Close tears down the connection and session.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Stop()
		c.session = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
