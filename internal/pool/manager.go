package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftpool/riftpool/internal/auth"
	"github.com/riftpool/riftpool/internal/cache"
	"github.com/riftpool/riftpool/internal/client"
	"github.com/riftpool/riftpool/internal/config"
	"github.com/riftpool/riftpool/internal/pidfile"
	"github.com/riftpool/riftpool/internal/rtmp"
)

var (
	// ErrDuplicateRegion is returned when a second client would be filed
	// under an already-populated region in synchronous mode.
	ErrDuplicateRegion = errors.New("duplicate region")

	// ErrRegionNotFound is returned by GetClient for a region no connected
	// client serves.
	ErrRegionNotFound = errors.New("region not found")
)

const (
	// How often an in-flight heartbeat or a pending bring-up is rechecked.
	recheckInterval = 10 * time.Millisecond

	drainInterval = 5 * time.Second
)

// Client is the surface the manager drives; satisfied by *client.Client.
type Client interface {
	ID() int
	Region() *config.Region
	String() string
	Authenticate(ctx context.Context) error
	Status() auth.Status
	AuthErr() error
	Heartbeat() (int, error)
	PollHeartbeat(invokeID int) (*rtmp.Response, bool)
	AbandonInvoke(invokeID int)
	IsAvailable() bool
	Reconnect(ctx context.Context) error
	Close()
}

// ManagerStats provides a snapshot of the pool.
type ManagerStats struct {
	ConnectedCount int
	AvailableCount int
	Regions        map[string]int
}

// Manager owns the client pool. Clients are filed under their region name
// in insertion order; synchronous mode allows at most one per region.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *pidfile.Registry
	cache    *cache.Cache

	newClient func(client.Config) Client

	mu      sync.RWMutex
	clients map[string][]Client
	all     []Client

	cycleMu sync.Mutex
	cycles  map[int]struct{}

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithClientFactory overrides client construction (tests).
func WithClientFactory(factory func(client.Config) Client) Option {
	return func(m *Manager) {
		m.newClient = factory
	}
}

// WithCache overrides the shared cache (tests).
func WithCache(c *cache.Cache) Option {
	return func(m *Manager) {
		m.cache = c
	}
}

// New creates a manager for the configured accounts. The shared cache is
// constructed only in async mode.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		registry: pidfile.NewRegistry(cfg.Cache.Path, logger),
		clients:  make(map[string][]Client),
		cycles:   make(map[int]struct{}),
		done:     make(chan struct{}),
	}
	m.newClient = func(c client.Config) Client {
		return client.New(c, logger)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil && cfg.Client.Async.Enabled {
		m.cache = cache.New(cfg.Client.Async.Redis, logger)
	}
	return m
}

// Registry exposes the PID registry for the startup orphan sweep.
func (m *Manager) Registry() *pidfile.Registry { return m.registry }

// Connect brings up one client per configured account concurrently and
// files the successes under their region. It returns true if at least one
// client connected. A duplicate region in synchronous mode aborts the
// whole bring-up.
func (m *Manager) Connect(ctx context.Context) (bool, error) {
	keys := make([]string, 0, len(m.cfg.Client.Accounts))
	for key := range m.cfg.Client.Accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	total := len(keys)

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		acct := m.cfg.Client.Accounts[key]
		region, ok := m.cfg.Region(acct.Region)
		if !ok {
			return false, fmt.Errorf("account %s: %w: %s", key, ErrRegionNotFound, acct.Region)
		}
		c := m.newClient(client.Config{
			ID:             i + 1,
			Region:         region,
			Username:       acct.Username,
			Password:       acct.Password,
			ClientVersion:  m.cfg.Client.Version,
			InvokeTimeout:  m.cfg.Client.Request.Timeout,
			OverloadWindow: m.cfg.Client.Request.OverloadAvailable,
		})
		g.Go(func() error {
			return m.bringUp(gctx, c)
		})
	}

	err := g.Wait()

	m.mu.RLock()
	connected := len(m.all)
	m.mu.RUnlock()

	if err != nil {
		return connected > 0, err
	}
	if connected == 0 {
		m.logger.Error("no clients connected", "accounts", total)
		return false, nil
	}
	if connected < total {
		m.logger.Warn(fmt.Sprintf("Only %d/%d clients successfully connected", connected, total))
	}
	return true, nil
}

// bringUp registers, authenticates, and files one client. Authentication
// failures are reaped and logged, not propagated: a partial pool is still
// a pool. Only structural problems (registry, duplicate region) abort.
func (m *Manager) bringUp(ctx context.Context, c Client) error {
	if err := m.registry.Register(c.ID(), os.Getpid()); err != nil {
		return err
	}
	if err := c.Authenticate(ctx); err != nil {
		m.logger.Warn("client failed to connect", "client", c.String(), "error", err)
		m.registry.Unregister(c.ID())
		return nil
	}

	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()
	for {
		switch c.Status() {
		case auth.StatusAuthenticated:
			return m.fileClient(c)
		case auth.StatusFailed:
			m.logger.Warn("client failed to authenticate",
				"client", c.String(),
				"error", c.AuthErr(),
			)
			c.Close()
			m.registry.Unregister(c.ID())
			return nil
		}
		select {
		case <-ctx.Done():
			c.Close()
			m.registry.Unregister(c.ID())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fileClient inserts a connected client into the pool. The duplicate
// check runs at every insertion, not just config load: concurrent
// bring-up can race two clients into the same region.
func (m *Manager) fileClient(c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := c.Region().Name
	if !m.cfg.Client.Async.Enabled && len(m.clients[name]) > 0 {
		c.Close()
		m.registry.Unregister(c.ID())
		return fmt.Errorf("%w: %s", ErrDuplicateRegion, name)
	}
	m.clients[name] = append(m.clients[name], c)
	m.all = append(m.all, c)
	m.logger.Info("client connected", "client", c.String())
	m.publishLog("info", "client connected", c)
	return nil
}

// publishLog pushes a pool event onto the shared log channel so the
// draining process aggregates it. No-op outside async mode.
func (m *Manager) publishLog(level, msg string, c Client) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.cache.PublishLog(ctx, cache.LogEntry{
		Level:   level,
		Message: msg,
		Client:  c.String(),
	})
	if err != nil {
		m.logger.Warn("shared log publish failed", "error", err)
	}
}

// Heartbeat starts one heartbeat cycle per client. A client whose
// previous cycle is still in flight is skipped; cycles never stack.
func (m *Manager) Heartbeat() {
	m.mu.RLock()
	clients := make([]Client, len(m.all))
	copy(clients, m.all)
	m.mu.RUnlock()

	for _, c := range clients {
		m.cycleMu.Lock()
		if _, busy := m.cycles[c.ID()]; busy {
			m.cycleMu.Unlock()
			continue
		}
		m.cycles[c.ID()] = struct{}{}
		m.cycleMu.Unlock()

		m.wg.Add(1)
		go m.runCycle(c)
	}
}

// runCycle issues one heartbeat and polls for its acknowledgement until
// the deadline. Timeout or a non-result acknowledgement both force a
// reconnect. The timers are stopped on every exit path.
func (m *Manager) runCycle(c Client) {
	defer m.wg.Done()
	defer func() {
		m.cycleMu.Lock()
		delete(m.cycles, c.ID())
		m.cycleMu.Unlock()
	}()

	invokeID, err := c.Heartbeat()
	if err != nil {
		m.logger.Warn("heartbeat send failed", "client", c.String(), "error", err)
		m.reconnect(c)
		return
	}

	deadline := time.NewTimer(m.requestTimeout())
	defer deadline.Stop()
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			c.AbandonInvoke(invokeID)
			return
		case <-deadline.C:
			m.logger.Warn("heartbeat timed out", "client", c.String(), "invoke_id", invokeID)
			c.AbandonInvoke(invokeID)
			m.reconnect(c)
			return
		case <-ticker.C:
			resp, ok := c.PollHeartbeat(invokeID)
			if !ok {
				continue
			}
			if !resp.IsResult() {
				m.logger.Warn("heartbeat rejected",
					"client", c.String(),
					"command", resp.Command,
				)
				m.reconnect(c)
				return
			}
			return
		}
	}
}

func (m *Manager) requestTimeout() time.Duration {
	if m.cfg.Client.Request.Timeout > 0 {
		return m.cfg.Client.Request.Timeout
	}
	return 30 * time.Second
}

func (m *Manager) reconnect(c Client) {
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout())
	defer cancel()
	if err := c.Reconnect(ctx); err != nil {
		m.logger.Error("reconnect failed", "client", c.String(), "error", err)
		m.publishLog("error", "reconnect failed", c)
		return
	}
	m.publishLog("warn", "client reconnected", c)
}

// GetClient returns an available client for region, blocking until one
// frees up or ctx expires. The retry period is half the overload window
// so a stuck client is retried before it is declared available again.
func (m *Manager) GetClient(ctx context.Context, region string) (Client, error) {
	m.mu.RLock()
	_, known := m.clients[region]
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}

	if c := m.pickAvailable(region); c != nil {
		return c, nil
	}

	retry := m.cfg.Client.Request.OverloadAvailable / 2
	if retry <= 0 {
		retry = time.Second
	}
	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if c := m.pickAvailable(region); c != nil {
				return c, nil
			}
		}
	}
}

func (m *Manager) pickAvailable(region string) Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients[region] {
		if c.IsAvailable() {
			return c
		}
	}
	return nil
}

// Stats returns a pool snapshot.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{Regions: make(map[string]int, len(m.clients))}
	for name, clients := range m.clients {
		stats.Regions[name] = len(clients)
		stats.ConnectedCount += len(clients)
	}
	for _, c := range m.all {
		if c.IsAvailable() {
			stats.AvailableCount++
		}
	}
	return stats
}

// Run drives the periodic work: heartbeat cycles on the configured
// interval and, in async mode, draining the shared log channel. Returns
// when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(m.cfg.Client.HeartbeatInterval)
	defer heartbeat.Stop()

	var drainC <-chan time.Time
	if m.cache != nil {
		drain := time.NewTicker(drainInterval)
		defer drain.Stop()
		drainC = drain.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			m.Heartbeat()
		case <-drainC:
			if _, err := m.cache.DrainLogs(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Warn("log drain failed", "error", err)
			}
		}
	}
}

// Clean tears the pool down: stop heartbeat cycles, close every client,
// drop their PID files, sweep any remaining orphans, and in async mode
// clear the shared cache namespace.
func (m *Manager) Clean(throwOnError bool) error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()

	m.mu.Lock()
	clients := m.all
	m.all = nil
	m.clients = make(map[string][]Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
		if err := m.registry.Unregister(c.ID()); err != nil {
			if throwOnError {
				return err
			}
			m.logger.Warn("pid cleanup failed", "client", c.String(), "error", err)
		}
	}

	// Own files are gone; anything left in the directory is an orphan
	// from another process.
	if err := m.registry.TerminateAll(throwOnError); err != nil {
		return err
	}

	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.cache.ClearNamespace(ctx); err != nil {
			if throwOnError {
				return err
			}
			m.logger.Warn("cache cleanup failed", "error", err)
		}
		m.cache.Close()
	}
	return nil
}
