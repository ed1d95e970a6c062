// Package auth implements the authentication handshake: caller-IP
// resolution, the login-queue admission protocol, and the protocol-level
// login invoke.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riftpool/riftpool/internal/amf"
	"github.com/riftpool/riftpool/internal/loginqueue"
	"github.com/riftpool/riftpool/internal/rtmp"
)

// State is the handshake position. Terminal states are StateAuthenticated
// and StateFailed; StateFailed is reachable from any non-terminal state.
type State int

const (
	StateIdle State = iota
	StateIPResolving
	StateTokenRequesting
	StateQueued
	StateQueuePolling
	StateTokenPolling
	StateLoggingIn
	StateAuthenticated
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateIPResolving:     "ip_resolving",
	StateTokenRequesting: "token_requesting",
	StateQueued:          "queued",
	StateQueuePolling:    "queue_polling",
	StateTokenPolling:    "token_polling",
	StateLoggingIn:       "logging_in",
	StateAuthenticated:   "authenticated",
	StateFailed:          "failed",
}

func (s State) String() string { return stateNames[s] }

// Status is the pollable tri-state callers drive connect loops with.
type Status int

const (
	StatusPending Status = iota
	StatusAuthenticated
	StatusFailed
)

// FailureReason classifies handshake rejections.
type FailureReason int

const (
	ReasonBadCredentials FailureReason = iota
	ReasonServerBusy
	ReasonRejected
)

// AuthError is a handshake rejection. The session is not retried
// automatically; ServerBusy in particular fails the whole attempt and the
// caller decides whether to start over later.
type AuthError struct {
	Reason FailureReason
	Msg    string
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonBadCredentials:
		return "authentication failed: invalid credentials"
	case ReasonServerBusy:
		return "authentication failed: server busy"
	default:
		return "authentication failed: " + e.Msg
	}
}

// ErrAlreadyRunning is returned by Start while an attempt is in flight.
var ErrAlreadyRunning = errors.New("auth attempt already in flight")

// Fixed login-invoke identifiers.
const (
	loginDestination = "loginService"
	loginOperation   = "login"
	credentialsClass = "com.riotgames.platform.login.AuthenticationCredentials"
	loginDomain      = "lolclient.lol.riotgames.com"
	loginOS          = "LoLRTMPSClient"
	defaultLocale    = "en_US"
)

// Invoker is the protocol-level call surface the session needs; satisfied
// by *rtmp.Conn.
type Invoker interface {
	InvokeSync(ctx context.Context, destination, operation string, params []any, timeout time.Duration) (*rtmp.Response, error)
}

// Config parameterizes one handshake attempt.
type Config struct {
	Username      string
	Password      string
	ClientVersion string
	Locale        string
	InvokeTimeout time.Duration
}

// Session runs one authentication attempt. The state machine runs on its
// own goroutine; callers poll Status rather than block.
type Session struct {
	cfg     Config
	lq      *loginqueue.Client
	invoker Invoker
	logger  *slog.Logger

	mu      sync.RWMutex
	state   State
	err     error
	token   string
	running bool
	cancel  context.CancelFunc
}

// NewSession creates an idle session.
func NewSession(cfg Config, lq *loginqueue.Client, invoker Invoker, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Locale == "" {
		cfg.Locale = defaultLocale
	}
	if cfg.InvokeTimeout == 0 {
		cfg.InvokeTimeout = 10 * time.Second
	}
	return &Session{
		cfg:     cfg,
		lq:      lq,
		invoker: invoker,
		logger:  logger,
		state:   StateIdle,
	}
}

// Start kicks off the handshake. At most one attempt may be in flight.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.state = StateIdle
	s.err = nil
	s.mu.Unlock()

	go s.run(runCtx, cancel)
	return nil
}

// Stop cancels an in-flight attempt.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status reports the tri-state: pending until a terminal state is reached.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateAuthenticated:
		return StatusAuthenticated
	case StateFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// State returns the current handshake position.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error after a failure.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Token returns the auth token once the session holds one.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.Debug("auth state", "state", state.String())
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = err
	s.running = false
	s.mu.Unlock()
	s.logger.Warn("authentication failed", "error", err)
}

// run executes the handshake. The cancel func is released on every exit
// so the child context never outlives the attempt on a long-lived parent.
func (s *Session) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	s.setState(StateIPResolving)
	ip := s.lq.ResolveIP(ctx)

	s.setState(StateTokenRequesting)
	resp, err := s.lq.Authenticate(ctx, s.cfg.Username, s.cfg.Password)
	if err != nil {
		s.fail(fmt.Errorf("token request: %w", err))
		return
	}

	switch resp.Status {
	case loginqueue.StatusBusy:
		s.fail(&AuthError{Reason: ReasonServerBusy})
		return
	case loginqueue.StatusFailed:
		if resp.Reason == loginqueue.ReasonInvalidCredentials {
			s.fail(&AuthError{Reason: ReasonBadCredentials})
		} else {
			s.fail(&AuthError{Reason: ReasonRejected, Msg: resp.Reason})
		}
		return
	}

	token := resp.Token
	if token == "" {
		s.setState(StateQueued)
		token, err = s.waitInQueue(ctx, resp)
		if err != nil {
			s.fail(err)
			return
		}
	}

	s.setState(StateLoggingIn)
	if err := s.login(ctx, ip, token); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	s.state = StateAuthenticated
	s.token = token
	s.running = false
	s.mu.Unlock()
	s.logger.Info("authenticated", "user", s.cfg.Username)
}

// waitInQueue runs the admission protocol: poll the ticker until the queue
// depth satisfies the rate, then poll for the token. Both loops are
// unbounded by design and terminated only by ctx.
func (s *Session) waitInQueue(ctx context.Context, resp *loginqueue.AuthResponse) (string, error) {
	delay := time.Duration(resp.Delay) * time.Microsecond

	id, current, found := resp.QueuePosition()
	if !found {
		s.logger.Warn("own ticker entry missing, skipping queue wait",
			"node", resp.Node,
		)
	}

	s.setState(StateQueuePolling)
	for found && id-current > resp.Rate {
		s.logger.Debug("waiting in login queue",
			"position", id-current,
			"rate", resp.Rate,
		)
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}
		polled, ok, err := s.lq.Ticker(ctx, resp.Champ)
		if err != nil {
			return "", fmt.Errorf("ticker poll: %w", err)
		}
		if !ok {
			continue // not yet ready; poll again without advancing
		}
		current = polled
	}

	s.setState(StateTokenPolling)
	tokenDelay := delay / 10
	for {
		token, ok, err := s.lq.AuthToken(ctx, s.cfg.Username)
		if err != nil {
			return "", fmt.Errorf("token poll: %w", err)
		}
		if ok {
			return token, nil
		}
		if err := sleep(ctx, tokenDelay); err != nil {
			return "", err
		}
	}
}

// login issues the protocol-level login invoke.
func (s *Session) login(ctx context.Context, ip, token string) error {
	credentials := amf.NewObject(credentialsClass).
		Set("username", s.cfg.Username).
		Set("password", s.cfg.Password).
		Set("authToken", token).
		Set("clientVersion", s.cfg.ClientVersion).
		Set("ipAddress", ip).
		Set("locale", s.cfg.Locale).
		Set("domain", loginDomain).
		Set("operatingSystem", loginOS).
		Set("oldPassword", nil).
		Set("securityAnswer", nil).
		Set("partnerCredentials", nil)

	resp, err := s.invoker.InvokeSync(ctx, loginDestination, loginOperation, []any{credentials}, s.cfg.InvokeTimeout)
	if err != nil {
		return fmt.Errorf("login invoke: %w", err)
	}
	if !resp.IsResult() {
		msg := ""
		if resp.Body != nil {
			msg = resp.Body.String("faultString")
		}
		return &AuthError{Reason: ReasonRejected, Msg: msg}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Microsecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
