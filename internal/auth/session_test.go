package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riftpool/riftpool/internal/amf"
	"github.com/riftpool/riftpool/internal/loginqueue"
	"github.com/riftpool/riftpool/internal/rtmp"
)

type invokeCall struct {
	destination string
	operation   string
	params      []any
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []invokeCall
	lastCtx context.Context
	resp    *rtmp.Response
	err     error
}

func (f *fakeInvoker) InvokeSync(ctx context.Context, destination, operation string, params []any, timeout time.Duration) (*rtmp.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invokeCall{destination, operation, params})
	f.lastCtx = ctx
	return f.resp, f.err
}

func (f *fakeInvoker) lastCall(t *testing.T) invokeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no invoke recorded")
	}
	return f.calls[len(f.calls)-1]
}

func resultResponse() *rtmp.Response {
	return &rtmp.Response{
		InvokeID: 2,
		Command:  rtmp.CommandResult,
		Body:     amf.NewObject("").Set("token", "session"),
	}
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.Status() == StatusPending {
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in state %s", s.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := s.Status(); got != want {
		t.Fatalf("status = %v (state %s, err %v), want %v", got, s.State(), s.Err(), want)
	}
}

func newSession(t *testing.T, serverURL string, invoker Invoker) *Session {
	t.Helper()
	lq := loginqueue.NewClient(serverURL, loginqueue.WithIPServiceURL(serverURL+"/ip"))
	return NewSession(Config{
		Username:      "summoner1",
		Password:      "hunter2",
		ClientVersion: "1.70.some",
	}, lq, invoker, nil)
}

func TestSession_ImmediateToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ip":
			w.Write([]byte(`{"ip_address": "203.0.113.9"}`))
		case "/login-queue/rest/queue/authenticate":
			w.Write([]byte(`{"status": "LOGIN", "token": "tok-1"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	inv := &fakeInvoker{resp: resultResponse()}
	s := newSession(t, server.URL, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusAuthenticated)

	call := inv.lastCall(t)
	if call.destination != "loginService" || call.operation != "login" {
		t.Errorf("invoked %s.%s", call.destination, call.operation)
	}
	creds, ok := call.params[0].(*amf.Object)
	if !ok {
		t.Fatalf("params[0] = %T", call.params[0])
	}
	if creds.Class != credentialsClass {
		t.Errorf("class = %q", creds.Class)
	}
	if creds.String("authToken") != "tok-1" {
		t.Errorf("authToken = %q", creds.String("authToken"))
	}
	if creds.String("ipAddress") != "203.0.113.9" {
		t.Errorf("ipAddress = %q", creds.String("ipAddress"))
	}
	if s.Token() != "tok-1" {
		t.Errorf("Token = %q", s.Token())
	}
}

func TestSession_BadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-queue/rest/queue/authenticate" {
			w.Write([]byte(`{"status": "FAILED", "reason": "invalid_credentials"}`))
			return
		}
		w.Write(nil)
	}))
	defer server.Close()

	inv := &fakeInvoker{}
	s := newSession(t, server.URL, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusFailed)

	var ae *AuthError
	if !errors.As(s.Err(), &ae) || ae.Reason != ReasonBadCredentials {
		t.Errorf("err = %v", s.Err())
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.calls) != 0 {
		t.Error("login invoked despite rejected credentials")
	}
}

func TestSession_ServerBusy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-queue/rest/queue/authenticate" {
			w.Write([]byte(`{"status": "BUSY"}`))
			return
		}
		w.Write(nil)
	}))
	defer server.Close()

	s := newSession(t, server.URL, &fakeInvoker{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusFailed)

	var ae *AuthError
	if !errors.As(s.Err(), &ae) || ae.Reason != ReasonServerBusy {
		t.Errorf("err = %v, want server busy", s.Err())
	}
}

// The queue protocol: id=100, current=0x28 (40), rate=50 means depth 60 and
// the loop must poll; once the polled node reports 0x3c (60) the depth is
// 40 <= 50 and the session proceeds to token polling.
func TestSession_QueueAdmission(t *testing.T) {
	var tickerPolls, tokenPolls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ip":
			w.Write([]byte(`{"ip_address": "198.51.100.7"}`))
		case "/login-queue/rest/queue/authenticate":
			w.Write([]byte(`{
				"status": "QUEUE", "node": 5, "delay": 1000, "rate": 50,
				"champ": "lq5",
				"tickers": [{"node": 5, "id": 100, "current": "28"}]
			}`))
		case "/login-queue/rest/queue/ticker/lq5":
			if tickerPolls.Add(1) == 1 {
				w.Write(nil) // not ready yet; must retry without advancing
				return
			}
			w.Write([]byte(`{"node": "3c"}`))
		case "/login-queue/rest/queue/authToken/summoner1":
			if tokenPolls.Add(1) == 1 {
				w.Write(nil)
				return
			}
			w.Write([]byte(`{"token": "tok-queued"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	inv := &fakeInvoker{resp: resultResponse()}
	s := newSession(t, server.URL, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusAuthenticated)

	if tickerPolls.Load() < 2 {
		t.Errorf("ticker polled %d times, want >= 2", tickerPolls.Load())
	}
	if tokenPolls.Load() < 2 {
		t.Errorf("token polled %d times, want >= 2", tokenPolls.Load())
	}
	creds := inv.lastCall(t).params[0].(*amf.Object)
	if creds.String("authToken") != "tok-queued" {
		t.Errorf("authToken = %q", creds.String("authToken"))
	}
}

func TestSession_LoginRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-queue/rest/queue/authenticate" {
			w.Write([]byte(`{"status": "LOGIN", "token": "tok"}`))
			return
		}
		w.Write(nil)
	}))
	defer server.Close()

	inv := &fakeInvoker{resp: &rtmp.Response{
		Command: rtmp.CommandError,
		Body:    amf.NewObject("").Set("faultString", "wrong client version"),
	}}
	s := newSession(t, server.URL, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusFailed)

	var ae *AuthError
	if !errors.As(s.Err(), &ae) || ae.Reason != ReasonRejected {
		t.Errorf("err = %v", s.Err())
	}
}

// The attempt's context must be released once the attempt finishes, so a
// long-lived parent does not accumulate dead child registrations.
func TestSession_ReleasesRunContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-queue/rest/queue/authenticate" {
			w.Write([]byte(`{"status": "LOGIN", "token": "tok"}`))
			return
		}
		w.Write(nil)
	}))
	defer server.Close()

	inv := &fakeInvoker{resp: resultResponse()}
	s := newSession(t, server.URL, inv)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s, StatusAuthenticated)

	inv.mu.Lock()
	runCtx := inv.lastCtx
	inv.mu.Unlock()
	if runCtx == nil {
		t.Fatal("login invoke never recorded a context")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runCtx.Err() == nil {
		if time.Now().After(deadline) {
			t.Fatal("run context still live after attempt completed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSession_StartWhileRunning(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login-queue/rest/queue/authenticate" {
			<-blocked
		}
		w.Write(nil)
	}))
	defer server.Close()
	defer close(blocked)

	s := newSession(t, server.URL, &fakeInvoker{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	s.Stop()
}

func TestSession_CancelBoundsQueuePolling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login-queue/rest/queue/authenticate":
			// Deep queue that never advances.
			w.Write([]byte(`{
				"status": "QUEUE", "node": 1, "delay": 2000, "rate": 1,
				"champ": "lq1",
				"tickers": [{"node": 1, "id": 1000, "current": "0"}]
			}`))
		default:
			w.Write(nil)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(t, server.URL, &fakeInvoker{})
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	cancel()
	waitStatus(t, s, StatusFailed)
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", s.Err())
	}
}
