package loginqueue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticate_Queued(t *testing.T) {
	var gotUser, gotPassword string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login-queue/rest/queue/authenticate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		r.ParseForm()
		gotUser = r.PostFormValue("user")
		gotPassword = r.PostFormValue("password")
		w.Write([]byte(`{
			"status": "QUEUE", "node": 5, "delay": 1000, "rate": 50,
			"champ": "lq-champ",
			"tickers": [
				{"node": 4, "id": 90, "current": "10"},
				{"node": 5, "id": 100, "current": "28"}
			]
		}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	resp, err := c.Authenticate(context.Background(), "summoner1", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if gotUser != "summoner1" || gotPassword != "hunter2" {
		t.Errorf("form = %q/%q", gotUser, gotPassword)
	}
	if resp.Status != StatusQueue || resp.Champ != "lq-champ" {
		t.Errorf("resp = %+v", resp)
	}

	id, current, ok := resp.QueuePosition()
	if !ok {
		t.Fatal("own ticker not found")
	}
	// current is hex: "28" -> 40.
	if id != 100 || current != 40 {
		t.Errorf("position = (%d, %d)", id, current)
	}
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "FAILED", "reason": "invalid_credentials"}`))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).Authenticate(context.Background(), "u", "p")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if resp.Status != StatusFailed || resp.Reason != ReasonInvalidCredentials {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuthenticate_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Authenticate(context.Background(), "u", "p")
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
}

func TestTicker(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantCur int64
		wantOK  bool
	}{
		{"hex current", `{"node": "3c"}`, 60, true},
		{"empty body", ``, 0, false},
		{"null node", `{"node": ""}`, 0, false},
		{"garbage", `not json`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/login-queue/rest/queue/ticker/lq-champ" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			current, ok, err := NewClient(server.URL).Ticker(context.Background(), "lq-champ")
			if err != nil {
				t.Fatalf("Ticker: %v", err)
			}
			if ok != tt.wantOK || current != tt.wantCur {
				t.Errorf("= (%d, %v), want (%d, %v)", current, ok, tt.wantCur, tt.wantOK)
			}
		})
	}
}

func TestAuthToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login-queue/rest/queue/authToken/summoner1" {
			t.Errorf("path = %q", r.URL.Path)
			w.Write(nil)
			return
		}
		w.Write([]byte(`{"token": "tok-123"}`))
	}))
	defer server.Close()

	token, ok, err := NewClient(server.URL).AuthToken(context.Background(), "summoner1")
	if err != nil {
		t.Fatalf("AuthToken: %v", err)
	}
	if !ok || token != "tok-123" {
		t.Errorf("= (%q, %v)", token, ok)
	}
}

func TestAuthToken_NotReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	_, ok, err := NewClient(server.URL).AuthToken(context.Background(), "u")
	if err != nil || ok {
		t.Errorf("= (ok=%v, err=%v), want not ready", ok, err)
	}
}

func TestResolveIP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip_address": "203.0.113.9"}`))
	}))
	defer server.Close()

	c := NewClient("http://unused", WithIPServiceURL(server.URL))
	if ip := c.ResolveIP(context.Background()); ip != "203.0.113.9" {
		t.Errorf("ip = %q", ip)
	}
}

func TestResolveIP_FallsBackToLoopback(t *testing.T) {
	// Closed server: the lookup fails, the session must not.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	c := NewClient("http://unused", WithIPServiceURL(server.URL))
	if ip := c.ResolveIP(context.Background()); ip != "127.0.0.1" {
		t.Errorf("ip = %q, want loopback fallback", ip)
	}
}
