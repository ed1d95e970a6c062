package loginqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Auth response statuses.
const (
	StatusLogin  = "LOGIN"
	StatusQueue  = "QUEUE"
	StatusFailed = "FAILED"
	StatusBusy   = "BUSY"

	ReasonInvalidCredentials = "invalid_credentials"
)

// TickerEntry is one node's position report in the admission queue.
type TickerEntry struct {
	Node    int    `json:"node"`
	ID      int64  `json:"id"`
	Current string `json:"current"` // hex-encoded
}

// AuthResponse is the result of a credential POST.
type AuthResponse struct {
	Status  string        `json:"status"`
	Reason  string        `json:"reason"`
	Token   string        `json:"token"`
	Node    int           `json:"node"`
	Delay   int64         `json:"delay"` // microseconds between polls
	Rate    int64         `json:"rate"`
	Tickers []TickerEntry `json:"tickers"`
	Champ   string        `json:"champ"` // queue name for ticker polling
	User    string        `json:"user"`
}

// QueuePosition resolves the entry matching the response's own node and
// returns (queue id, current position, found).
func (r *AuthResponse) QueuePosition() (int64, int64, bool) {
	for _, t := range r.Tickers {
		if t.Node != r.Node {
			continue
		}
		current, err := strconv.ParseInt(t.Current, 16, 64)
		if err != nil {
			return 0, 0, false
		}
		return t.ID, current, true
	}
	return 0, 0, false
}

// HTTPError is a non-2xx login-queue response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("login-queue http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Authenticate POSTs credentials to the region's auth endpoint.
func (c *Client) Authenticate(ctx context.Context, user, password string) (*AuthResponse, error) {
	form := url.Values{}
	form.Set("user", user)
	form.Set("password", password)

	body, err := c.post(ctx, c.baseURL+authenticatePath, form)
	if err != nil {
		return nil, err
	}

	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal auth response: %w", err)
	}
	return &resp, nil
}

// Ticker polls the admission queue. An empty or unparseable body means
// "not yet ready" and is reported via ok=false, not an error.
func (c *Client) Ticker(ctx context.Context, queueName string) (current int64, ok bool, err error) {
	body, err := c.get(ctx, c.baseURL+tickerPath+url.PathEscape(queueName))
	if err != nil {
		return 0, false, err
	}
	var resp struct {
		Node string `json:"node"`
	}
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil || resp.Node == "" {
		return 0, false, nil
	}
	current, perr := strconv.ParseInt(resp.Node, 16, 64)
	if perr != nil {
		return 0, false, nil
	}
	return current, true, nil
}

// AuthToken polls the token endpoint. Absent token reports ok=false.
func (c *Client) AuthToken(ctx context.Context, user string) (token string, ok bool, err error) {
	body, err := c.get(ctx, c.baseURL+authTokenPath+url.PathEscape(user))
	if err != nil {
		return "", false, err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil || resp.Token == "" {
		return "", false, nil
	}
	return strings.Trim(resp.Token, `"`), true, nil
}

// ResolveIP fetches the caller's public address. Any failure degrades to
// loopback rather than failing the session.
func (c *Client) ResolveIP(ctx context.Context) string {
	body, err := c.get(ctx, c.ipURL)
	if err != nil {
		c.logger.Debug("ip resolution failed, using loopback", "error", err)
		return "127.0.0.1"
	}
	var resp struct {
		IPAddress string `json:"ip_address"`
	}
	if json.Unmarshal(body, &resp) != nil || resp.IPAddress == "" {
		c.logger.Debug("ip resolution returned no address, using loopback")
		return "127.0.0.1"
	}
	return resp.IPAddress
}

func (c *Client) get(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) post(ctx context.Context, fullURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}
