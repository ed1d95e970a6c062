// Package loginqueue talks to the backend's login-queue REST surface:
// credential authentication, ticker polling for queue admission, and
// token retrieval, plus the caller-IP lookup the handshake embeds.
package loginqueue

import (
	"log/slog"
	"net/http"
	"time"
)

// Default endpoints.
const (
	authenticatePath = "/login-queue/rest/queue/authenticate"
	tickerPath       = "/login-queue/rest/queue/ticker/"
	authTokenPath    = "/login-queue/rest/queue/authToken/"

	// DefaultIPServiceURL is the external caller-IP lookup.
	DefaultIPServiceURL = "http://ll.leagueoflegends.com/services/connection_info"
)

// Client provides access to one region's login-queue REST API.
type Client struct {
	baseURL    string
	ipURL      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a login-queue client for the region's base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		ipURL:   DefaultIPServiceURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithIPServiceURL overrides the caller-IP lookup endpoint.
func WithIPServiceURL(url string) ClientOption {
	return func(c *Client) {
		c.ipURL = url
	}
}
