package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/truvis/pricestream/internal/auth"
)

// DefaultMinInterval is the minimum spacing between REST calls.
const DefaultMinInterval = 500 * time.Millisecond

// TokenProvider supplies bearer tokens. *auth.TokenSource implements it.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Valid() bool
	Invalidate()
}

// Client provides access to the upstream quotation REST API.
type Client struct {
	baseURL      string
	creds        auth.Credentials
	customerType string
	tokens       TokenProvider
	httpClient   *http.Client
	logger       *slog.Logger
	limiter      *rate.Limiter

	maxRetries   int
	retryBackoff time.Duration

	requests    atomic.Int64
	failures    atomic.Int64
	rateLimited atomic.Int64
	notFound    atomic.Int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client.
func NewClient(baseURL string, creds auth.Credentials, tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		creds:        creds,
		customerType: "P",
		tokens:       tokens,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		limiter:      rate.NewLimiter(rate.Every(DefaultMinInterval), 1),
		maxRetries:   2,
		retryBackoff: time.Second,
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

// WithRetries sets the retry configuration for rate-limited calls.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
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

// WithMinInterval sets the minimum spacing between calls. Zero disables it.
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithCustomerType sets the custtype header ("P" personal, "B" business).
func WithCustomerType(ct string) ClientOption {
	return func(c *Client) {
		c.customerType = ct
	}
}

// Stats holds request counters.
type Stats struct {
	Requests    int64
	Failures    int64
	RateLimited int64
	NotFound    int64
}

// Stats returns current request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		RateLimited: c.rateLimited.Load(),
		NotFound:    c.notFound.Load(),
	}
}

// IsHealthy reports whether a valid access token can be obtained.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if _, err := c.tokens.Token(ctx); err != nil {
		c.logger.Warn("provider health check failed", "error", err)
		return false
	}
	return c.tokens.Valid()
}
