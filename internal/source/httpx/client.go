// Package httpx is the shared HTTP client of the source adapters.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/newthinker/quantbase/internal/core"
)

const (
	// DefaultTimeout bounds a single upstream call.
	DefaultTimeout = 30 * time.Second

	// maxBody caps how much of a response is read into memory.
	maxBody = 32 << 20
)

// Client wraps http.Client with request smoothing and error classification.
type Client struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	headers map[string]string
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRequestsPerMinute smooths outgoing requests. Zero disables smoothing.
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) {
		if n <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// New creates a client for the named source.
func New(name string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		http:    &http.Client{Timeout: DefaultTimeout},
		headers: map[string]string{"Accept": "application/json"},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs a GET and returns the response body.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, core.WrapError(core.ErrSourceBadData, fmt.Errorf("%s: build request: %w", c.name, err))
	}
	return c.do(req)
}

// PostJSON marshals payload, POSTs it and returns the response body.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, core.WrapError(core.ErrSourceBadData, fmt.Errorf("%s: build request: %w", c.name, err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	ctx := req.Context()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify(ctx, c.name, err)
		}
	}
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("source", c.name),
			zap.String("path", req.URL.Path),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, classify(ctx, c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, classify(ctx, c.name, err)
	}
	c.logger.Debug("request completed",
		zap.String("source", c.name),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if err := StatusError(c.name, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// StatusError maps a non-2xx status to SOURCE_UNAVAILABLE (429, 5xx) or
// SOURCE_BAD_DATA (other 4xx). It returns nil for 2xx.
func StatusError(name string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return core.Errorf(core.ErrSourceUnavailable, "%s: status %d: %s", name, status, snippet)
	}
	return core.Errorf(core.ErrSourceBadData, "%s: status %d: %s", name, status, snippet)
}

// classify maps a transport error to the core taxonomy. Caller cancellation
// is reported as CANCELLED; every other network failure is transient.
func classify(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return core.WrapError(core.ErrCancelled, fmt.Errorf("%s: %w", name, ctx.Err()))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.WrapError(core.ErrSourceUnavailable, fmt.Errorf("%s: timeout: %w", name, err))
	}
	return core.WrapError(core.ErrSourceUnavailable, fmt.Errorf("%s: %w", name, err))
}

// BadData wraps a decode failure as SOURCE_BAD_DATA.
func BadData(name string, err error) error {
	return core.WrapError(core.ErrSourceBadData, fmt.Errorf("%s: %w", name, err))
}
