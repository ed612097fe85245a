// Package clients holds the JSON-over-HTTP plumbing shared by the upstream
// collaborator clients: per-attempt timeouts and capped exponential retry of
// transient failures.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 512

// ErrMalformed marks a response or request that cannot be encoded or decoded
var ErrMalformed = errors.New("malformed payload")

// Config holds HTTP client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each attempt
	Timeout time.Duration
	// MaxAttempts includes the first try
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	UserAgent      string
}

// DefaultConfig returns defaults for catalog and name lookups
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		UserAgent:      "go-ndc/1.0",
	}
}

// StatusError is a non-2xx response
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying. No 4xx is,
// including 429.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client performs JSON requests against one upstream service
type Client struct {
	service string
	base    *url.URL
	http    *http.Client
	cfg     Config
	logger  *zap.Logger
}

// New creates a client for service rooted at cfg.BaseURL
func New(service string, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid %s base url %q", service, cfg.BaseURL)
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Client{
		service: service,
		base:    base,
		http:    &http.Client{},
		cfg:     cfg,
		logger:  logger.With(zap.String("upstream", service)),
	}, nil
}

// Service returns the upstream name
func (c *Client) Service() string {
	return c.service
}

// URL builds an absolute URL for path and query
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// GetJSON fetches path and decodes the body into out, retrying transient
// failures. 4xx responses are returned at once as *StatusError.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.URL(path, query)
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.do(ctx, http.MethodGet, target, nil, nil, out)
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(ctx, err) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Debug("upstream request failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(c.cfg.MaxAttempts),
	)
	return err
}

// PostJSON sends body as JSON once and decodes the response into out.
// It is not retried.
func (c *Client) PostJSON(ctx context.Context, path string, header http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode %s request: %w", ErrMalformed, c.service, err)
	}
	return c.do(ctx, http.MethodPost, c.URL(path, nil), header, payload, out)
}

func (c *Client) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	return b
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: build %s request: %w", ErrMalformed, c.service, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.service, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("upstream response",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Service: c.service, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode %s response: %w", ErrMalformed, c.service, err)
	}
	return nil
}

// retryable reports whether err is transient. Caller cancellation is never
// retried.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	// transport errors and per-attempt timeouts are transient
	return !errors.Is(err, ErrMalformed)
}

// ParseFloat parses s, returning 0 on error; upstreams encode numbers as strings
func ParseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
