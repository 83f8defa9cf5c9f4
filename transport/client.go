// Package transport implements resumable.Transport over net/http with rate limiting, retries and
// pluggable authorization.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dapr/kit/logger"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shogotsuneto/go-resumable"
	"github.com/shogotsuneto/go-resumable/metrics"
)

var log = logger.NewLogger("resumable.transport")

// RequestIDHeader carries the per-request id, identical across retries of one request.
const RequestIDHeader = "x-ms-client-request-id"

// Config configures the client behavior.
type Config struct {
	// Timeout for individual attempts (default: 30s).
	Timeout time.Duration

	// MaxRetries after the first attempt (default: 3). Negative disables retries.
	MaxRetries int

	// RetryDelay is the first backoff delay (default: 800ms).
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff delay (default: 60s).
	MaxRetryDelay time.Duration

	// RateLimit in requests per second; zero means unlimited.
	RateLimit float64

	// RateBurst maximum burst size (default: 1).
	RateBurst int

	// UserAgent string (default: "go-resumable/1.0").
	UserAgent string

	// Headers to add to all requests.
	Headers map[string]string
}

// DefaultConfig returns a client config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    800 * time.Millisecond,
		MaxRetryDelay: 60 * time.Second,
		RateBurst:     1,
		UserAgent:     "go-resumable/1.0",
		Headers:       make(map[string]string),
	}
}

// Client is a rate-limited, retry-capable HTTP client.
type Client struct {
	config      Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	auth        Authorizer
	challenge   ChallengeHandler
	logger      logger.Logger
	metrics     *metrics.Collector
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Config.Timeout is then not applied.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAuth sets the authorizer applied to every attempt.
func WithAuth(a Authorizer) Option {
	return func(c *Client) {
		c.auth = a
	}
}

// WithChallengeHandler sets the handler consulted when a request is answered with 401 and a challenge.
func WithChallengeHandler(h ChallengeHandler) Option {
	return func(c *Client) {
		c.challenge = h
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a new HTTP client with the given configuration.
func NewClient(config *Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	cfg := *defaults
	if config != nil {
		cfg = *config
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaults.RateBurst
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		config:      cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(limit, cfg.RateBurst),
		logger:      log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusError marks a response whose status code is worth retrying.
type retryableStatusError struct {
	statusCode int
}

func (e *retryableStatusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.statusCode)
}

// retryAfterBackOff lets the server-suggested delay replace the next computed one.
type retryAfterBackOff struct {
	backoff.BackOff
	next time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || b.next <= 0 {
		return d
	}
	d, b.next = b.next, 0
	return d
}

// Do executes a request with rate limiting, authorization and retry.
// Network failures and 408, 429, 500, 502, 503 and 504 answers are retried; any final response is returned
// without error, whatever its status code.
func (c *Client) Do(ctx context.Context, req *resumable.Request) (*resumable.Response, error) {
	requestID := req.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.RetryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.config.MaxRetryDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	policy := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(c.config.MaxRetries))}

	var resp *resumable.Response
	challenged := false
	attempts := 0
	operation := func() error {
		attempts++
		r, err := c.doOnce(ctx, req, requestID, "")
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return err
		}

		if r.StatusCode == http.StatusUnauthorized && c.challenge != nil && !challenged {
			challenged = true
			if r, err = c.answerChallenge(ctx, req, requestID, r); err != nil {
				return backoff.Permanent(err)
			}
		}

		resp = r
		if retryableStatus(r.StatusCode) {
			policy.next = r.RetryAfter()
			return &retryableStatusError{statusCode: r.StatusCode}
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debugf("Retrying %s %s (request %s) in %s: %v", req.Method, req.URL, requestID, wait, err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		return resp, nil
	}
	var statusErr *retryableStatusError
	if errors.As(err, &statusErr) && resp != nil {
		c.logger.Warnf("Giving up on %s %s after %d attempts: status %d", req.Method, req.URL, attempts, resp.StatusCode)
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%s %s failed after %d attempts: %w", req.Method, req.URL, attempts, err)
}

// answerChallenge asks the challenge handler for a fresh credential and re-issues the request once.
// The original 401 response is returned if the handler declines.
func (c *Client) answerChallenge(ctx context.Context, req *resumable.Request, requestID string, unauthorized *resumable.Response) (*resumable.Response, error) {
	header := unauthorized.Header.Get("WWW-Authenticate")
	if header == "" {
		return unauthorized, nil
	}
	token, err := c.challenge.OnChallenge(ctx, header)
	if err != nil {
		return nil, fmt.Errorf("handle authentication challenge: %w", err)
	}
	if token == "" {
		c.logger.Debugf("Authentication challenge for %s not handled", req.URL)
		return unauthorized, nil
	}
	r, err := c.doOnce(ctx, req, requestID, token)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// doOnce executes a single request attempt. A non-empty token overrides the authorizer.
// Every attempt, retries and challenge answers included, takes a rate limiter token.
func (c *Client) doOnce(ctx context.Context, req *resumable.Request, requestID, token string) (*resumable.Response, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set(RequestIDHeader, requestID)
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else if c.auth != nil {
		if err := c.auth.Authorize(ctx, httpReq); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("authorize request: %w", err))
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.AttemptMade(0)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	c.metrics.AttemptMade(resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &resumable.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
