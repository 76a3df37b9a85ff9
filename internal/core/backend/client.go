package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PocketPalCo/support-bot/config"
	"github.com/PocketPalCo/support-bot/pkg/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("backend")

const (
	maxResponseBytes = 4 << 20
	maxIdleConns     = 100
)

// Client issues JSON requests to the backend REST API with pooled
// connections, bounded concurrency and retries on transient failures.
type Client struct {
	cfg        config.BackendConfig
	endpoints  *Endpoints
	httpClient *http.Client
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *telemetry.BusinessMetrics

	requests atomic.Int64
	failures atomic.Int64

	mu        sync.RWMutex
	lastError string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithMetrics(metrics *telemetry.BusinessMetrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

func NewClient(cfg config.BackendConfig, endpoints *Endpoints, logger *slog.Logger, opts ...ClientOption) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = maxIdleConns
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = 30
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "auth-token"
	}

	c := &Client{
		cfg:        cfg,
		endpoints:  endpoints,
		httpClient: newHTTPClient(cfg),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:     logger.With("component", "backend_client"),
		metrics:    telemetry.NewNoopMetrics(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient(cfg config.BackendConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// Endpoints returns the endpoint table the client was built with.
func (c *Client) Endpoints() *Endpoints {
	return c.endpoints
}

// Post resolves name and posts payload to it.
func (c *Client) Post(ctx context.Context, name Endpoint, payload any) (json.RawMessage, error) {
	url, err := c.endpoints.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, string(name), http.MethodPost, url, payload)
}

// Do sends payload as JSON and returns the raw JSON response body.
//
// Network errors and 5xx responses are retried with exponential backoff up to
// the configured attempt count. 404 yields ErrNotFound; other 4xx responses
// are not retried.
func (c *Client) Do(ctx context.Context, method, url string, payload any) (json.RawMessage, error) {
	return c.do(ctx, url, method, url, payload)
}

func (c *Client) do(ctx context.Context, name, method, url string, payload any) (json.RawMessage, error) {
	requestID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "backend.request", trace.WithAttributes(
		attribute.String("backend.endpoint", name),
		attribute.String("http.method", method),
		attribute.String("request_id", requestID),
	))
	defer span.End()

	start := time.Now()
	attempts := 0

	result, err := c.execute(ctx, name, method, url, payload, requestID, &attempts)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	attrs := api.WithAttributes(attribute.String("endpoint", name), attribute.String("result", outcome))
	c.metrics.BackendRequestsTotal.Add(ctx, 1, attrs)
	c.metrics.BackendRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	c.requests.Add(1)

	if err != nil {
		if KindOf(err) != KindNotFound {
			c.failures.Add(1)
			c.mu.Lock()
			c.lastError = err.Error()
			c.mu.Unlock()

			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			c.logger.Error("Backend request failed",
				"endpoint", name,
				"request_id", requestID,
				"attempts", attempts,
				"error", err)
		}
		return nil, err
	}

	return result, nil
}

func (c *Client) execute(ctx context.Context, name, method, url string, payload any, requestID string, attempts *int) (json.RawMessage, error) {
	fail := func(kind Kind, status int, cause error) *Error {
		return &Error{
			Kind:      kind,
			Endpoint:  name,
			Status:    status,
			Attempts:  *attempts,
			RequestID: requestID,
			Err:       cause,
		}
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fail(KindValidation, 0, fmt.Errorf("failed to marshal request: %w", err))
		}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fail(KindNetwork, 0, err)
	}
	defer c.sem.Release(1)

	operation := func() (json.RawMessage, error) {
		*attempts++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(fail(KindNetwork, 0, err))
			}
		}

		status, data, err := c.send(ctx, method, url, body, requestID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, backoff.Permanent(fail(KindNetwork, 0, err))
			}
			return nil, fail(KindNetwork, 0, err)
		case status == http.StatusNotFound:
			return nil, backoff.Permanent(fail(KindNotFound, status, nil))
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, backoff.Permanent(fail(KindConfiguration, status, errors.New("credentials rejected")))
		case status >= 500:
			return nil, fail(KindServer, status, errors.New(snippet(data)))
		case status >= 400:
			return nil, backoff.Permanent(fail(KindValidation, status, errors.New(snippet(data))))
		}

		if len(bytes.TrimSpace(data)) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(data) {
			return nil, backoff.Permanent(fail(KindServer, status, errors.New("response is not valid JSON")))
		}
		return json.RawMessage(data), nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.Inc(ctx, c.metrics.BackendRetriesTotal, attribute.String("endpoint", name))
			c.logger.Warn("Backend request failed, retrying",
				"endpoint", name,
				"request_id", requestID,
				"attempt", *attempts,
				"next_in", next,
				"error", err)
		}),
	)
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			be.Attempts = *attempts
			return nil, be
		}
		return nil, fail(KindNetwork, 0, err)
	}
	return result, nil
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, requestID string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.AuthToken)
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func snippet(data []byte) string {
	s := string(bytes.TrimSpace(data))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// Health summarizes client activity for the ops surface.
type Health struct {
	Requests  int64  `json:"requests"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func (c *Client) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Health{
		Requests:  c.requests.Load(),
		Failures:  c.failures.Load(),
		LastError: c.lastError,
	}
}
