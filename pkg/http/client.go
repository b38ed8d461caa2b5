// Package http provides the venue REST client with retry and circuit breaking.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// APIError is a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Unwrap classifies the status so callers can test with errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return apperrors.ErrRateLimitExceeded
	case e.StatusCode == http.StatusServiceUnavailable:
		return apperrors.ErrExchangeMaintenance
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return apperrors.ErrAuthenticationFailed
	case e.StatusCode >= 500:
		return apperrors.ErrNetwork
	}
	return nil
}

// Signer signs outgoing requests
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// Options tunes the resilience pipeline.
type Options struct {
	Timeout         time.Duration
	MaxRetries      int
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerWindow == 0 {
		o.BreakerWindow = 10
	}
	if o.BreakerDelay <= 0 {
		o.BreakerDelay = 10 * time.Second
	}
	return o
}

// Client wraps http.Client with a failsafe pipeline.
//
// Reads (GET) are retried on network errors, 5xx and 429. Writes are retried
// only on 429, which venues return before processing a request, so an order
// is never inserted twice by this layer. Both share one circuit breaker.
type Client struct {
	client  *http.Client
	baseURL string
	signer  Signer
	reads   failsafe.Executor[*http.Response]
	writes  failsafe.Executor[*http.Response]
	hmu     sync.RWMutex
	header  http.Header

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a new HTTP client
func NewClient(baseURL string, signer Signer, opts Options) *Client {
	opts = opts.withDefaults()

	readRetry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(opts.MaxRetries).
		Build()

	writeRetry := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			return err == nil && resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(opts.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(opts.BreakerFailures, opts.BreakerWindow).
		WithDelay(opts.BreakerDelay).
		Build()

	meter := telemetry.GetMeter("http-client")
	reqCounter, _ := meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"))
	errCounter, _ := meter.Int64Counter("http_errors_total",
		metric.WithDescription("Total number of HTTP errors"))
	latencyHist, _ := meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"))

	return &Client{
		client:      &http.Client{Timeout: opts.Timeout},
		baseURL:     baseURL,
		signer:      signer,
		reads:       failsafe.With[*http.Response](readRetry, breaker),
		writes:      failsafe.With[*http.Response](writeRetry, breaker),
		header:      make(http.Header),
		tracer:      telemetry.GetTracer("http-client"),
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

// SetHeader sets a header sent with every request, e.g. a session token.
func (c *Client) SetHeader(key, value string) {
	c.hmu.Lock()
	c.header.Set(key, value)
	c.hmu.Unlock()
}

// Get sends a GET request
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, nil)
}

// Post sends a JSON POST request
func (c *Client) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, payload)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params map[string]string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Add(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.hmu.RLock()
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	c.hmu.RUnlock()
	if c.signer != nil {
		if err := c.signer.SignRequest(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, params map[string]string, body []byte) ([]byte, error) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	)

	pipeline := c.reads
	if method != http.MethodGet {
		pipeline = c.writes
	}

	// each attempt gets a fresh request so the body is re-readable and the
	// signature timestamp is current
	resp, err := pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		req, err := c.newRequest(ctx, method, path, params, body)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		// buffer so discarded attempts release their connection
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil
	})

	c.reqCounter.Add(ctx, 1, attrs)
	c.latencyHist.Record(ctx, time.Since(start).Seconds(), attrs)

	if err != nil && resp == nil {
		span.RecordError(err)
		c.errCounter.Add(ctx, 1, attrs)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, fmt.Errorf("%w: circuit open for %s", apperrors.ErrNetwork, path)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", apperrors.ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		c.errCounter.Add(ctx, 1, attrs)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}
