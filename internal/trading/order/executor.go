// Package order provides order identity, the live order table and rate-limited,
// retrying dispatch of requests to a venue.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/retry"
	"trade_gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ExecutorConfig tunes request dispatch.
type ExecutorConfig struct {
	RateLimit float64 // requests per second
	Burst     int
	Retry     retry.RetryPolicy
}

// Executor sends insert and cancel requests to one venue. Transport failures
// are retried; trading decisions come back as canonical events untouched.
type Executor struct {
	venue  core.IVenue
	logger core.ILogger

	rateLimiter *rate.Limiter
	policy      retry.RetryPolicy

	mu sync.RWMutex

	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
	errorMu         sync.Mutex

	tracer  trace.Tracer
	metrics *telemetry.MetricsHolder
}

func NewExecutor(venue core.IVenue, cfg ExecutorConfig, logger core.ILogger) *Executor {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Executor{
		venue:           venue,
		logger:          logger.WithField("component", "order_executor"),
		rateLimiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		policy:          cfg.Retry,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          telemetry.GetTracer("order-executor"),
		metrics:         telemetry.GetGlobalMetrics(),
	}
}

// ErrNotDispatched marks a request that was given up before it was handed to
// the venue adapter.
var ErrNotDispatched = errors.New("request not dispatched")

// SetRateLimit updates the rate limit
func (e *Executor) SetRateLimit(limit float64, burst int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimiter = rate.NewLimiter(rate.Limit(limit), burst)
}

// Submit sends an insert request. A non-nil error means the request never got
// a trading decision.
func (e *Executor) Submit(ctx context.Context, o *model.Order) (*model.Event, error) {
	return e.dispatch(ctx, "submit", o, e.venue.SubmitOrder)
}

// Cancel sends a cancel request for a live order.
func (e *Executor) Cancel(ctx context.Context, o *model.Order) (*model.Event, error) {
	return e.dispatch(ctx, "cancel", o, e.venue.CancelOrder)
}

func (e *Executor) dispatch(ctx context.Context, op string, o *model.Order,
	call func(context.Context, *model.Order) (*model.Event, error)) (*model.Event, error) {

	ctx, span := e.tracer.Start(ctx, "venue."+op,
		trace.WithAttributes(
			attribute.String("venue", e.venue.Name()),
			attribute.String("ticker", o.Ticker),
			attribute.String("ref", o.Ref.String()),
		),
	)
	defer span.End()

	e.mu.RLock()
	limiter := e.rateLimiter
	e.mu.RUnlock()
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %w", ErrNotDispatched, err)
	}

	policy := e.policy
	policy.OnRetry = func(attempt int, err error) {
		e.logger.Warn("Venue request failed, retrying",
			"op", op,
			"ref", o.Ref,
			"attempt", attempt,
			"error", err)
	}

	ev, err := retry.DoValue(ctx, policy, apperrors.IsTransient, func() (*model.Event, error) {
		start := time.Now()
		ev, err := call(ctx, o)
		e.metrics.RecordLatency(ctx, e.venue.Name(), op, float64(time.Since(start).Microseconds())/1000)
		if err != nil {
			e.recordError()
			e.metrics.AddCounter(ctx, e.metrics.TransportErrorsTotal, e.venue.Name(), attribute.String("op", op))
		}
		return ev, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s %s: %w", op, o.Ref, err)
	}
	if op == "submit" {
		e.metrics.AddCounter(ctx, e.metrics.OrdersSubmittedTotal, e.venue.Name())
	}
	return ev, nil
}

// CheckHealth returns an error if too many requests failed recently.
func (e *Executor) CheckHealth() error {
	if n := e.recentErrorCount(5 * time.Minute); n > 50 {
		return fmt.Errorf("high error rate: %d errors in last 5 minutes", n)
	}
	return nil
}

// recordError adds an error timestamp (ring buffer)
func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
		return
	}
	e.errorTimestamps[e.errorIndex] = time.Now()
	e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
