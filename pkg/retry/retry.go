// Package retry re-runs venue requests that failed at the transport layer.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoValue(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for functions that return a result.
func DoValue[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	var (
		res T
		err error
	)
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < attempts; attempt++ {
		res, err = fn()
		if err == nil {
			return res, nil
		}
		if !isTransient(err) || attempt == attempts-1 {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}

		// backoff + random(0, 50% of backoff)
		sleep := backoff
		if half := int64(backoff / 2); half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(sleep):
			backoff = min(backoff*2, policy.MaxBackoff)
		}
	}
	return res, err
}
