package oasis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"
)

// ============================================================================
// Retry Policy
// ============================================================================

const (
	DefaultMaxRetries     = 3
	DefaultBackoffBase    = 1 * time.Second
	DefaultBackoffMax     = 5 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// ErrRetryExhausted matches any *RetryExhaustedError via errors.Is.
var ErrRetryExhausted = errors.New("oasis: retries exhausted")

// RetryExhaustedError is returned once a transient failure outlived every
// retry. It is recoverable: the caller may offer the user a retry.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// RetryPolicy decides how often and how patiently a call is repeated.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries     int
	Backoff        func(attempt int) time.Duration
	Retryable      func(error) bool
	AttemptTimeout time.Duration

	// OnRetry is called before sleeping ahead of retry number attempt+1.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy retries transient failures three times, waiting 1s, 2s
// and 4s, with a 30s limit on every attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		Backoff:        ExponentialBackoff(DefaultBackoffBase, DefaultBackoffMax),
		Retryable:      IsRetryable,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p *RetryPolicy) defaults() {
	if p.Backoff == nil {
		p.Backoff = ExponentialBackoff(DefaultBackoffBase, DefaultBackoffMax)
	}
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	if p.AttemptTimeout == 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
}

// ExponentialBackoff returns min(base*2^attempt, max).
func ExponentialBackoff(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(math.Min(
			float64(base)*math.Pow(2, float64(attempt)),
			float64(max),
		))
	}
}

// IsRetryable classifies an error as transient. Per-attempt timeouts count as
// network failures; cancellation by the caller never does.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Do runs fn until it succeeds, fails permanently, runs out of retries, or
// ctx is done. Each attempt gets its own AttemptTimeout.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry is Do for calls that produce a value.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p.defaults()
	var zero T
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		v, err := fn(actx)
		cancel()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), err)
		}
		if !p.Retryable(err) {
			return zero, err
		}
		if attempt >= p.MaxRetries {
			return zero, &RetryExhaustedError{Attempts: attempt + 1, Err: err}
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
