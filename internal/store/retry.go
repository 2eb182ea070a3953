// ABOUTME: Bounded retry with pluggable backoff and retryability; the shared
// ABOUTME: policies for store contention and external workload execution.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy wraps an operation with bounded retry. The same policy type
// drives both store-level contention retries and worker-level execution
// retries; they differ only in attempt count, backoff function, and the
// predicate deciding what is retryable.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff returns the sleep before retry attempt n (1-based).
	Backoff func(attempt int) time.Duration
	// Retryable decides whether err is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(err error) bool
}

// ErrRetriesExhausted wraps the last error after all attempts failed.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts
// MaxAttempts. Sleeps between attempts honor ctx cancellation.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}
		sleep := p.Backoff(attempt)
		slog.Warn("retryable error, backing off",
			"attempt", attempt, "sleep", sleep, "error", last)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return &ErrRetriesExhausted{Attempts: p.MaxAttempts, Last: last}
}

// ContentionPolicy is the store-side retry policy: transient contention is
// retried with a uniformly random 1–30s sleep to desynchronize competing
// claimants; integrity violations and everything else abort immediately.
func ContentionPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Backoff: func(int) time.Duration {
			return time.Duration(1+rand.Intn(30)) * time.Second //nolint:gosec // jitter, not crypto
		},
		Retryable: IsContention,
	}
}

// ExecutionPolicy is the worker-side retry policy for external workloads:
// 3 attempts with randomized exponential backoff. Only the last attempt's
// error propagates.
func ExecutionPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			base := 5 * math.Pow(2, float64(attempt-1))
			jitter := 0.5 + rand.Float64() //nolint:gosec // jitter, not crypto
			return time.Duration(base*jitter) * time.Second
		},
		Retryable: nil, // any execution failure gets another attempt
	}
}
