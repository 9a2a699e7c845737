package backoff

import (
	"context"
	"time"
)

// Retrier re-runs an operation while its errors are retryable.
type Retrier struct {
	Policy Policy

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Retryable decides whether err may be retried. Nil retries every error.
	Retryable func(err error) bool

	// Hint extracts a provider back-off hint from err.
	Hint func(err error) time.Duration

	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Result holds the outcome of a retried operation.
type Result[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The final error is returned unwrapped so callers can
// inspect it; context cancellation between attempts returns ctx.Err().
func Do[T any](ctx context.Context, r Retrier, fn func(attempt int) (T, error)) (Result[T], error) {
	var result Result[T]
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if r.Retryable != nil && !r.Retryable(err) {
			return result, err
		}
		if attempt > r.MaxRetries {
			return result, err
		}

		var hint time.Duration
		if r.Hint != nil {
			hint = r.Hint(err)
		}
		delay := Delay(r.Policy, attempt, hint)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if err := Sleep(ctx, delay); err != nil {
			return result, err
		}
	}
}

// Sleep sleeps for d, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
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
