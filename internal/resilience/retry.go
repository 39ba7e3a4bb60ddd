package resilience

import (
	"context"
	"time"

	"github.com/MrWong99/polyglossa/pkg/provider"
)

// Default retry parameters. The budget keeps a retried provider call inside
// the segment latency ceiling: a dropped segment is preferred over a stalled
// pipeline.
const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 100 * time.Millisecond
	defaultRetryBudget   = 1 * time.Second
)

// RetryConfig tunes [Retry] and [RetryWithResult].
type RetryConfig struct {
	// MaxAttempts is the total number of tries, the first call included.
	// Defaults to 3 if zero.
	MaxAttempts int

	// Backoff is the pause after the first failure. It doubles per attempt.
	// Defaults to 100ms if zero.
	Backoff time.Duration

	// Budget caps the wall-clock time spent across all attempts and
	// backoffs. Once spent, the last error is returned without further
	// tries. Defaults to 1s if zero.
	Budget time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to [provider.Transient].
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultRetryAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultRetryBackoff
	}
	if c.Budget <= 0 {
		c.Budget = defaultRetryBudget
	}
	if c.Retryable == nil {
		c.Retryable = provider.Transient
	}
	return c
}

// Retry runs op until it succeeds, returns a non-retryable error, exhausts
// the attempt count, or exceeds the budget. The context is checked before
// every attempt and honoured during backoff sleeps; a cancelled context
// returns ctx.Err() immediately.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for operations that produce a value. On
// failure the zero value and the last error are returned.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	deadline := time.Now().Add(cfg.Budget)
	backoff := cfg.Backoff

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.Retryable(err) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if time.Now().Add(backoff).After(deadline) {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return zero, lastErr
}
