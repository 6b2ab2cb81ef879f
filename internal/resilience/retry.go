// Package resilience provides retry helpers for transient failures in RPC
// and storage calls, grounded on the teacher's infrastructure/resilience
// retry package: exponential backoff with jitter and a predicate deciding
// which errors are worth retrying.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls the backoff schedule.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of delay, e.g. 0.2 = +/-20%
}

// DefaultRetryConfig matches the teacher's default retry policy for RPC
// calls: a handful of attempts with capped exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// IsRetryable classifies whether an error should trigger another attempt.
// Callers supply their own predicate since "retryable" is error-type
// specific (e.g. chain RPC errors vs. Postgres errors).
type IsRetryable func(error) bool

// Do runs fn, retrying on errors accepted by retryable, until it succeeds,
// the context is done, or attempts are exhausted.
func Do(ctx context.Context, cfg RetryConfig, retryable IsRetryable, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := withJitter(delay, cfg.Jitter)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return lastErr
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
