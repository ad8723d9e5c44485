package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// Multiplier grows the delay each attempt. Values <= 1 mean a constant
	// delay. Default 2.
	Multiplier float64
	// MaxDelay caps the backoff. Zero means no ceiling.
	MaxDelay time.Duration
	// Jitter randomizes each delay uniformly in [delay/2, delay) to avoid
	// synchronized retry storms across many tasks.
	Jitter bool
	// RetryIf, when set, limits which errors are retried. An error for which
	// it returns false is returned immediately.
	RetryIf func(err error) bool
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Backoff returns the delay to sleep after the given 1-indexed failed
// attempt. Exposed so callers can record the schedule they are about to
// sleep through.
func Backoff(attempt int, cfg Config) time.Duration {
	mult := cfg.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	d := time.Duration(delay)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter && d > 0 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	}
	return d
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff.
//
// Wait schedule with BaseDelay=1s, Multiplier=2:
//   attempt 1 fails → wait 1s
//   attempt 2 fails → wait 2s
//   attempt 3 fails → wait 4s (capped at MaxDelay)
//
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}

		// Last attempt — no delay, just return the error.
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := Backoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
