// Package retry runs an operation repeatedly until it succeeds, the attempt
// budget is spent, or the context is cancelled.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry behavior. Multiplier 1.0 gives fixed-delay retries;
// larger values give exponential backoff capped at MaxDelay.
type Config struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Fixed returns a fixed-delay configuration: attempts tries, delay apart.
func Fixed(attempts int, delay time.Duration) Config {
	return Config{MaxAttempts: attempts, Delay: delay, Multiplier: 1.0}
}

// Do runs fn until it returns nil or the attempt budget is exhausted.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	delay := cfg.Delay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("%d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}
