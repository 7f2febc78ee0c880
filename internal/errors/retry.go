package errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for outbound I/O.
type RetryConfig struct {
	// MaxAttempts is the total attempt count including the first.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	// JitterFactor randomizes each delay, 0.25 meaning ±25%.
	JitterFactor float64 `mapstructure:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Retry executes fn until it succeeds, returns a non-transient error, or the
// attempt budget runs out. Sleeps between attempts follow exponential backoff
// with jitter and respect context cancellation.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	config = config.normalized()

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(Backoff(attempt, config)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Backoff computes the delay before the attempt following attempt n
// (0-based): baseDelay * 2^n, capped at MaxDelay, with jitter applied.
func Backoff(attempt int, config RetryConfig) time.Duration {
	config = config.normalized()

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if config.JitterFactor > 0 {
		jitter := float64(delay) * config.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
