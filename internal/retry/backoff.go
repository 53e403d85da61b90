package retry

import (
	"context"
	"time"

	"pairlink/internal/constants"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
}

// DefaultBackoffConfig returns the delivery/reconnection schedule:
// min(1s * 2^(attempt-1), 30s), at most 5 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultMaxAttempts,
	}
}

// FromRetrySettings builds a BackoffConfig from configured millisecond
// values, falling back to defaults for unset fields.
func FromRetrySettings(initialMs, maxMs, maxAttempts int) BackoffConfig {
	cfg := DefaultBackoffConfig()
	if initialMs > 0 {
		cfg.InitialDelay = time.Duration(initialMs) * time.Millisecond
	}
	if maxMs > 0 {
		cfg.MaxDelay = time.Duration(maxMs) * time.Millisecond
	}
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	return cfg
}

// Backoff implements exponential backoff
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{
		config: config,
	}
}

// MaxAttempts returns the attempt cap.
func (b *Backoff) MaxAttempts() int {
	return b.config.MaxAttempts
}

// DelayForAttempt computes the delay scheduled after the given failed
// attempt (1-based). Attempt 1 waits InitialDelay; each further attempt
// multiplies by Multiplier, clamped at MaxDelay.
func (b *Backoff) DelayForAttempt(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
	}

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	return time.Duration(delay)
}

// Retry executes the operation with exponential backoff retry logic
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff,
// using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == b.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.DelayForAttempt(attempt)):
		}
	}

	return lastErr
}
