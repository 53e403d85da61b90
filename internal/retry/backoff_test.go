package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForAttempt_Schedule(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.DelayForAttempt(i+1), "attempt %d", i+1)
	}
}

func TestDelayForAttempt_ClampedAtMax(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	assert.Equal(t, 30*time.Second, b.DelayForAttempt(6))
	assert.Equal(t, 30*time.Second, b.DelayForAttempt(10))
}

func TestFromRetrySettings(t *testing.T) {
	cfg := FromRetrySettings(500, 10000, 3)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.Equal(t, 3, cfg.MaxAttempts)

	// Zero values fall back to defaults.
	cfg = FromRetrySettings(0, 0, 0)
	assert.Equal(t, 1*time.Second, cfg.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	calls := 0
	err := b.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	})

	calls := 0
	wantErr := errors.New("still broken")
	err := b.Retry(context.Background(), func() error {
		calls++
		return wantErr
	})

	assert.Equal(t, wantErr, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithPredicate_StopsOnPermanentError(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	permanent := errors.New("permanent")
	calls := 0
	err := b.RetryWithPredicate(context.Background(), func() error {
		calls++
		return permanent
	}, func(err error) bool {
		return !errors.Is(err, permanent)
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := b.Retry(ctx, func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
