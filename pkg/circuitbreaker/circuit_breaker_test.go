package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote down")

func failing(ctx context.Context) error { return errRemote }
func succeeding(ctx context.Context) error { return nil }

func TestClosedPassesThrough(t *testing.T) {
	cb := New("test", 3, time.Minute, nil)

	require.NoError(t, cb.Execute(context.Background(), succeeding))
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New("test", 3, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errRemote)
	}
	assert.Equal(t, StateOpen, cb.CurrentState())

	err := cb.Execute(ctx, succeeding)
	assert.True(t, IsOpenError(err))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New("test", 3, time.Minute, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.CurrentState())

	time.Sleep(20 * time.Millisecond)

	// First probe after cooldown is allowed.
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateHalfOpen, cb.CurrentState())
}

func TestClosesAfterHalfOpenSuccesses(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Execute(ctx, succeeding))
	}
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", 1, 10*time.Millisecond, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, cb.Execute(ctx, failing), errRemote)
	assert.Equal(t, StateOpen, cb.CurrentState())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
