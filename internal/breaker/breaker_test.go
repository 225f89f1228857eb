package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripAtThreshold(t *testing.T) {
	b := New(3, 1*time.Second, true)

	b.OnFailure("boom")
	b.OnFailure("boom")
	assert.False(t, b.ShouldPause())

	b.OnFailure("boom")
	assert.True(t, b.ShouldPause())

	stats := b.Stats()
	assert.Equal(t, 1, stats.PauseCount)
	assert.Equal(t, 3, stats.TotalFailures)
}

func TestPauseExpires(t *testing.T) {
	b := New(2, 1*time.Second, true)
	clock := time.Now()
	b.now = func() time.Time { return clock }

	b.OnFailure("x")
	b.OnFailure("x")
	require.True(t, b.ShouldPause())

	clock = clock.Add(1100 * time.Millisecond)
	assert.False(t, b.ShouldPause())
}

func TestSuccessResetsStreakOnly(t *testing.T) {
	b := New(3, time.Second, true)

	b.OnFailure("x")
	b.OnFailure("x")
	b.OnSuccess()
	b.OnFailure("x")
	b.OnFailure("x")
	assert.False(t, b.ShouldPause())

	stats := b.Stats()
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, 4, stats.TotalFailures)
}

func TestWaitIfPausedResetsStreak(t *testing.T) {
	b := New(2, 30*time.Millisecond, true)

	b.OnFailure("x")
	b.OnFailure("x")
	require.True(t, b.ShouldPause())

	start := time.Now()
	require.NoError(t, b.WaitIfPaused(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	stats := b.Stats()
	assert.False(t, stats.IsPaused)
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 2, stats.TotalFailures)
}

func TestWaitIfPausedNoopWhenIdle(t *testing.T) {
	b := New(3, time.Second, true)
	b.OnFailure("x")

	require.NoError(t, b.WaitIfPaused(context.Background()))

	// streak must survive: only a real pause grants a clean restart
	assert.Equal(t, 1, b.Stats().ConsecutiveFailures)
}

func TestWaitIfPausedCancellable(t *testing.T) {
	b := New(1, 10*time.Second, true)
	b.OnFailure("x")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.WaitIfPaused(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDisabledBreakerIsNoop(t *testing.T) {
	b := New(1, time.Second, false)

	b.OnFailure("x")
	b.OnFailure("x")
	assert.False(t, b.ShouldPause())
	assert.Equal(t, time.Duration(0), b.RemainingPause())
	require.NoError(t, b.WaitIfPaused(context.Background()))
}
