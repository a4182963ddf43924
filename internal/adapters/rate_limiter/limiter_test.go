package rate_limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eleven-am/flowgate/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowRespectsBurst(t *testing.T) {
	rl := NewRateLimiter("test", ports.RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2}, nil)
	defer rl.Stop()

	assert.True(t, rl.Allow("host-a"))
	assert.True(t, rl.Allow("host-a"))
	assert.False(t, rl.Allow("host-a"))

	assert.True(t, rl.Allow("host-b"), "keys are limited independently")

	metrics := rl.Metrics("host-a")
	assert.Equal(t, int64(2), metrics.AllowedRequests)
	assert.Equal(t, int64(1), metrics.DeniedRequests)
}

func TestRateLimiter_WaitBlocksUntilToken(t *testing.T) {
	rl := NewRateLimiter("test", ports.RateLimiterConfig{RequestsPerSecond: 20, BurstSize: 1}, nil)
	defer rl.Stop()

	require.NoError(t, rl.Wait(context.Background(), "k"))

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background(), "k"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRateLimiter_WaitTimeout(t *testing.T) {
	rl := NewRateLimiter("test", ports.RateLimiterConfig{
		RequestsPerSecond: 0.1,
		BurstSize:         1,
		WaitTimeout:       20 * time.Millisecond,
	}, nil)
	defer rl.Stop()

	require.True(t, rl.Allow("k"))

	err := rl.Wait(context.Background(), "k")
	assert.True(t, errors.Is(err, ErrWaitTimeout), "got %v", err)
}

func TestRateLimiter_WaitHonoursCallerContext(t *testing.T) {
	rl := NewRateLimiter("test", ports.RateLimiterConfig{RequestsPerSecond: 0.1, BurstSize: 1}, nil)
	defer rl.Stop()

	require.True(t, rl.Allow("k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Wait(ctx, "k"), context.Canceled)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter("test", ports.RateLimiterConfig{}, nil)
	rl.Stop()
	rl.Stop()
}
