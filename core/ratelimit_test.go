package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRedisClient(t *testing.T) *RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisClientFromExisting(client, zap.NewNop().Sugar())
}

func TestRateLimiterRedisConsumesTokens(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 1,
		Capacity:   3,
		KeyTTL:     time.Minute,
	}, testRedisClient(t), zap.NewNop().Sugar())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		decision, err := rl.Check(ctx, "tenant-a", "search")
		require.NoError(t, err)
		assert.True(t, decision.Allowed, "request %d should pass", i)
	}

	decision, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0), "denial must carry retry_after")
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 1,
		Capacity:   1,
		KeyTTL:     time.Minute,
	}, testRedisClient(t), zap.NewNop().Sugar())

	ctx := context.Background()
	d1, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	d2, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	d3, err := rl.Check(ctx, "tenant-b", "search")
	require.NoError(t, err)
	d4, err := rl.Check(ctx, "tenant-a", "ingest")
	require.NoError(t, err)

	assert.True(t, d1.Allowed)
	assert.False(t, d2.Allowed, "tenant-a search bucket is exhausted")
	assert.True(t, d3.Allowed, "other tenant has its own bucket")
	assert.True(t, d4.Allowed, "other source has its own bucket")
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 100,
		Capacity:   1,
		KeyTTL:     time.Minute,
	}, testRedisClient(t), zap.NewNop().Sugar())

	// Pin the clock so refill is driven by the injected time, not sleep.
	base := time.Now()
	rl.now = func() time.Time { return base }

	ctx := context.Background()
	d, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	rl.now = func() time.Time { return base.Add(time.Second) }
	d, err = rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "tokens refill over time")
}

func TestRateLimiterCapacityCap(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 1000,
		Capacity:   2,
		KeyTTL:     time.Minute,
	}, testRedisClient(t), zap.NewNop().Sugar())

	base := time.Now()
	rl.now = func() time.Time { return base }
	ctx := context.Background()

	// Drain, then wait long enough to refill far beyond capacity.
	for i := 0; i < 2; i++ {
		d, err := rl.Check(ctx, "tenant-a", "search")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	rl.now = func() time.Time { return base.Add(time.Hour) }

	allowed := 0
	for i := 0; i < 5; i++ {
		d, err := rl.Check(ctx, "tenant-a", "search")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "burst after idle is bounded by capacity")
}

func TestRateLimiterLocalFallback(t *testing.T) {
	// No Redis client at all: the in-process limiter takes over.
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 1,
		Capacity:   2,
		KeyTTL:     time.Minute,
	}, nil, zap.NewNop().Sugar())

	ctx := context.Background()
	d1, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	d2, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)
	d3, err := rl.Check(ctx, "tenant-a", "search")
	require.NoError(t, err)

	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)
	assert.False(t, d3.Allowed)
	assert.Greater(t, d3.RetryAfter, time.Duration(0))
}

func TestCheckErrMapsDenialToRateLimitError(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RefillRate: 1,
		Capacity:   1,
		KeyTTL:     time.Minute,
	}, nil, zap.NewNop().Sugar())

	ctx := context.Background()
	require.NoError(t, rl.CheckErr(ctx, "tenant-a", "scheduler"))

	err := rl.CheckErr(ctx, "tenant-a", "scheduler")
	require.Error(t, err)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Contains(t, rle.Key, "tenant-a")
	assert.True(t, IsRetryable(err))
}
