package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hipo/sharemarket/pkg/config"
)

func disabledClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(&config.Config{Redis: config.RedisConfig{Enabled: false}})
	require.NoError(t, err)
	return client
}

func TestNewClient_Disabled(t *testing.T) {
	client := disabledClient(t)
	assert.False(t, client.Enabled())
	assert.NoError(t, client.Ping(context.Background()))
	assert.NoError(t, client.Close())
}

func TestClient_NilIsDisabled(t *testing.T) {
	var client *Client
	assert.False(t, client.Enabled())
}

func TestRateLimiter_LocalFallback(t *testing.T) {
	ctx := context.Background()
	limiter := NewRateLimiter(disabledClient(t), "test")
	cfg := PlaceOrderLimit("alice", 3)

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, cfg)
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, remaining, err := limiter.Allow(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Zero(t, remaining)

	// buckets are per key
	allowed, _, err = limiter.Allow(ctx, PlaceOrderLimit("bob", 3))
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_ZeroLimitAllowsEverything(t *testing.T) {
	limiter := NewRateLimiter(disabledClient(t), "test")
	for i := 0; i < 10; i++ {
		allowed, _, err := limiter.Allow(context.Background(), PlaceOrderLimit("alice", 0))
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	limiter := NewRateLimiter(disabledClient(t), "test")
	cfg := RateLimitConfig{Key: "slow", Limit: 1, Window: time.Hour}

	require.NoError(t, limiter.Wait(context.Background(), cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.Wait(ctx, cfg), context.DeadlineExceeded)
}

func TestCache_Disabled(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(disabledClient(t), "test")

	var result string
	found, err := cache.Get(ctx, "key", &result)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, cache.Set(ctx, "key", "value", TTLShort))
	assert.NoError(t, cache.Delete(ctx, "key"))
}

func TestCache_GetOrSetFallsThrough(t *testing.T) {
	cache := NewCache(disabledClient(t), "test")

	calls := 0
	var got []int
	err := cache.GetOrSet(context.Background(), "nums", &got, TTLShort, func() (interface{}, error) {
		calls++
		return []int{1, 2, 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 1, calls)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "trades:creator-1", TradesKey("creator-1"))

	cache := NewCache(disabledClient(t), "sm")
	assert.Equal(t, "sm:cache:trades:x", cache.key(TradesKey("x")))
}

func TestLocker_LocalFallback(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(disabledClient(t), "test")

	lease, err := locker.TryAcquire(ctx, "expiry", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	second, err := locker.TryAcquire(ctx, "expiry", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second, "lease is held")

	other, err := locker.TryAcquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, other)

	require.NoError(t, lease.Release(ctx))
	again, err := locker.TryAcquire(ctx, "expiry", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestLocker_LocalLeaseExpires(t *testing.T) {
	ctx := context.Background()
	locker := NewLocker(disabledClient(t), "test")

	_, err := locker.TryAcquire(ctx, "expiry", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	lease, err := locker.TryAcquire(ctx, "expiry", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}
