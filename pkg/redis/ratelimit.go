package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter implements sliding window rate limiting using Redis, shared by
// every instance. With Redis disabled it falls back to per-process token
// buckets.
// ⭐ SSOT: rate limiting lives only here
type RateLimiter struct {
	client *Client
	prefix string

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// RateLimitConfig defines rate limit parameters
type RateLimitConfig struct {
	Key    string        // unique identifier, e.g. "place:<user>"
	Limit  int           // maximum requests allowed
	Window time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		local:  make(map[string]*rate.Limiter),
	}
}

// PlaceOrderLimit is the per-user order placement budget
func PlaceOrderLimit(userID string, perMinute int) RateLimitConfig {
	return RateLimitConfig{
		Key:    "place:" + userID,
		Limit:  perMinute,
		Window: time.Minute,
	}
}

var slidingWindow = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])
	local member = ARGV[5]

	-- Remove old entries outside the window
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window_ms)
		return {1, limit - count - 1}
	end
	return {0, 0}
`)

// Allow checks if a request is allowed under the rate limit.
// Returns (allowed, remaining, error). A non-positive Limit disables the check.
func (r *RateLimiter) Allow(ctx context.Context, cfg RateLimitConfig) (bool, int, error) {
	if cfg.Limit <= 0 {
		return true, 0, nil
	}
	if !r.client.Enabled() {
		return r.allowLocal(cfg)
	}

	key := fmt.Sprintf("%s:ratelimit:%s", r.prefix, cfg.Key)
	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - cfg.Window.Milliseconds()

	result, err := slidingWindow.Run(ctx, r.client.Redis(), []string{key},
		nowMs,
		windowStart,
		cfg.Limit,
		cfg.Window.Milliseconds(),
		now.UnixNano(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	remaining := int(result[1].(int64))
	return allowed, remaining, nil
}

// allowLocal spends one token of a bucket refilled at Limit per Window with
// a burst of Limit
func (r *RateLimiter) allowLocal(cfg RateLimitConfig) (bool, int, error) {
	r.mu.Lock()
	lim, ok := r.local[cfg.Key]
	if !ok {
		every := cfg.Window / time.Duration(cfg.Limit)
		lim = rate.NewLimiter(rate.Every(every), cfg.Limit)
		r.local[cfg.Key] = lim
	}
	r.mu.Unlock()

	if !lim.Allow() {
		return false, 0, nil
	}
	return true, int(lim.Tokens()), nil
}

// Wait blocks until a request is allowed or context is cancelled
func (r *RateLimiter) Wait(ctx context.Context, cfg RateLimitConfig) error {
	for {
		allowed, _, err := r.Allow(ctx, cfg)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
