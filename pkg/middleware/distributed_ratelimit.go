package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed window counter in Redis so every replica
// shares the same limits.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "tenantry:ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow counts one request in the current window. The window starts with
// the first request and is not extended by later ones.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("redis rate limit: %w", err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Result{}, fmt.Errorf("redis rate limit expiry: %w", err)
		}
		ttl = rl.config.WindowDuration
	}

	limit := rl.config.capacity()
	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= limit,
		Limit:      rl.config.RequestsPerWindow,
		Remaining:  remaining,
		ResetAfter: ttl,
	}, nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if err == redis.Nil {
		return rl.config.capacity(), nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.config.capacity() - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the window for key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

var (
	_ Limiter = (*RateLimiter)(nil)
	_ Limiter = (*DistributedRateLimiter)(nil)
)
