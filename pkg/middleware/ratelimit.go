package middleware

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns limits for anonymous callers
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerUserRateLimitConfig returns limits for authenticated principals
func PerUserRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

func (c *RateLimitConfig) capacity() int {
	return c.RequestsPerWindow + c.BurstSize
}

// Result describes one limiter decision
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// RateLimiter is an in-process token bucket limiter. Use
// DistributedRateLimiter when several replicas must share limits.
type RateLimiter struct {
	config  *RateLimitConfig
	now     func() time.Time
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token for key. It never returns an error.
func (rl *RateLimiter) Allow(_ context.Context, key string) (Result, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	capacity := float64(rl.config.capacity())
	rate := float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastUpdate: now}
		rl.buckets[key] = b
	}

	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastUpdate).Seconds()*rate)
	b.lastUpdate = now

	res := Result{Limit: rl.config.RequestsPerWindow}
	if b.tokens >= 1 {
		b.tokens--
		res.Allowed = true
	}
	res.Remaining = int(b.tokens)
	if missing := 1 - b.tokens; missing > 0 && rate > 0 {
		res.ResetAfter = time.Duration(missing / rate * float64(time.Second))
	}
	return res, nil
}

// Remaining returns the whole tokens left for key without taking one
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return rl.config.capacity()
	}
	return int(b.tokens)
}

// Cleanup drops buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}
