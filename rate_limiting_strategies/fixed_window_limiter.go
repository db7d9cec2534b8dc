package rate_limiting_strategies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aryangodara/rate_limiter_service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	_ rate_limiter_service.Strategy = &fixedWindowLimiter{}
)

type fixedWindowLimiter struct {
	client *redis.Client
	now    func() time.Time
	health *storeHealth
}

// NewFixedWindowLimiter creates a new fixed window rate limiter. The counter
// key embeds the window bucket, so a new window boundary starts a fresh
// counter. On store failure this strategy fails open: precision is already
// traded away at window boundaries, and unmetered traffic for the outage is
// judged better than denying everyone.
func NewFixedWindowLimiter(client *redis.Client, now func() time.Time, logger *zap.Logger) rate_limiter_service.Strategy {
	return &fixedWindowLimiter{
		client: client,
		now:    now,
		health: newStoreHealth(rate_limiter_service.FixedWindow, logger),
	}
}

// Execute performs rate limiting using a fixed window strategy.
func (f *fixedWindowLimiter) Execute(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := f.now()
	bucketKey, resetAt := f.bucket(r, now)

	pipe := f.client.Pipeline()
	incrCmd := pipe.Incr(ctx, bucketKey)
	pipe.ExpireNX(ctx, bucketKey, r.Window+ttlGrace)

	if _, err := pipe.Exec(ctx); err != nil {
		f.health.failed(err)
		return f.failOpen(r, now, resetAt), nil
	}
	f.health.recovered()

	count := uint64(incrCmd.Val())
	allowed := count <= r.Limit

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}

	remaining := uint64(0)
	if r.Limit > count {
		remaining = r.Limit - count
	}

	return &rate_limiter_service.Result{
		Allowed:      allowed,
		Limit:        r.Limit,
		Remaining:    remaining,
		CurrentCount: count,
		ResetAt:      resetAt,
		RetryAfter:   retryAfter,
		StrategyUsed: rate_limiter_service.StrategyFixedWindowRedis,
	}, nil
}

// Peek reads the current window counter without incrementing it.
func (f *fixedWindowLimiter) Peek(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := f.now()
	bucketKey, resetAt := f.bucket(r, now)

	count, err := f.client.Get(ctx, bucketKey).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		f.health.failed(err)
		return f.failOpen(r, now, resetAt), nil
	}
	f.health.recovered()

	remaining := uint64(0)
	if r.Limit > count {
		remaining = r.Limit - count
	}

	return &rate_limiter_service.Result{
		Allowed:      count < r.Limit,
		Limit:        r.Limit,
		Remaining:    remaining,
		CurrentCount: count,
		ResetAt:      resetAt,
		StrategyUsed: rate_limiter_service.StrategyFixedWindowRedis,
	}, nil
}

// Reset deletes every window counter derived from the key. Administrative
// path, so a KEYS scan is acceptable here.
func (f *fixedWindowLimiter) Reset(ctx context.Context, key string) error {
	buckets, err := f.client.Keys(ctx, key+":*").Result()
	if err != nil {
		return fmt.Errorf("failed to list window counters for key %v: %w", key, err)
	}
	if len(buckets) == 0 {
		return nil
	}
	if err := f.client.Del(ctx, buckets...).Err(); err != nil {
		return fmt.Errorf("failed to delete window counters for key %v: %w", key, err)
	}
	return nil
}

// bucket computes the deterministic counter key for the window containing
// now, and the instant the window rolls over.
func (f *fixedWindowLimiter) bucket(r *rate_limiter_service.Request, now time.Time) (string, time.Time) {
	windowSecs := f.windowSeconds(r.Window)
	bucket := now.Unix() / windowSecs
	return fmt.Sprintf("%s:%d", r.Key, bucket), time.Unix((bucket+1)*windowSecs, 0)
}

func (f *fixedWindowLimiter) windowSeconds(window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (f *fixedWindowLimiter) failOpen(r *rate_limiter_service.Request, now time.Time, resetAt time.Time) *rate_limiter_service.Result {
	return &rate_limiter_service.Result{
		Allowed:      true,
		Limit:        r.Limit,
		Remaining:    r.Limit,
		CurrentCount: 0,
		ResetAt:      resetAt,
		StrategyUsed: rate_limiter_service.StrategyFixedWindowOpen,
	}
}
