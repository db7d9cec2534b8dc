package rate_limiting_strategies

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aryangodara/rate_limiter_service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	_ rate_limiter_service.Strategy = &slidingWindowLimiter{}
)

// One atomic round trip: prune expired entries, record this request, count
// what remains and report the oldest surviving entry so callers can compute
// when a slot frees up.
var slidingWindowAdmit = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local member = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
redis.call('ZADD', key, now, member)
local count = redis.call('ZCARD', key)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
redis.call('EXPIRE', key, ttl)

return {count, oldest[2]}
`)

type slidingWindowLimiter struct {
	client *redis.Client
	now    func() time.Time
	health *storeHealth
	local  *localSlidingWindow
}

// NewSlidingWindowLimiter initializes a new sliding window rate limiter. The
// shared store keeps exact request timestamps per key; when the store is
// unreachable the limiter serves from an in-process window until the store
// recovers.
func NewSlidingWindowLimiter(client *redis.Client, now func() time.Time, logger *zap.Logger) rate_limiter_service.Strategy {
	return &slidingWindowLimiter{
		client: client,
		now:    now,
		health: newStoreHealth(rate_limiter_service.SlidingWindow, logger),
		local:  newLocalSlidingWindow(defaultMaxLocalKeys),
	}
}

// Execute performs rate limiting using a sliding window strategy.
func (s *slidingWindowLimiter) Execute(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := s.now()
	minimum := now.Add(-r.Window)

	// every request needs an UUID so two admits in the same millisecond
	// never collide in the sorted set
	member := uuid.NewString()

	raw, err := slidingWindowAdmit.Run(ctx, s.client, []string{r.Key},
		now.UnixMilli(),
		minimum.UnixMilli(),
		member,
		int64((r.Window+ttlGrace)/time.Second),
	).Result()
	if err != nil {
		s.health.failed(err)
		return s.local.check(now, r, true), nil
	}

	count, oldest, err := parseWindowReply(raw)
	if err != nil {
		s.health.failed(err)
		return s.local.check(now, r, true), nil
	}
	s.health.recovered()

	return s.buildResult(now, r, count, oldest, count <= r.Limit), nil
}

// Peek reports the current window state without recording a request.
func (s *slidingWindowLimiter) Peek(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := s.now()
	minimum := now.Add(-r.Window)

	p := s.client.Pipeline()
	p.ZRemRangeByScore(ctx, r.Key, "0", strconv.FormatInt(minimum.UnixMilli(), 10))
	countCmd := p.ZCard(ctx, r.Key)
	oldestCmd := p.ZRangeWithScores(ctx, r.Key, 0, 0)

	if _, err := p.Exec(ctx); err != nil {
		s.health.failed(err)
		return s.local.check(now, r, false), nil
	}
	s.health.recovered()

	count := uint64(countCmd.Val())
	var oldest int64
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = int64(entries[0].Score)
	}

	return s.buildResult(now, r, count, oldest, count < r.Limit), nil
}

// Reset clears both the shared-store window and any local fallback state.
func (s *slidingWindowLimiter) Reset(ctx context.Context, key string) error {
	s.local.reset(key)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete window for key %v: %w", key, err)
	}
	return nil
}

func (s *slidingWindowLimiter) buildResult(now time.Time, r *rate_limiter_service.Request, count uint64, oldestMilli int64, allowed bool) *rate_limiter_service.Result {
	resetAt := now.Add(r.Window)
	var retryAfter time.Duration
	if oldestMilli > 0 {
		resetAt = time.UnixMilli(oldestMilli).Add(r.Window)
		if !allowed {
			retryAfter = resetAt.Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
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
		StrategyUsed: rate_limiter_service.StrategySlidingWindowRedis,
	}
}

// parseWindowReply unpacks the {count, oldest_score} script reply. The score
// comes back as a bulk string carrying the entry's millisecond timestamp.
func parseWindowReply(raw interface{}) (uint64, int64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) < 1 {
		return 0, 0, fmt.Errorf("unexpected sliding window script reply: %T", raw)
	}

	count, ok := values[0].(int64)
	if !ok || count < 0 {
		return 0, 0, fmt.Errorf("invalid count in script reply: %v", values[0])
	}

	var oldest int64
	if len(values) > 1 {
		switch v := values[1].(type) {
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("invalid oldest score in script reply: %w", err)
			}
			oldest = int64(parsed)
		case int64:
			oldest = v
		}
	}
	return uint64(count), oldest, nil
}
