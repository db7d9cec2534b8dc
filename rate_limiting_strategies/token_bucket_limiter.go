package rate_limiting_strategies

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aryangodara/rate_limiter_service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	_ rate_limiter_service.Strategy = &tokenBucketLimiter{}
)

const (
	fieldTokens     = "tokens"
	fieldLastRefill = "last_refill"
)

// Refill-then-consume must be indivisible: two callers sharing a key across
// processes must never both observe pre-refill state. The script returns
// {allowed, tokens, retry_after, reset_after}; the float values come back as
// strings because redis truncates Lua numbers to integers.
var tokenBucketTake = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > capacity then tokens = capacity end

local allowed = 0
if tokens >= requested then
  allowed = 1
  tokens = tokens - requested
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', key, ttl)

local retry_after = 0
if allowed == 0 and rate > 0 then
  retry_after = (requested - tokens) / rate
end
local reset_after = 0
if rate > 0 then
  reset_after = (capacity - tokens) / rate
end

return {allowed, tostring(tokens), tostring(retry_after), tostring(reset_after)}
`)

type tokenBucketLimiter struct {
	client *redis.Client
	now    func() time.Time
	health *storeHealth
	local  *localTokenBucket
}

// NewTokenBucketLimiter creates a new token bucket rate limiter backed by a
// shared-store hash per key. When the store is unreachable it falls back to
// an in-process bucket for the same key.
func NewTokenBucketLimiter(client *redis.Client, now func() time.Time, logger *zap.Logger) rate_limiter_service.Strategy {
	return &tokenBucketLimiter{
		client: client,
		now:    now,
		health: newStoreHealth(rate_limiter_service.TokenBucket, logger),
		local:  newLocalTokenBucket(defaultMaxLocalKeys),
	}
}

// Execute refills the bucket for the elapsed time and consumes the requested
// tokens in a single atomic store operation.
func (t *tokenBucketLimiter) Execute(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := t.now()
	requested := r.Tokens
	if requested == 0 {
		requested = 1
	}

	raw, err := tokenBucketTake.Run(ctx, t.client, []string{r.Key},
		r.Capacity,
		r.RefillRate,
		float64(now.UnixMicro())/1e6,
		requested,
		t.ttlSeconds(r),
	).Result()
	if err != nil {
		t.health.failed(err)
		return t.local.take(now, r, true), nil
	}

	result, err := t.parseReply(now, r, raw)
	if err != nil {
		t.health.failed(err)
		return t.local.take(now, r, true), nil
	}
	t.health.recovered()
	return result, nil
}

// Peek reports the bucket state with refill applied but nothing consumed and
// nothing written back.
func (t *tokenBucketLimiter) Peek(ctx context.Context, r *rate_limiter_service.Request) (*rate_limiter_service.Result, error) {
	now := t.now()

	state, err := t.client.HMGet(ctx, r.Key, fieldTokens, fieldLastRefill).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		t.health.failed(err)
		return t.local.take(now, r, false), nil
	}
	t.health.recovered()

	tokens := float64(r.Capacity)
	last := float64(now.UnixMicro()) / 1e6
	if len(state) == 2 {
		if s, ok := state[0].(string); ok {
			if parsed, err := strconv.ParseFloat(s, 64); err == nil {
				tokens = parsed
			}
		}
		if s, ok := state[1].(string); ok {
			if parsed, err := strconv.ParseFloat(s, 64); err == nil {
				last = parsed
			}
		}
	}

	elapsed := float64(now.UnixMicro())/1e6 - last
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed * r.RefillRate
	if tokens > float64(r.Capacity) {
		tokens = float64(r.Capacity)
	}

	requested := float64(r.Tokens)
	if requested == 0 {
		requested = 1
	}
	return t.buildResult(now, r, tokens >= requested, tokens, 0), nil
}

// Reset drops both the shared-store bucket and any local fallback bucket.
func (t *tokenBucketLimiter) Reset(ctx context.Context, key string) error {
	t.local.reset(key)
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete bucket for key %v: %w", key, err)
	}
	return nil
}

// ttlSeconds bounds the bucket's lifetime to the time it takes to refill
// completely plus the usual grace.
func (t *tokenBucketLimiter) ttlSeconds(r *rate_limiter_service.Request) int64 {
	ttl := int64(ttlGrace / time.Second)
	if r.RefillRate > 0 {
		ttl += int64(float64(r.Capacity) / r.RefillRate)
	} else {
		ttl += int64(time.Hour / time.Second)
	}
	return ttl
}

func (t *tokenBucketLimiter) parseReply(now time.Time, r *rate_limiter_service.Request, raw interface{}) (*rate_limiter_service.Result, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected token bucket script reply: %T", raw)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("invalid allowed flag in script reply: %v", values[0])
	}
	tokens, err := replyFloat(values[1])
	if err != nil {
		return nil, fmt.Errorf("invalid token count in script reply: %w", err)
	}
	retryAfter, err := replyFloat(values[2])
	if err != nil {
		return nil, fmt.Errorf("invalid retry hint in script reply: %w", err)
	}

	var retry time.Duration
	if allowed == 0 {
		retry = time.Duration(retryAfter * float64(time.Second))
	}
	return t.buildResult(now, r, allowed == 1, tokens, retry), nil
}

func (t *tokenBucketLimiter) buildResult(now time.Time, r *rate_limiter_service.Request, allowed bool, tokens float64, retryAfter time.Duration) *rate_limiter_service.Result {
	if tokens < 0 {
		tokens = 0
	}
	remaining := uint64(tokens)

	resetAt := now
	if r.RefillRate > 0 {
		resetAt = now.Add(time.Duration((float64(r.Capacity) - tokens) / r.RefillRate * float64(time.Second)))
	}

	return &rate_limiter_service.Result{
		Allowed:      allowed,
		Limit:        r.Capacity,
		Remaining:    remaining,
		CurrentCount: r.Capacity - remaining,
		ResetAt:      resetAt,
		RetryAfter:   retryAfter,
		StrategyUsed: rate_limiter_service.StrategyTokenBucketRedis,
	}
}

func replyFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("unsupported reply type %T", val)
	}
}
