package rate_limiter_service

import (
	"context"
	"time"
)

// Request defines a single admission question for one rate-limit key.
type Request struct {
	Key    string
	Limit  uint64
	Window time.Duration

	// Token bucket parameters. Capacity and RefillRate are only read by the
	// token bucket strategy; Tokens defaults to 1 when zero.
	Capacity   uint64
	RefillRate float64
	Tokens     uint64
}

// Strategy path identifiers reported in Result.StrategyUsed. The _local and
// _failopen variants mean the shared store was unreachable and the decision
// was served in degraded mode.
const (
	StrategySlidingWindowRedis = "sliding_window_redis"
	StrategySlidingWindowLocal = "sliding_window_local"
	StrategyFixedWindowRedis   = "fixed_window_redis"
	StrategyFixedWindowOpen    = "fixed_window_failopen"
	StrategyTokenBucketRedis   = "token_bucket_redis"
	StrategyTokenBucketLocal   = "token_bucket_local"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed      bool
	Limit        uint64
	Remaining    uint64
	CurrentCount uint64
	ResetAt      time.Time
	// RetryAfter is zero unless the request was denied and a concrete wait
	// until the next admission is known.
	RetryAfter   time.Duration
	StrategyUsed string
}

// Strategy is the contract every rate limiting strategy implements.
//
// Execute decides one admission and mutates the underlying counters. It never
// returns an error because the shared store is unreachable; each strategy
// converts store failures into its documented degraded-mode behavior and tags
// the result through StrategyUsed.
//
// Peek answers the same question without consuming quota, so status polling
// does not distort admission counts.
type Strategy interface {
	Execute(ctx context.Context, r *Request) (*Result, error)
	Peek(ctx context.Context, r *Request) (*Result, error)
	Reset(ctx context.Context, key string) error
}

// AllAllowed reports whether every result in a multi-level check admitted the
// request.
func AllAllowed(results []*Result) bool {
	for _, res := range results {
		if res == nil || !res.Allowed {
			return false
		}
	}
	return len(results) > 0
}
