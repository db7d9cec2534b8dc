package rate_limiting_strategies

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aryangodara/rate_limiter_service"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, server
}

func TestSlidingWindowLimiter_Execute(t *testing.T) {
	tt := []struct {
		desc        string
		runs        int
		limit       uint64
		timeAdvance time.Duration
		allowed     bool
		count       uint64
		remaining   uint64
	}{
		{
			desc:      "returns Allow for requests under limit",
			runs:      50,
			limit:     100,
			allowed:   true,
			count:     50,
			remaining: 50,
		},
		{
			desc:      "returns Allow for the last request at the limit",
			runs:      100,
			limit:     100,
			allowed:   true,
			count:     100,
			remaining: 0,
		},
		{
			desc:      "returns Deny for requests over limit",
			runs:      101,
			limit:     100,
			allowed:   false,
			count:     101,
			remaining: 0,
		},
		{
			desc:        "admits again once the window has passed",
			runs:        101,
			limit:       100,
			timeAdvance: time.Minute + time.Second,
			allowed:     true,
			count:       1,
			remaining:   99,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			client, _ := setupTestRedis(t)

			now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
			limiter := NewSlidingWindowLimiter(client, func() time.Time {
				return now
			}, nil)

			req := &rate_limiter_service.Request{
				Key:    "rate_limit:global:some-user",
				Limit:  ts.limit,
				Window: time.Minute,
			}

			var res *rate_limiter_service.Result
			var err error
			for x := 0; x < ts.runs; x++ {
				res, err = limiter.Execute(context.Background(), req)
				require.NoError(t, err)
			}
			if ts.timeAdvance != 0 {
				now = now.Add(ts.timeAdvance)
				res, err = limiter.Execute(context.Background(), req)
				require.NoError(t, err)
			}

			assert.Equal(t, ts.allowed, res.Allowed)
			assert.Equal(t, ts.count, res.CurrentCount)
			assert.Equal(t, ts.remaining, res.Remaining)
			assert.Equal(t, rate_limiter_service.StrategySlidingWindowRedis, res.StrategyUsed)
		})
	}
}

func TestSlidingWindowLimiter_DeniedRequestCarriesRetryAfter(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:global:retry-user",
		Limit:  2,
		Window: time.Minute,
	}

	for x := 0; x < 2; x++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Zero(t, res.RetryAfter)
	}

	now = now.Add(10 * time.Second)
	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	// oldest entry leaves the window 50 seconds from now
	assert.Equal(t, 50*time.Second, res.RetryAfter)
	assert.Equal(t, now.Add(50*time.Second), res.ResetAt)
}

func TestSlidingWindowLimiter_FallsBackToLocalOnStoreFailure(t *testing.T) {
	client, server := setupTestRedis(t)

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:global:degraded-user",
		Limit:  3,
		Window: time.Minute,
	}

	server.SetError("LOADING Redis is loading the dataset in memory")

	for x := 0; x < 3; x++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted locally", x)
		assert.Equal(t, rate_limiter_service.StrategySlidingWindowLocal, res.StrategyUsed)
	}

	// the local fallback still enforces the limit, it does not always-allow
	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, rate_limiter_service.StrategySlidingWindowLocal, res.StrategyUsed)

	// healthy calls return to the shared store without intervention
	server.SetError("")
	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, rate_limiter_service.StrategySlidingWindowRedis, res.StrategyUsed)
}

func TestSlidingWindowLimiter_PeekDoesNotConsume(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:global:peek-user",
		Limit:  10,
		Window: time.Minute,
	}

	for x := 0; x < 3; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	for x := 0; x < 5; x++ {
		res, err := limiter.Peek(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, uint64(3), res.CurrentCount)
		assert.Equal(t, uint64(7), res.Remaining)
	}
}

func TestSlidingWindowLimiter_Reset(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:global:reset-user",
		Limit:  2,
		Window: time.Minute,
	}

	for x := 0; x < 3; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(context.Background(), req.Key))

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint64(1), res.CurrentCount)
}
