package rate_limiting_strategies

import (
	"context"
	"testing"
	"time"

	"github.com/aryangodara/rate_limiter_service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWindowLimiter_Execute(t *testing.T) {
	tt := []struct {
		desc      string
		runs      int
		limit     uint64
		allowed   bool
		count     uint64
		remaining uint64
	}{
		{
			desc:      "admits every request up to the limit",
			runs:      3,
			limit:     3,
			allowed:   true,
			count:     3,
			remaining: 0,
		},
		{
			desc:      "denies the first request over the limit",
			runs:      4,
			limit:     3,
			allowed:   false,
			count:     4,
			remaining: 0,
		},
	}

	for _, ts := range tt {
		t.Run(ts.desc, func(t *testing.T) {
			client, _ := setupTestRedis(t)

			now := time.Unix(1719137730, 0)
			limiter := NewFixedWindowLimiter(client, func() time.Time {
				return now
			}, nil)

			req := &rate_limiter_service.Request{
				Key:    "rate_limit:auth:some-user",
				Limit:  ts.limit,
				Window: time.Minute,
			}

			var res *rate_limiter_service.Result
			var err error
			for x := 0; x < ts.runs; x++ {
				res, err = limiter.Execute(context.Background(), req)
				require.NoError(t, err)
			}

			assert.Equal(t, ts.allowed, res.Allowed)
			assert.Equal(t, ts.count, res.CurrentCount)
			assert.Equal(t, ts.remaining, res.Remaining)
			assert.Equal(t, rate_limiter_service.StrategyFixedWindowRedis, res.StrategyUsed)
		})
	}
}

func TestFixedWindowLimiter_CounterResetsAtWindowBoundary(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Unix(1719137730, 0)
	limiter := NewFixedWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:auth:boundary-user",
		Limit:  2,
		Window: time.Minute,
	}

	for x := 0; x < 3; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	// crossing into the next window bucket starts a fresh counter
	now = now.Add(time.Minute)
	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint64(1), res.CurrentCount)
}

func TestFixedWindowLimiter_DeniedRequestReportsWindowRollover(t *testing.T) {
	client, _ := setupTestRedis(t)

	// 30 seconds into a minute bucket
	now := time.Unix(1719137730, 0)
	limiter := NewFixedWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:auth:rollover-user",
		Limit:  1,
		Window: time.Minute,
	}

	_, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
	assert.Equal(t, now.Add(30*time.Second), res.ResetAt)
}

func TestFixedWindowLimiter_FailsOpenOnStoreFailure(t *testing.T) {
	client, server := setupTestRedis(t)

	now := time.Unix(1719137730, 0)
	limiter := NewFixedWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:auth:failopen-user",
		Limit:  1,
		Window: time.Minute,
	}

	server.SetError("connection refused")

	// way past the limit, every request is still admitted
	for x := 0; x < 5; x++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, rate_limiter_service.StrategyFixedWindowOpen, res.StrategyUsed)
	}

	server.SetError("")
	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, rate_limiter_service.StrategyFixedWindowRedis, res.StrategyUsed)
}

func TestFixedWindowLimiter_PeekDoesNotIncrement(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Unix(1719137730, 0)
	limiter := NewFixedWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:auth:peek-user",
		Limit:  5,
		Window: time.Minute,
	}

	for x := 0; x < 2; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	for x := 0; x < 4; x++ {
		res, err := limiter.Peek(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), res.CurrentCount)
		assert.Equal(t, uint64(3), res.Remaining)
	}
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	client, _ := setupTestRedis(t)

	now := time.Unix(1719137730, 0)
	limiter := NewFixedWindowLimiter(client, func() time.Time {
		return now
	}, nil)

	req := &rate_limiter_service.Request{
		Key:    "rate_limit:auth:reset-user",
		Limit:  1,
		Window: time.Minute,
	}

	for x := 0; x < 2; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(context.Background(), req.Key))

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint64(1), res.CurrentCount)
}
