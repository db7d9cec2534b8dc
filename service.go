package rate_limiter_service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const keyPrefix = "rate_limit"

// Multi-level key suffixes and windows.
var levels = []struct {
	name   string
	window time.Duration
}{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// RateLimiter is the public admission control façade. It owns the config
// registry and dispatches checks to the injected strategy engines.
type RateLimiter struct {
	registry      *configRegistry
	slidingWindow Strategy
	fixedWindow   Strategy
	tokenBucket   Strategy
	logger        *zap.Logger
}

// RateLimiterOptions wires a RateLimiter. All three strategies are required;
// Logger may be nil.
type RateLimiterOptions struct {
	SlidingWindow Strategy
	FixedWindow   Strategy
	TokenBucket   Strategy
	Logger        *zap.Logger
}

// NewRateLimiter builds a RateLimiter with the built-in named configs
// (global, auth, ai_api, anonymous).
func NewRateLimiter(opts RateLimiterOptions) (*RateLimiter, error) {
	if opts.SlidingWindow == nil || opts.FixedWindow == nil || opts.TokenBucket == nil {
		return nil, fmt.Errorf("all three strategies are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		registry:      newConfigRegistry(),
		slidingWindow: opts.SlidingWindow,
		fixedWindow:   opts.FixedWindow,
		tokenBucket:   opts.TokenBucket,
		logger:        logger,
	}, nil
}

// RegisterConfig adds or replaces a named config at runtime.
func (rl *RateLimiter) RegisterConfig(name string, cfg *Config) {
	rl.registry.register(name, cfg)
}

// ResolveConfig returns the named config, falling back to the global policy
// for unknown names.
func (rl *RateLimiter) ResolveConfig(name string) *Config {
	return rl.registry.resolve(name)
}

// buildKey namespaces the caller key as
// rate_limit:{config}:{key}[:{identifier}].
func buildKey(configName, key, identifier string) string {
	parts := []string{keyPrefix, configName, key}
	if identifier != "" {
		parts = append(parts, identifier)
	}
	return strings.Join(parts, ":")
}

// strategyFor maps a config to its engine and request shape. Unknown strategy
// names fall back to the sliding window rather than failing the check.
func (rl *RateLimiter) strategyFor(cfg *Config, key string) (Strategy, *Request) {
	switch cfg.Strategy {
	case TokenBucket:
		rate := float64(cfg.RequestsPerMinute) / 60.0
		if cfg.RequestsPerSecond > 0 {
			rate = float64(cfg.RequestsPerSecond)
		}
		return rl.tokenBucket, &Request{
			Key:        key,
			Limit:      cfg.BurstSize,
			Capacity:   cfg.BurstSize,
			RefillRate: rate,
			Tokens:     1,
		}
	case FixedWindow:
		return rl.fixedWindow, &Request{
			Key:    key,
			Limit:  cfg.RequestsPerMinute,
			Window: cfg.WindowSize,
		}
	case SlidingWindow:
	default:
		rl.logger.Warn("unknown rate limit strategy, using sliding window",
			zap.String("strategy", cfg.Strategy))
	}
	return rl.slidingWindow, &Request{
		Key:    key,
		Limit:  cfg.RequestsPerMinute,
		Window: cfg.WindowSize,
	}
}

// CheckRateLimit decides one admission for the caller key under the named
// config, using the config's strategy at the per-minute threshold.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, key, configName, identifier string) (*Result, error) {
	cfg := rl.registry.resolve(configName)
	strat, req := rl.strategyFor(cfg, buildKey(configName, key, identifier))
	return strat.Execute(ctx, req)
}

// CheckMultiLevel evaluates the minute, hour and day thresholds with the
// sliding window algorithm regardless of the config's strategy, and returns
// all three results in that order. Overall admission is AllAllowed over the
// returned slice.
func (rl *RateLimiter) CheckMultiLevel(ctx context.Context, key, configName, identifier string) ([]*Result, error) {
	cfg := rl.registry.resolve(configName)
	base := buildKey(configName, key, identifier)

	results := make([]*Result, 0, len(levels))
	for _, level := range levels {
		res, err := rl.slidingWindow.Execute(ctx, &Request{
			Key:    base + ":" + level.name,
			Limit:  rl.levelLimit(cfg, level.name),
			Window: level.window,
		})
		if err != nil {
			return nil, fmt.Errorf("multi-level check failed at %s level: %w", level.name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (rl *RateLimiter) levelLimit(cfg *Config, level string) uint64 {
	switch level {
	case "hour":
		return cfg.RequestsPerHour
	case "day":
		return cfg.RequestsPerDay
	default:
		return cfg.RequestsPerMinute
	}
}

// Status is a read-only snapshot of the three time horizons for one caller.
type Status struct {
	Key    string
	Config string
	Minute *Result
	Hour   *Result
	Day    *Result
}

// GetStatus reports the current state of every level without consuming
// quota. It uses the strategies' Peek path only.
func (rl *RateLimiter) GetStatus(ctx context.Context, key, configName, identifier string) (*Status, error) {
	cfg := rl.registry.resolve(configName)
	base := buildKey(configName, key, identifier)

	status := &Status{Key: base, Config: configName}
	for _, level := range levels {
		res, err := rl.slidingWindow.Peek(ctx, &Request{
			Key:    base + ":" + level.name,
			Limit:  rl.levelLimit(cfg, level.name),
			Window: level.window,
		})
		if err != nil {
			return nil, fmt.Errorf("status peek failed at %s level: %w", level.name, err)
		}
		switch level.name {
		case "minute":
			status.Minute = res
		case "hour":
			status.Hour = res
		case "day":
			status.Day = res
		}
	}
	return status, nil
}

// Reset clears every derived key for the caller: the single-level key under
// the config's own strategy and the three multi-level sliding window keys.
// Administrative operation, not exposed to normal callers.
func (rl *RateLimiter) Reset(ctx context.Context, key, configName, identifier string) error {
	cfg := rl.registry.resolve(configName)
	base := buildKey(configName, key, identifier)

	strat, _ := rl.strategyFor(cfg, base)
	if err := strat.Reset(ctx, base); err != nil {
		return fmt.Errorf("failed to reset %v: %w", base, err)
	}
	for _, level := range levels {
		if err := rl.slidingWindow.Reset(ctx, base+":"+level.name); err != nil {
			return fmt.Errorf("failed to reset %v level of %v: %w", level.name, base, err)
		}
	}
	rl.logger.Info("rate limit state reset",
		zap.String("key", base),
		zap.String("config", configName))
	return nil
}
