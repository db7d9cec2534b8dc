package rate_limiter_service

import (
	"sync"
	"time"
)

// Strategy names selectable in a Config.
const (
	SlidingWindow = "sliding_window"
	FixedWindow   = "fixed_window"
	TokenBucket   = "token_bucket"
)

// Built-in configuration names. Unknown names resolve to ConfigGlobal.
const (
	ConfigGlobal    = "global"
	ConfigAuth      = "auth"
	ConfigAIAPI     = "ai_api"
	ConfigAnonymous = "anonymous"
)

// Config holds the thresholds for one named rate limit policy. Values are
// immutable after construction; replace the whole value to change a policy.
type Config struct {
	RequestsPerSecond uint64
	RequestsPerMinute uint64
	RequestsPerHour   uint64
	RequestsPerDay    uint64
	BurstSize         uint64
	WindowSize        time.Duration
	Strategy          string
}

// ConfigOption overrides a derived field on a new Config.
type ConfigOption func(*Config)

// WithRequestsPerHour sets an explicit hourly threshold.
func WithRequestsPerHour(n uint64) ConfigOption {
	return func(c *Config) { c.RequestsPerHour = n }
}

// WithRequestsPerDay sets an explicit daily threshold.
func WithRequestsPerDay(n uint64) ConfigOption {
	return func(c *Config) { c.RequestsPerDay = n }
}

// WithBurstSize sets an explicit token bucket capacity.
func WithBurstSize(n uint64) ConfigOption {
	return func(c *Config) { c.BurstSize = n }
}

// WithStrategy selects the admission algorithm for single-level checks.
func WithStrategy(name string) ConfigOption {
	return func(c *Config) { c.Strategy = name }
}

// WithWindowSize sets the window used by the window strategies.
func WithWindowSize(d time.Duration) ConfigOption {
	return func(c *Config) { c.WindowSize = d }
}

// NewConfig builds a Config from a per-minute threshold. Omitted fields are
// derived: hour = minute*60, day = hour*24, burst = min(minute/4, 50),
// per-second = minute/60 (at least 1). These derivations are relied on by
// existing callers and must not change.
func NewConfig(requestsPerMinute uint64, opts ...ConfigOption) *Config {
	cfg := &Config{
		RequestsPerMinute: requestsPerMinute,
		WindowSize:        time.Minute,
		Strategy:          SlidingWindow,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.RequestsPerHour == 0 {
		cfg.RequestsPerHour = cfg.RequestsPerMinute * 60
	}
	if cfg.RequestsPerDay == 0 {
		cfg.RequestsPerDay = cfg.RequestsPerHour * 24
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.RequestsPerMinute / 4
		if cfg.BurstSize > 50 {
			cfg.BurstSize = 50
		}
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = cfg.RequestsPerMinute / 60
		if cfg.RequestsPerSecond == 0 {
			cfg.RequestsPerSecond = 1
		}
	}
	return cfg
}

// configRegistry maps config names to policies. It is owned by a RateLimiter
// instance so tests can build isolated registries.
type configRegistry struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func newConfigRegistry() *configRegistry {
	return &configRegistry{
		configs: map[string]*Config{
			ConfigGlobal:    NewConfig(100),
			ConfigAuth:      NewConfig(10, WithStrategy(FixedWindow)),
			ConfigAIAPI:     NewConfig(20, WithStrategy(TokenBucket), WithBurstSize(10)),
			ConfigAnonymous: NewConfig(30),
		},
	}
}

// resolve returns the named config, defaulting to the global policy for
// unknown names.
func (r *configRegistry) resolve(name string) *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.configs[name]; ok {
		return cfg
	}
	return r.configs[ConfigGlobal]
}

// register adds or replaces a named config.
func (r *configRegistry) register(name string, cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}
