package rate_limiting_strategies

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Shared-store keys outlive their window by this much so a store restart does
// not leak keys forever while slow clocks do not expire live state.
const ttlGrace = 60 * time.Second

// storeHealth tracks whether a strategy is currently serving from its
// degraded path. Transitions are logged once, not per request.
type storeHealth struct {
	strategy string
	logger   *zap.Logger
	degraded atomic.Bool
}

func newStoreHealth(strategy string, logger *zap.Logger) *storeHealth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &storeHealth{strategy: strategy, logger: logger}
}

func (h *storeHealth) failed(err error) {
	if h.degraded.CompareAndSwap(false, true) {
		h.logger.Warn("shared store unavailable, entering degraded mode",
			zap.String("strategy", h.strategy),
			zap.Error(err))
	}
}

func (h *storeHealth) recovered() {
	if h.degraded.CompareAndSwap(true, false) {
		h.logger.Info("shared store reachable again, leaving degraded mode",
			zap.String("strategy", h.strategy))
	}
}
