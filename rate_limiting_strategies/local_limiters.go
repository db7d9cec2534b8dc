package rate_limiting_strategies

import (
	"container/list"
	"sync"
	"time"

	"github.com/aryangodara/rate_limiter_service"
)

// Local fallback state is bounded so high key cardinality during a store
// outage cannot grow process memory without limit.
const defaultMaxLocalKeys = 4096

// lruKeys tracks keys in least-recently-used order. Not safe for concurrent
// use; callers hold their own lock.
type lruKeys struct {
	max   int
	items map[string]*list.Element
	order *list.List
}

func newLRUKeys(max int) *lruKeys {
	if max <= 0 {
		max = defaultMaxLocalKeys
	}
	return &lruKeys{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// touch marks key as most recently used and returns any keys evicted to keep
// the tracker within its bound.
func (l *lruKeys) touch(key string) []string {
	if element, ok := l.items[key]; ok {
		l.order.MoveToFront(element)
		return nil
	}
	l.items[key] = l.order.PushFront(key)

	var evicted []string
	for len(l.items) > l.max {
		back := l.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(string)
		l.order.Remove(back)
		delete(l.items, old)
		evicted = append(evicted, old)
	}
	return evicted
}

func (l *lruKeys) remove(key string) {
	if element, ok := l.items[key]; ok {
		l.order.Remove(element)
		delete(l.items, key)
	}
}

// localSlidingWindow is the in-process fallback for the sliding window
// strategy: one timestamp queue per key, each behind its own lock so
// unrelated callers never serialize. It is deliberately stricter than the
// shared-store path (admit on count < limit) because local state does not
// merge across processes.
type localSlidingWindow struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	lru     *lruKeys
}

type localWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

func newLocalSlidingWindow(maxKeys int) *localSlidingWindow {
	return &localSlidingWindow{
		windows: make(map[string]*localWindow),
		lru:     newLRUKeys(maxKeys),
	}
}

func (w *localSlidingWindow) window(key string) *localWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.windows[key]
	if !ok {
		entry = &localWindow{}
		w.windows[key] = entry
	}
	for _, old := range w.lru.touch(key) {
		delete(w.windows, old)
	}
	return entry
}

// check evaluates the window at now. When consume is false the call is a
// side-effect-free peek and Allowed reports whether a request would be
// admitted right now.
func (w *localSlidingWindow) check(now time.Time, r *rate_limiter_service.Request, consume bool) *rate_limiter_service.Result {
	entry := w.window(r.Key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-r.Window)
	kept := entry.stamps[:0]
	for _, ts := range entry.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	entry.stamps = kept

	count := uint64(len(entry.stamps))
	allowed := count < r.Limit
	if consume && allowed {
		entry.stamps = append(entry.stamps, now)
		count++
	}

	resetAt := now.Add(r.Window)
	var retryAfter time.Duration
	if len(entry.stamps) > 0 {
		resetAt = entry.stamps[0].Add(r.Window)
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
		StrategyUsed: rate_limiter_service.StrategySlidingWindowLocal,
	}
}

func (w *localSlidingWindow) reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.windows, key)
	w.lru.remove(key)
}

// localTokenBucket is the in-process fallback for the token bucket strategy.
type localTokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	lru     *lruKeys
}

type localBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	primed     bool
}

func newLocalTokenBucket(maxKeys int) *localTokenBucket {
	return &localTokenBucket{
		buckets: make(map[string]*localBucket),
		lru:     newLRUKeys(maxKeys),
	}
}

func (b *localTokenBucket) bucket(key string) *localBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.buckets[key]
	if !ok {
		entry = &localBucket{}
		b.buckets[key] = entry
	}
	for _, old := range b.lru.touch(key) {
		delete(b.buckets, old)
	}
	return entry
}

// take refills and, when consume is set, spends the requested tokens. The
// refill-then-consume sequence runs under the bucket's own lock.
func (b *localTokenBucket) take(now time.Time, r *rate_limiter_service.Request, consume bool) *rate_limiter_service.Result {
	requested := r.Tokens
	if requested == 0 {
		requested = 1
	}

	entry := b.bucket(r.Key)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.primed {
		entry.tokens = float64(r.Capacity)
		entry.lastRefill = now
		entry.primed = true
	}

	// Clock skew must never mint tokens.
	elapsed := now.Sub(entry.lastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := entry.tokens + elapsed.Seconds()*r.RefillRate
	if tokens > float64(r.Capacity) {
		tokens = float64(r.Capacity)
	}

	allowed := tokens >= float64(requested)
	if consume {
		if allowed {
			tokens -= float64(requested)
		}
		entry.tokens = tokens
		entry.lastRefill = now
	}

	var retryAfter time.Duration
	if !allowed && r.RefillRate > 0 {
		retryAfter = time.Duration((float64(requested) - tokens) / r.RefillRate * float64(time.Second))
	}
	resetAt := now
	if r.RefillRate > 0 {
		resetAt = now.Add(time.Duration((float64(r.Capacity) - tokens) / r.RefillRate * float64(time.Second)))
	}

	return &rate_limiter_service.Result{
		Allowed:      allowed,
		Limit:        r.Capacity,
		Remaining:    uint64(tokens),
		CurrentCount: r.Capacity - uint64(tokens),
		ResetAt:      resetAt,
		RetryAfter:   retryAfter,
		StrategyUsed: rate_limiter_service.StrategyTokenBucketLocal,
	}
}

func (b *localTokenBucket) reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
	b.lru.remove(key)
}
