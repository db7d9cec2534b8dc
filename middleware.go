package rate_limiter_service

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	_ http.Handler = &httpRateLimiterHandler{}
	_ Extractor    = &httpHeaderExtractor{}
	_ Extractor    = &ipExtractor{}
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerRetryAfter = "Retry-After"
)

// Extractor extracts a key from an HTTP request for rate limiting.
type Extractor interface {
	Extract(r *http.Request) (string, error)
}

type httpHeaderExtractor struct {
	headers []string
}

// Extract extracts values from HTTP headers to build the key.
func (h *httpHeaderExtractor) Extract(r *http.Request) (string, error) {
	values := make([]string, 0, len(h.headers))

	for _, key := range h.headers {
		// if we can't find a value for a header we should return an error
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			values = append(values, value)
		} else {
			return "", fmt.Errorf("header %v must have a value set", key)
		}
	}

	return strings.Join(values, "-"), nil
}

// NewHttpHeaderExtractor creates a new Extractor reading the given headers.
func NewHttpHeaderExtractor(headers ...string) Extractor {
	return &httpHeaderExtractor{headers: headers}
}

type ipExtractor struct{}

// Extract returns the client IP, preferring X-Forwarded-For, then X-Real-IP,
// then RemoteAddr with the port stripped.
func (e *ipExtractor) Extract(r *http.Request) (string, error) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip, nil
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri, nil
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		addr = addr[:idx]
	}
	if addr == "" {
		return "", fmt.Errorf("request carries no usable client address")
	}
	return addr, nil
}

// NewIPExtractor creates an Extractor keyed on the client IP.
func NewIPExtractor() Extractor {
	return &ipExtractor{}
}

// MiddlewareConfig holds configuration for the admission middleware.
type MiddlewareConfig struct {
	Limiter    *RateLimiter
	Extractor  Extractor
	ConfigName string
	// Identifier scopes the caller key further, e.g. per endpoint.
	Identifier string
	// MultiLevel switches the check to the minute/hour/day composite.
	MultiLevel bool
	// BypassFunc skips rate limiting entirely when it returns true.
	BypassFunc func(*http.Request) bool
}

type httpRateLimiterHandler struct {
	handler http.Handler
	config  *MiddlewareConfig
}

// NewHTTPRateLimiterHandler wraps an existing http.Handler and performs rate
// limiting before forwarding the request to the API.
func NewHTTPRateLimiterHandler(originalHandler http.Handler, config *MiddlewareConfig) http.Handler {
	if config.Extractor == nil {
		config.Extractor = NewIPExtractor()
	}
	return &httpRateLimiterHandler{
		handler: originalHandler,
		config:  config,
	}
}

// Middleware adapts the handler wrapper to the func(http.Handler)
// http.Handler form used by router packages.
func Middleware(config *MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return NewHTTPRateLimiterHandler(next, config)
	}
}

// ServeHTTP performs rate limiting and forwards the request if allowed.
func (h *httpRateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.BypassFunc != nil && h.config.BypassFunc(r) {
		h.handler.ServeHTTP(w, r)
		return
	}

	key, err := h.config.Extractor.Extract(r)
	if err != nil {
		h.writeResponse(w, http.StatusBadRequest, "failed to build rate limiting key from request: %v", err)
		return
	}

	result, err := h.check(r, key)
	if err != nil {
		h.writeResponse(w, http.StatusInternalServerError, "failed to run rate limiting for request: %v", err)
		return
	}

	w.Header().Set(headerLimit, strconv.FormatUint(result.Limit, 10))
	w.Header().Set(headerRemaining, strconv.FormatUint(result.Remaining, 10))
	w.Header().Set(headerReset, strconv.FormatInt(result.ResetAt.Unix(), 10))

	if !result.Allowed {
		retryAfter := int64(result.RetryAfter / time.Second)
		if result.RetryAfter > 0 && retryAfter == 0 {
			retryAfter = 1
		}
		if retryAfter > 0 {
			w.Header().Set(headerRetryAfter, strconv.FormatInt(retryAfter, 10))
		}
		h.writeResponse(w, http.StatusTooManyRequests, "you have sent too many requests to this service, slow down please")
		return
	}

	h.handler.ServeHTTP(w, r)
}

// check runs either the single-level or the multi-level composite and folds
// the outcome into one result. For the composite, the most constrained level
// wins the headers.
func (h *httpRateLimiterHandler) check(r *http.Request, key string) (*Result, error) {
	if !h.config.MultiLevel {
		return h.config.Limiter.CheckRateLimit(r.Context(), key, h.config.ConfigName, h.config.Identifier)
	}

	results, err := h.config.Limiter.CheckMultiLevel(r.Context(), key, h.config.ConfigName, h.config.Identifier)
	if err != nil {
		return nil, err
	}
	folded := results[0]
	for _, res := range results[1:] {
		if !res.Allowed || (folded.Allowed && res.Remaining < folded.Remaining) {
			folded = res
		}
		if !folded.Allowed {
			break
		}
	}
	return folded, nil
}

func (h *httpRateLimiterHandler) writeResponse(w http.ResponseWriter, status int, msg string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(fmt.Sprintf(msg, args...))); err != nil {
		fmt.Printf("failed to write body to HTTP request: %v", err)
	}
}
