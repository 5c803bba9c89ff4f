/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-key fixed-window rate limiter backed by a bounded
             expirable LRU cache instead of an unbounded map, so an
             attacker cycling publisher ids or source IPs cannot grow
             limiter state without bound.
Root Cause:  The write surface (fill/intent/postback) is open to
             publisher- and advertiser-controlled traffic and needs a
             cheap per-key throttle ahead of the command layer.
Context:     Mounted on the write routes only; report/delivery/health
             are read-only and exempt.
Suitability: L3 — bounded-memory adaptation of a standard fixed
             window limiter.
──────────────────────────────────────────────────────────────
*/

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// RateLimiter throttles requests per key (publisher id, falling back
// to remote address) over a fixed window. State is held in a bounded
// expirable LRU so idle keys age out instead of accumulating forever.
type RateLimiter struct {
	logger  zerolog.Logger
	enabled bool
	limit   int
	window  time.Duration
	cache   *lru.LRU[string, *bucket]
	mu      sync.Mutex
	bypass  map[string]struct{}
}

type bucket struct {
	mu    sync.Mutex
	count int
	resetAt time.Time
}

// NewRateLimiter creates a rate limiter allowing limit requests per
// window, per key, with state for up to maxKeys distinct keys. Requests
// whose source IP is in bypass (e.g. trusted publisher IPs) are never
// throttled, whatever their key.
func NewRateLimiter(logger zerolog.Logger, enabled bool, limit int, window time.Duration, maxKeys int, bypass []string) *RateLimiter {
	if limit <= 0 {
		limit = 120
	}
	if window <= 0 {
		window = time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	bypassSet := make(map[string]struct{}, len(bypass))
	for _, k := range bypass {
		bypassSet[k] = struct{}{}
	}
	return &RateLimiter{
		logger:  logger,
		enabled: enabled,
		limit:   limit,
		window:  window,
		cache:   lru.NewLRU[string, *bucket](maxKeys, nil, 2*window),
		bypass:  bypassSet,
	}
}

// Handler returns rate-limiting middleware. key extracts the caller
// identity to bucket on (typically the publisher_id query/body field
// once parsed, or the remote address as a fallback).
func (rl *RateLimiter) Handler(key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.enabled {
				next.ServeHTTP(w, r)
				return
			}
			k := key(r)
			if k == "" {
				k = r.RemoteAddr
			}
			if _, exempt := rl.bypass[remoteIP(r)]; exempt {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt := rl.allow(k)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(time.Until(resetAt).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limited","retry_after":%d}`, retryAfter)
				rl.logger.Warn().Str("key", k).Int("limit", rl.limit).Msg("rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP strips the port from r.RemoteAddr, falling back to the raw
// value if it isn't a host:port pair (e.g. in unit tests).
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) allow(key string) (bool, int, time.Time) {
	rl.mu.Lock()
	b, ok := rl.cache.Get(key)
	if !ok {
		b = &bucket{resetAt: time.Now().Add(rl.window)}
		rl.cache.Add(key, b)
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rl.window)
	}
	if b.count >= rl.limit {
		return false, 0, b.resetAt
	}
	b.count++
	return true, rl.limit - b.count, b.resetAt
}
