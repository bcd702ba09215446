package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// tokenBucket smooths per-caller traffic: capacity allows bursts, the
// refill rate enforces the long-term maximum.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes one token when available. It returns the remaining
// token count and, on rejection, when the next token arrives.
func (b *tokenBucket) allow() (ok bool, remaining int, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, int(b.tokens), 0
	}
	wait := time.Duration((1.0 - b.tokens) / b.refillRate * float64(time.Second))
	return false, 0, wait
}

// RateLimiter holds one token bucket per caller. Process-local; every
// process enforces the configured rate independently.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	window  time.Duration
	max     int
}

// NewRateLimiter creates a limiter allowing max requests per window for
// each caller, with burst capacity equal to max.
func NewRateLimiter(windowSec, max int) *RateLimiter {
	if windowSec <= 0 {
		windowSec = 60
	}
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		window:  time.Duration(windowSec) * time.Second,
		max:     max,
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) bucket(caller string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[caller]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[caller]; ok {
		return b
	}
	b = newTokenBucket(rl.max, float64(rl.max)/rl.window.Seconds())
	rl.buckets[caller] = b
	return b
}

// Allow reports whether the caller may proceed.
func (rl *RateLimiter) Allow(caller string) (ok bool, remaining int, retryAfter time.Duration) {
	return rl.bucket(caller).allow()
}

// cleanupLoop drops buckets that have been idle for over an hour.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for caller, b := range rl.buckets {
			b.mu.Lock()
			idle := time.Since(b.lastRefill) > time.Hour
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, caller)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware enforces the per-caller rate after admission.
// Callers are keyed by user id, falling back to the API key for
// requests that carry no user identity. A nil limiter disables the
// check.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			id := IdentityFrom(r.Context())
			caller := id.UserID
			if caller == "" && id.Key != nil {
				caller = id.Key.ID
			}
			if caller == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, remaining, retryAfter := limiter.Allow(caller)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.max))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !ok {
				seconds := int(retryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				log.Ctx(r.Context()).Warn().
					Str("caller", caller).
					Str("path", r.URL.Path).
					Int("retryAfter", seconds).
					Msg("rate limit exceeded")
				writeError(w, r, http.StatusTooManyRequests, "rate_limited",
					"rate limit exceeded, retry after "+strconv.Itoa(seconds)+" seconds")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
