package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for the per-user token bucket.
type RateLimiterConfig struct {
	// MaxRequests is the bucket burst size and the steady-state requests
	// allowed per Window.
	MaxRequests int
	// Window is the period over which MaxRequests replenishes (e.g. 1 minute).
	Window time.Duration
	// CleanupInterval is how often idle user buckets are purged. Defaults to 5 minutes.
	CleanupInterval time.Duration
}

// userBucket pairs a token bucket limiter with the last time it was touched,
// so the cleanup goroutine can evict buckets nobody is using anymore.
type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a per-user token bucket rate limiter over
// golang.org/x/time/rate.
type RateLimiter struct {
	config  RateLimiterConfig
	mu      sync.Mutex
	buckets map[string]*userBucket
	nowFunc func() time.Time
	stopCh  chan struct{}
}

// NewRateLimiter creates a new rate limiter and starts a background cleanup goroutine.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*userBucket),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanup()
	return rl
}

// Stop halts the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// cleanup periodically removes buckets idle for longer than the window.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			cutoff := rl.nowFunc().Add(-rl.config.Window)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *RateLimiter) bucketFor(key string) *rate.Limiter {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		every := rate.Every(rl.config.Window / time.Duration(rl.config.MaxRequests))
		b = &userBucket{limiter: rate.NewLimiter(every, rl.config.MaxRequests)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow checks whether the given key (user ID) is within the rate limit.
// Returns (allowed, retryAfterSeconds).
func (rl *RateLimiter) Allow(key string) (bool, int) {
	limiter := rl.bucketFor(key)
	if limiter.AllowN(rl.nowFunc(), 1) {
		return true, 0
	}

	reservation := limiter.ReserveN(rl.nowFunc(), 1)
	retryAfter := int(reservation.Delay().Seconds()) + 1
	reservation.Cancel()
	return false, retryAfter
}

// RateLimit returns Chi middleware that enforces per-user rate limiting.
// It requires that auth middleware has already set the user ID in context.
// If no user ID is found, the client's remote address is used as fallback.
func RateLimit(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			allowed, retryAfter := rl.Allow(key)
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
