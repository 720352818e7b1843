package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oobauth/server/internal/repo"
)

// Limiter decides whether another request for key may proceed. retryAfter is set when it may not.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RateLimiter implements a simple in-memory rate limiter using a sliding window.
// It only sees the requests of its own process.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	window   time.Duration
	maxReqs  int
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(window time.Duration, maxReqs int) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		window:   window,
		maxReqs:  maxReqs,
		stop:     make(chan struct{}),
	}

	// Cleanup goroutine to remove old entries
	go rl.cleanup()

	return rl
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	// Remove requests outside the window
	reqs := rl.requests[key]
	filtered := make([]time.Time, 0, len(reqs)+1)
	for _, t := range reqs {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}

	// Check if we've exceeded the limit
	if len(filtered) >= rl.maxReqs {
		rl.requests[key] = filtered
		retryAfter := filtered[0].Add(rl.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}

	// Add current request
	rl.requests[key] = append(filtered, now)
	return true, 0, nil
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// cleanup periodically removes old entries to prevent memory leaks
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window * 2) // Keep entries for 2x window

		for key, reqs := range rl.requests {
			filtered := make([]time.Time, 0)
			for _, t := range reqs {
				if t.After(cutoff) {
					filtered = append(filtered, t)
				}
			}

			if len(filtered) == 0 {
				delete(rl.requests, key)
			} else {
				rl.requests[key] = filtered
			}
		}
		rl.mu.Unlock()
	}
}

// StoreLimiter is a fixed-window limiter on the shared rate_counters table, so every
// worker process enforces one budget per key.
type StoreLimiter struct {
	counters repo.CounterRepo
	window   time.Duration
	maxReqs  int
	now      func() time.Time
}

// NewStoreLimiter creates a limiter backed by counters
func NewStoreLimiter(counters repo.CounterRepo, window time.Duration, maxReqs int) *StoreLimiter {
	return &StoreLimiter{
		counters: counters,
		window:   window,
		maxReqs:  maxReqs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Allow counts the request and refuses it once the window budget is spent
func (l *StoreLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	hits, resetAt, err := l.counters.Hit(ctx, key, l.window, now)
	if err != nil {
		return false, 0, err
	}
	if hits <= l.maxReqs {
		return true, 0, nil
	}

	retryAfter := resetAt.Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// RateLimitMiddleware creates a rate limiting middleware. A limiter error lets the request through.
func RateLimitMiddleware(limiter Limiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, retryAfter, err := limiter.Allow(r.Context(), key)
			if err != nil {
				log.Printf("rate limiter unavailable for %s: %v", key, err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
				w.WriteHeader(http.StatusTooManyRequests)
				response := map[string]string{"error": "too many login attempts, try again later"}
				_ = json.NewEncoder(w).Encode(response)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the request's client address without port. Forwarding headers
// only count after TrustedRealIP has accepted them into RemoteAddr.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// GetIPKey extracts IP address from request for rate limiting
func GetIPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// LoginKey scopes the per-IP budget to the login endpoint
func LoginKey(r *http.Request) string {
	return "login:" + ClientIP(r)
}
