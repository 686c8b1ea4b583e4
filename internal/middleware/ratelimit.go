package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per key with a token bucket.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	key   func(*http.Request) string

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst. key selects the bucket; nil keys by client IP.
func NewRateLimiter(rps float64, burst int, key func(*http.Request) string) *RateLimiter {
	if key == nil {
		key = ClientIP
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		key:      key,
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request for key may proceed now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	cl, ok := l.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = cl
	}
	cl.lastSeen = time.Now()
	l.mu.Unlock()

	return cl.limiter.Allow()
}

// Handler returns the middleware.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(l.key(r)) {
			slog.Debug("Rate limit exceeded", "path", r.URL.Path, "key", l.key(r))
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops buckets idle for longer than ttl.
func (l *RateLimiter) Cleanup(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, cl := range l.limiters {
		if time.Since(cl.lastSeen) > ttl {
			delete(l.limiters, k)
			removed++
		}
	}
	return removed
}

// StartCleanup periodically drops idle buckets until ctx is done.
func (l *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup(limiterIdleTTL)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ClientIP returns the request's remote IP. chi's RealIP middleware has
// already applied trusted proxy headers by the time this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
