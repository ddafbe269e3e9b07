package httpapi

import (
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter rate-limits requests per key. The least recently seen keys are
// evicted once maxKeys limiters exist.
type Limiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rps      rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing rps requests per second with the given burst per key.
func NewLimiter(rps float64, burst, maxKeys int) *Limiter {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if burst <= 0 {
		burst = 1
	}
	// lru.New only fails for a non-positive size
	c, _ := lru.New[string, *rate.Limiter](maxKeys)
	return &Limiter{limiters: c, rps: rate.Limit(rps), burst: burst}
}

// Allow reports whether a request for key may proceed.
func (l *Limiter) Allow(key string) bool {
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(key, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by the first X-Forwarded-For hop or the remote IP.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
