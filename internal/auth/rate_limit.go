package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"curator/internal/observability"
)

// rateLimiterMaxEntries bounds the per-IP hit map so unauthenticated traffic
// cannot grow it without limit.
const rateLimiterMaxEntries = 5000

// RequestRateLimiter caps request rate per client IP on the unauthenticated
// auth endpoints. It runs before the credential throttle: the throttle counts
// failed attempts per username|ip, this counts raw requests per IP, so
// challenge creation and registration probes are bounded even when no
// credential check ever fails.
type RequestRateLimiter struct {
	mu         sync.Mutex
	maxHits    int
	window     time.Duration
	hitsByIP   map[string][]time.Time
	maxEntries int
	now        func() time.Time
}

func NewRequestRateLimiter(maxHits int, window time.Duration) *RequestRateLimiter {
	if maxHits <= 0 {
		maxHits = 30
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RequestRateLimiter{
		maxHits:    maxHits,
		window:     window,
		hitsByIP:   make(map[string][]time.Time),
		maxEntries: rateLimiterMaxEntries,
		now:        time.Now,
	}
}

// Middleware rejects over-limit requests with 429 and a Retry-After header.
func (l *RequestRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.Allow(observability.ClientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Allow records a hit for the IP and reports whether it is within the window
// budget. When it is not, the second return is how long until the oldest hit
// leaves the window.
func (l *RequestRateLimiter) Allow(ip string) (bool, time.Duration) {
	now := l.now().UTC()
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitsByIP[ip]
	live := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			live = append(live, hit)
		}
	}

	if len(live) >= l.maxHits {
		retryAfter := live[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitsByIP[ip] = live
		return false, retryAfter
	}

	live = append(live, now)
	l.hitsByIP[ip] = live

	if len(l.hitsByIP) > l.maxEntries {
		for key, value := range l.hitsByIP {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitsByIP, key)
			}
		}
	}

	return true, 0
}
