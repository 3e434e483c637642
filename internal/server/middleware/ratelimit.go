package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterStaleAfter    = 30 * time.Minute
)

// visitorLimiters tracks one token bucket per client address.
type visitorLimiters struct {
	mu    sync.Mutex
	perIP map[string]*visitor

	rps   rate.Limit
	burst int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (v *visitorLimiters) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	vis, ok := v.perIP[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.perIP[ip] = vis
	}
	vis.lastSeen = time.Now()
	return vis.limiter.Allow()
}

// sweep drops limiters idle past the staleness bound so the map does not
// grow with every address ever seen.
func (v *visitorLimiters) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-limiterStaleAfter)
			v.mu.Lock()
			for ip, vis := range v.perIP {
				if vis.lastSeen.Before(cutoff) {
					delete(v.perIP, ip)
				}
			}
			v.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// RateLimitByIP applies per-IP rate limiting across the API. The client
// address comes from r.RemoteAddr, which chi's RealIP middleware rewrites
// to the forwarded address when one is present. ctx bounds the lifetime
// of the stale-entry sweeper.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := &visitorLimiters{
		perIP: make(map[string]*visitor),
		rps:   rate.Limit(requestsPerSecond),
		burst: burst,
	}
	go limiters.sweep(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiters.allow(r.RemoteAddr) {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
