package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL   = 30 * time.Minute
	limiterSweepSize = 1024

	// A client may drive a few conversations at once before its own bucket
	// runs dry.
	clientRateFactor = 4
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per key (conversation id or client
// address).
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

// newKeyedLimiter returns nil, which allows everything, when perSecond is not
// positive.
func newKeyedLimiter(perSecond float64, burst int) *keyedLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &keyedLimiter{
		limiters: make(map[string]*limiterEntry, 64),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterSweepSize {
			l.sweepLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) sweepLocked(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.limiters, key)
		}
	}
}

// clientLimits fills in the per-client budget from the per-conversation one
// when it is not configured.
func clientLimits(cfg Config) (float64, int) {
	perSecond, burst := cfg.ClientRateLimit, cfg.ClientRateBurst
	if perSecond <= 0 {
		perSecond = cfg.RateLimit * clientRateFactor
	}
	if burst <= 0 {
		burst = max(cfg.RateBurst, 1) * clientRateFactor
	}
	return perSecond, burst
}

// clientKey is the caller's IP. RemoteAddr already holds the forwarded
// address when middleware.RealIP ran.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
