package tinyids

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// connLimiter applies a token bucket per client address and periodically
// evicts idle entries. A nil limiter allows everything.
type connLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newConnLimiter returns nil when cfg disables limiting.
func newConnLimiter(cfg RateLimitConfig) *connLimiter {
	if cfg.PerSecond <= 0 || cfg.Burst <= 0 {
		return nil
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &connLimiter{
		limit:   rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
		idleTTL: ttl,
		byKey:   make(map[string]*limiterEntry),
	}
}

// Allow reports whether a connection from key may proceed at now.
func (l *connLimiter) Allow(key string, now time.Time) bool {
	if l == nil || key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
