package ipc

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// uidLimiter applies a token bucket per peer uid and evicts idle buckets.
type uidLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byUID map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newUIDLimiter returns nil (no limiting) when rps or burst is not positive.
func newUIDLimiter(rps float64, burst int) *uidLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &uidLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byUID:   make(map[string]*limiterEntry),
	}
}

func (l *uidLimiter) Allow(uid int, now time.Time) bool {
	if l == nil {
		return true
	}
	key := strconv.Itoa(uid)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byUID[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUID[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byUID {
			if v.lastSeen.Before(cutoff) {
				delete(l.byUID, k)
			}
		}
	}
	return allowed
}
