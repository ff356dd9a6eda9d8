package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key. Idle keys are dropped lazily.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter() *Limiter {
	now := func() time.Time { return time.Now().UTC() }
	return &Limiter{buckets: map[string]*entry{}, lastGC: now(), now: now}
}

// Allow reports whether key may proceed under limit events per window.
// A fresh key may burst up to limit at once.
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, e := range l.buckets {
			if now.Sub(e.lastSeen) > 3*window {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	e, ok := l.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)}
		l.buckets[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}
