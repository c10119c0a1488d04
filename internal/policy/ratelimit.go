package policy

import (
	"sync"
	"time"
)

// slidingLimiter tracks request timestamps per (user, class) key inside a
// rolling window. Counters are shared across concurrent requests so every
// mutation happens under the mutex.
type slidingLimiter struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

func newSlidingLimiter(window time.Duration) *slidingLimiter {
	return &slidingLimiter{
		window: window,
		now:    time.Now,
		events: make(map[string][]time.Time),
	}
}

// allow records one event for the key if capacity remains. When the limit is
// hit it returns false and the wait until the oldest event leaves the window.
func (l *slidingLimiter) allow(key string, limit int) (bool, time.Duration) {
	if limit <= 0 {
		return false, l.window
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.events[key] = kept
		retryAfter := l.window - now.Sub(kept[0])
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	l.events[key] = append(kept, now)
	return true, 0
}
