package bot

import (
	"sync"
	"time"
)

// rateLimiter caps how many messages a sender may route per fixed window.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	counts    map[int64]*windowCount
	lastSweep time.Time
}

type windowCount struct {
	start time.Time
	n     int
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window: window,
		max:    max,
		counts: make(map[int64]*windowCount),
	}
}

// allow reports whether the sender may route another message now, counting
// it against the current window when permitted.
func (l *rateLimiter) allow(userID int64, now time.Time) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	wc, ok := l.counts[userID]
	if !ok || now.Sub(wc.start) >= l.window {
		l.counts[userID] = &windowCount{start: now, n: 1}
		return true
	}
	if wc.n >= l.max {
		return false
	}
	wc.n++
	return true
}

// sweep drops expired windows at most once per window, keeping the map
// bounded by the set of recently active senders.
func (l *rateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for userID, wc := range l.counts {
		if now.Sub(wc.start) >= l.window {
			delete(l.counts, userID)
		}
	}
}
