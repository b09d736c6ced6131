package api

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window counter per client address.
type rateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	start time.Time
	count int
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		windows: make(map[string]*clientWindow),
	}
}

// Allow records one request for addr. When the window is exhausted it returns
// false and the time remaining until the window resets.
func (l *rateLimiter) Allow(addr string) (time.Duration, bool) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[addr]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[addr] = &clientWindow{start: now, count: 1}
		l.expireLocked(now)
		return 0, true
	}
	if w.count >= l.max {
		return l.window - now.Sub(w.start), false
	}
	w.count++
	return 0, true
}

// expireLocked drops stale windows so the map does not grow with every client
// ever seen. Runs opportunistically on window rollover.
func (l *rateLimiter) expireLocked(now time.Time) {
	for addr, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, addr)
		}
	}
}
