package server

import (
	"sync"
	"time"
)

const (
	defaultLoginAttempts = 10
	defaultLoginWindow   = time.Minute
	limiterPruneSize     = 1024
)

type loginWindow struct {
	start time.Time
	count int
}

// loginLimiter throttles login attempts per client address with a fixed
// window. Counts reset when the window rolls over; there is no smoothing.
type loginLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   func() time.Time
	windows map[string]loginWindow
}

func newLoginLimiter(limit int, window time.Duration, clock func() time.Time) *loginLimiter {
	if limit <= 0 {
		limit = defaultLoginAttempts
	}
	if window <= 0 {
		window = defaultLoginWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &loginLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]loginWindow),
	}
}

func (l *loginLimiter) allow(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if len(l.windows) > limiterPruneSize {
		l.pruneLocked(now)
	}

	current, ok := l.windows[address]
	if !ok || now.Sub(current.start) >= l.window {
		l.windows[address] = loginWindow{start: now, count: 1}
		return true
	}

	current.count++
	l.windows[address] = current
	return current.count <= l.limit
}

func (l *loginLimiter) pruneLocked(now time.Time) {
	for address, current := range l.windows {
		if now.Sub(current.start) >= l.window {
			delete(l.windows, address)
		}
	}
}
