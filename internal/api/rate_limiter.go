package api

import (
	"sync"
	"time"
)

// RateLimiter caps requests per caller in a fixed one-window bucket that
// restarts on the first request after the window elapses
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientLimit
	swept   time.Time
	now     func() time.Time
}

type clientLimit struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it is within the
// limit. When it is not, the second value is how long until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > 5*rl.window {
		rl.sweep(now)
	}
	limit, ok := rl.clients[key]
	if !ok || now.Sub(limit.windowStart) >= rl.window {
		rl.clients[key] = &clientLimit{count: 1, windowStart: now}
		return true, 0
	}

	if limit.count >= rl.limit {
		return false, limit.windowStart.Add(rl.window).Sub(now)
	}
	limit.count++
	return true, 0
}

// Cleanup drops callers idle for five windows. Allow also does this lazily.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(rl.now())
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.swept = now
	for key, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, key)
		}
	}
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
