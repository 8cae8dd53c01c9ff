package auth

import (
	"sync"
	"time"
)

// AttemptLimiter is a sliding-window per-key rate limiter. Expired windows
// are reclaimed lazily on access; there is no background sweep. It is the
// only shared mutable state in the auth subsystem and is safe for concurrent
// use.
type AttemptLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]*attemptWindow
	now     func() time.Time
}

type attemptWindow struct {
	count   int
	resetAt time.Time
}

// NewAttemptLimiter allows max attempts per key within window.
func NewAttemptLimiter(max int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		max:     max,
		window:  window,
		entries: make(map[string]*attemptWindow),
		now:     time.Now,
	}
}

// Allow records an attempt for key and reports whether it is within the
// limit.
func (l *AttemptLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	entry, ok := l.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		if len(l.entries) > 1024 {
			l.prune(now)
		}
		l.entries[key] = &attemptWindow{count: 1, resetAt: now.Add(l.window)}
		return true
	}

	entry.count++
	return entry.count <= l.max
}

// prune drops expired windows; caller holds the lock.
func (l *AttemptLimiter) prune(now time.Time) {
	for key, entry := range l.entries {
		if !now.Before(entry.resetAt) {
			delete(l.entries, key)
		}
	}
}
