package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttemptLimiterAllowsWithinLimit(t *testing.T) {
	limiter := NewAttemptLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "attempt %d", i+1)
	}
	assert.False(t, limiter.Allow("10.0.0.1"), "sixth attempt must be rejected")
}

func TestAttemptLimiterIsPerKey(t *testing.T) {
	limiter := NewAttemptLimiter(1, time.Minute)

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))
}

func TestAttemptLimiterWindowElapses(t *testing.T) {
	limiter := NewAttemptLimiter(2, time.Minute)
	current := time.Now()
	limiter.now = func() time.Time { return current }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))

	current = current.Add(61 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.1"), "window elapsed, attempts allowed again")
}

func TestAttemptLimiterPrunesExpiredEntries(t *testing.T) {
	limiter := NewAttemptLimiter(1, time.Minute)
	current := time.Now()
	limiter.now = func() time.Time { return current }

	for i := 0; i < 1500; i++ {
		limiter.Allow(string(rune('a'+i%26)) + string(rune('0'+i%10)))
	}
	current = current.Add(2 * time.Minute)
	limiter.Allow("fresh-key")
	assert.Less(t, len(limiter.entries), 1500)
}
