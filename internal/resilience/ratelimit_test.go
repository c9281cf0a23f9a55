package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewRateLimiter(100, time.Minute)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("+15551234567"), "request %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("+15551234567"), "request 101 should be denied")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"), "a different key has its own window")
}

func TestRateLimiter_RequestsAgeOut(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	// 61s after the first request it has aged out, freeing one slot; the
	// second request is still inside the window.
	now = now.Add(31 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestRateLimiter_DeniedRequestsNotRecorded(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	for i := 0; i < 50; i++ {
		assert.False(t, l.Allow("k"))
	}

	// Only the admitted request occupies the window.
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("k"))
}

func TestRateLimiter_PruneDropsIdleKeys(t *testing.T) {
	now := time.Now()
	l := NewRateLimiter(5, time.Minute)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	l.Allow("active")

	now = now.Add(2 * time.Minute)
	l.Allow("active")
	l.Prune()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.entries, "idle")
	assert.Contains(t, l.entries, "active")
}
