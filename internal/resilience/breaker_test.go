package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func TestBreaker_PassesThroughWhileClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute})

	calls := 0
	err := b.Execute(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errBackend })
		require.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, "open", b.State())

	// Open breaker rejects without invoking the operation.
	calls := 0
	err := b.Execute(func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 0, calls)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, OpenTimeout: time.Minute})

	b.Execute(func() error { return errBackend })
	b.Execute(func() error { return errBackend })
	require.NoError(t, b.Execute(func() error { return nil }))

	// Two failures, a success, then two more failures must not trip.
	b.Execute(func() error { return errBackend })
	b.Execute(func() error { return errBackend })
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_ProbeClosesAfterTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, OpenTimeout: 30 * time.Millisecond})

	require.ErrorIs(t, b.Execute(func() error { return errBackend }), errBackend)
	assert.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	// Half-open admits one probe; its success closes the breaker.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 1, OpenTimeout: 30 * time.Millisecond})

	require.ErrorIs(t, b.Execute(func() error { return errBackend }), errBackend)
	time.Sleep(50 * time.Millisecond)

	require.ErrorIs(t, b.Execute(func() error { return errBackend }), errBackend)
	assert.Equal(t, "open", b.State())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrBreakerOpen)
}
