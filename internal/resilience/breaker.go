// Package resilience guards the dispatch path: a sliding-window rate limiter
// on inbound webhooks, a circuit breaker around the presence store, and a
// health monitor that gates new call admission.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// ErrBreakerOpen is returned when the breaker rejects a call without
// attempting the protected operation.
var ErrBreakerOpen = errors.New("resilience: circuit breaker open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Breaker wraps protected operations in a three-state circuit breaker. It
// opens after FailureThreshold consecutive failures, rejects calls for
// OpenTimeout, then admits a single probe; the probe's outcome decides
// whether the breaker closes again or re-opens.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker builds a breaker from config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Base().Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// Execute runs op through the breaker. A rejected call returns
// ErrBreakerOpen without invoking op.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State returns the breaker's current state name for health reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
