package resilience

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// Check is one named health probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// CheckResult is the outcome of one probe in a report.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report is the aggregate outcome of one monitoring sweep.
type Report struct {
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Checks              []CheckResult `json:"checks"`
	CheckedAt           time.Time     `json:"checked_at"`
}

// HealthMonitor runs the configured checks on an interval and tracks
// aggregate backend health. The service declines new calls while unhealthy.
// The monitor starts healthy, turns unhealthy after maxFailures consecutive
// failed sweeps, and recovers on the first fully successful sweep.
type HealthMonitor struct {
	checks      []Check
	interval    time.Duration
	maxFailures int

	mu       sync.RWMutex
	failures int
	healthy  bool
	last     Report
}

// NewHealthMonitor builds a monitor over the given checks.
func NewHealthMonitor(checks []Check, interval time.Duration, maxFailures int) *HealthMonitor {
	return &HealthMonitor{
		checks:      checks,
		interval:    interval,
		maxFailures: maxFailures,
		healthy:     true,
	}
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled. Intended to run as a supervised goroutine.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs every check once and updates the aggregate state.
func (m *HealthMonitor) Sweep(ctx context.Context) Report {
	report := Report{CheckedAt: time.Now().UTC()}
	allOK := true

	for _, check := range m.checks {
		result := CheckResult{Name: check.Name, Healthy: true}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := check.Fn(checkCtx); err != nil {
			result.Healthy = false
			result.Error = err.Error()
			allOK = false
			logger.Base().Warn("health check failed",
				zap.String("check", check.Name), zap.Error(err))
		}
		cancel()
		report.Checks = append(report.Checks, result)
	}

	m.mu.Lock()
	if allOK {
		if !m.healthy {
			logger.Base().Info("backends recovered, resuming call admission")
		}
		m.failures = 0
		m.healthy = true
	} else {
		m.failures++
		if m.failures >= m.maxFailures && m.healthy {
			m.healthy = false
			logger.Base().Error("backends unhealthy, declining new calls",
				zap.Int("consecutive_failures", m.failures))
		}
	}
	report.Healthy = m.healthy
	report.ConsecutiveFailures = m.failures
	m.last = report
	m.mu.Unlock()

	return report
}

// Healthy reports whether new calls should be admitted.
func (m *HealthMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// LastReport returns the most recent sweep outcome.
func (m *HealthMonitor) LastReport() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
