package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingCheck(name string) Check {
	return Check{Name: name, Fn: func(context.Context) error { return errors.New("unreachable") }}
}

func passingCheck(name string) Check {
	return Check{Name: name, Fn: func(context.Context) error { return nil }}
}

func TestHealthMonitor_StartsHealthy(t *testing.T) {
	m := NewHealthMonitor(nil, time.Minute, 5)
	assert.True(t, m.Healthy())
}

func TestHealthMonitor_UnhealthyAfterThreshold(t *testing.T) {
	m := NewHealthMonitor([]Check{failingCheck("redis")}, time.Minute, 3)
	ctx := context.Background()

	m.Sweep(ctx)
	m.Sweep(ctx)
	assert.True(t, m.Healthy(), "below threshold stays healthy")

	report := m.Sweep(ctx)
	assert.False(t, m.Healthy())
	assert.False(t, report.Healthy)
	assert.Equal(t, 3, report.ConsecutiveFailures)
}

func TestHealthMonitor_OneSuccessRecovers(t *testing.T) {
	fail := true
	check := Check{Name: "redis", Fn: func(context.Context) error {
		if fail {
			return errors.New("unreachable")
		}
		return nil
	}}
	m := NewHealthMonitor([]Check{check}, time.Minute, 2)
	ctx := context.Background()

	m.Sweep(ctx)
	m.Sweep(ctx)
	require.False(t, m.Healthy())

	fail = false
	report := m.Sweep(ctx)
	assert.True(t, m.Healthy())
	assert.True(t, report.Healthy)
	assert.Equal(t, 0, report.ConsecutiveFailures)
}

func TestHealthMonitor_PartialFailureCounts(t *testing.T) {
	m := NewHealthMonitor([]Check{passingCheck("redis"), failingCheck("database")}, time.Minute, 1)
	ctx := context.Background()

	report := m.Sweep(ctx)
	assert.False(t, m.Healthy(), "any failed check fails the sweep")
	require.Len(t, report.Checks, 2)
	assert.True(t, report.Checks[0].Healthy)
	assert.False(t, report.Checks[1].Healthy)
	assert.NotEmpty(t, report.Checks[1].Error)
}

func TestHealthMonitor_LastReport(t *testing.T) {
	m := NewHealthMonitor([]Check{passingCheck("redis")}, time.Minute, 5)
	m.Sweep(context.Background())

	report := m.LastReport()
	assert.True(t, report.Healthy)
	assert.Equal(t, 0, report.ConsecutiveFailures)
	assert.False(t, report.CheckedAt.IsZero())
}
