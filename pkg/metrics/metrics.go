// Package metrics exposes service counters in the Prometheus text format.
// It uses the lightweight text exposition directly to avoid pulling in the
// full prometheus client.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds the service counters and gauges. All fields are safe for
// concurrent use.
type Metrics struct {
	startTime time.Time

	ActiveCalls      atomic.Int64
	WSConnections    atomic.Int64
	RegisteredAgents atomic.Int64
	FreeAgents       atomic.Int64

	mu         sync.Mutex
	callsTotal map[string]uint64 // by outcome label
}

// New creates a Metrics instance anchored at the current time.
func New() *Metrics {
	return &Metrics{
		startTime:  time.Now(),
		callsTotal: make(map[string]uint64),
	}
}

// IncCalls increments the calls counter for an outcome label
// (incoming, completed, dropped, no_agent, backend_unhealthy, error).
func (m *Metrics) IncCalls(outcome string) {
	m.mu.Lock()
	m.callsTotal[outcome]++
	m.mu.Unlock()
}

// CallsTotal returns the counter value for an outcome label.
func (m *Metrics) CallsTotal(outcome string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callsTotal[outcome]
}

// Handler returns an HTTP handler for GET /metrics.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP callcenter_active_calls Number of active calls.\n")
		fmt.Fprintf(w, "# TYPE callcenter_active_calls gauge\n")
		fmt.Fprintf(w, "callcenter_active_calls %d\n", m.ActiveCalls.Load())

		fmt.Fprintf(w, "# HELP callcenter_websocket_connections Number of live WebSocket connections.\n")
		fmt.Fprintf(w, "# TYPE callcenter_websocket_connections gauge\n")
		fmt.Fprintf(w, "callcenter_websocket_connections %d\n", m.WSConnections.Load())

		fmt.Fprintf(w, "# HELP callcenter_registered_agents Number of agents with live presence.\n")
		fmt.Fprintf(w, "# TYPE callcenter_registered_agents gauge\n")
		fmt.Fprintf(w, "callcenter_registered_agents %d\n", m.RegisteredAgents.Load())

		fmt.Fprintf(w, "# HELP callcenter_free_agents Number of free agents.\n")
		fmt.Fprintf(w, "# TYPE callcenter_free_agents gauge\n")
		fmt.Fprintf(w, "callcenter_free_agents %d\n", m.FreeAgents.Load())

		fmt.Fprintf(w, "# HELP callcenter_calls_total Total number of calls by outcome.\n")
		fmt.Fprintf(w, "# TYPE callcenter_calls_total counter\n")
		m.mu.Lock()
		labels := make([]string, 0, len(m.callsTotal))
		for label := range m.callsTotal {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(w, "callcenter_calls_total{status=%q} %d\n", label, m.callsTotal[label])
		}
		m.mu.Unlock()

		fmt.Fprintf(w, "# HELP callcenter_uptime_seconds Seconds since the instance started.\n")
		fmt.Fprintf(w, "# TYPE callcenter_uptime_seconds gauge\n")
		fmt.Fprintf(w, "callcenter_uptime_seconds %.0f\n", time.Since(m.startTime).Seconds())

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	}
}
