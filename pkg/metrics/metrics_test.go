package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallsTotalByOutcome(t *testing.T) {
	m := New()
	m.IncCalls("incoming")
	m.IncCalls("incoming")
	m.IncCalls("completed")

	assert.Equal(t, uint64(2), m.CallsTotal("incoming"))
	assert.Equal(t, uint64(1), m.CallsTotal("completed"))
	assert.Equal(t, uint64(0), m.CallsTotal("dropped"))
}

func TestHandler_TextExposition(t *testing.T) {
	m := New()
	m.ActiveCalls.Store(3)
	m.WSConnections.Store(7)
	m.IncCalls("completed")

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body := rec.Body.String()
	assert.Contains(t, body, "callcenter_active_calls 3")
	assert.Contains(t, body, "callcenter_websocket_connections 7")
	assert.Contains(t, body, `callcenter_calls_total{status="completed"} 1`)
	assert.Contains(t, body, "callcenter_uptime_seconds")
}

func TestHandler_RejectsNonGet(t *testing.T) {
	rec := httptest.NewRecorder()
	New().Handler()(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
