package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/config"
	"github.com/upranked/call-dispatch-service/internal/registry"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/resilience"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// AdminHandler serves health probes and the authenticated monitoring
// endpoints.
type AdminHandler struct {
	cfg      *config.Config
	store    *store.PresenceStore
	registry *registry.SessionRegistry
	records  repository.CallRecordRepository
	health   *resilience.HealthMonitor
	breaker  *resilience.Breaker
}

// NewAdminHandler creates the monitoring handler.
func NewAdminHandler(cfg *config.Config, st *store.PresenceStore, reg *registry.SessionRegistry, records repository.CallRecordRepository, health *resilience.HealthMonitor, breaker *resilience.Breaker) *AdminHandler {
	return &AdminHandler{cfg: cfg, store: st, registry: reg, records: records, health: health, breaker: breaker}
}

// SetupAdminRoutes registers health and admin routes.
func (h *AdminHandler) SetupAdminRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/health/simple", h.handleSimpleHealth).Methods("GET")

	auth := AuthMiddleware(h.cfg.JWTAccessSecret)
	router.Handle("/admin/agents", auth(http.HandlerFunc(h.handleListAgents))).Methods("GET")
	router.Handle("/admin/calls", auth(http.HandlerFunc(h.handleListCalls))).Methods("GET")
	router.Handle("/admin/call-log", auth(http.HandlerFunc(h.handleCallLog))).Methods("GET")
}

// handleHealth returns the detailed health report.
func (h *AdminHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.LastReport()
	body := map[string]interface{}{
		"status":               healthWord(report.Healthy),
		"instance_id":          h.cfg.InstanceID,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"last_health_check":    report.CheckedAt.Format(time.RFC3339),
		"consecutive_failures": report.ConsecutiveFailures,
		"checks":               report.Checks,
		"dispatch_breaker":     h.breaker.State(),
		"local_sessions":       h.registry.LocalCount(),
	}

	if stats, err := h.store.Stats(r.Context()); err == nil {
		body["metrics"] = stats
	} else {
		logger.Base().Warn("failed to collect system stats", zap.Error(err))
	}

	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// handleSimpleHealth is the load-balancer probe.
func (h *AdminHandler) handleSimpleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
}

// handleListAgents lists every known agent presence.
func (h *AdminHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		logger.Base().Error("failed to list agents", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":         agents,
		"total":          len(agents),
		"local_sessions": h.registry.Snapshot(),
	})
}

// handleListCalls lists every in-flight call.
func (h *AdminHandler) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.store.ListActiveCalls(r.Context())
	if err != nil {
		logger.Base().Error("failed to list calls", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": calls,
		"total": len(calls),
	})
}

// handleCallLog returns the most recent durable call records.
func (h *AdminHandler) handleCallLog(w http.ResponseWriter, r *http.Request) {
	if h.records == nil {
		writeJSONError(w, http.StatusNotImplemented, "durable call log not configured")
		return
	}
	records, err := h.records.ListRecent(r.Context(), 100)
	if err != nil {
		logger.Base().Error("failed to list call records", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"total":   len(records),
	})
}

func healthWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
