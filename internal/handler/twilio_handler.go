package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/resilience"
	"github.com/upranked/call-dispatch-service/internal/services/call"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
)

// TwilioHandler serves the carrier webhooks. Inbound calls are throttled per
// caller number before any dispatch work happens.
type TwilioHandler struct {
	service *call.Service
	store   *store.PresenceStore
	limiter *resilience.RateLimiter
}

// NewTwilioHandler creates the webhook handler.
func NewTwilioHandler(service *call.Service, st *store.PresenceStore, limiter *resilience.RateLimiter) *TwilioHandler {
	return &TwilioHandler{service: service, store: st, limiter: limiter}
}

// SetupTwilioRoutes registers the carrier webhook routes.
func (h *TwilioHandler) SetupTwilioRoutes(router *mux.Router) {
	router.HandleFunc("/twilio/inbound-call", h.handleInboundCall).Methods("POST")
	router.HandleFunc("/twilio/outbound-call", h.handleOutboundCall).Methods("POST")
	router.HandleFunc("/twilio/call-status", h.handleCallStatus).Methods("POST")
	router.HandleFunc("/twilio/client-status", h.handleClientStatus).Methods("POST")
	router.HandleFunc("/twilio/recording-status", h.handleRecordingStatus).Methods("POST")
	router.HandleFunc("/twilio/error-handler", h.handleErrorCalls).Methods("POST")
	router.HandleFunc("/twilio/health-check", h.handleHealthCheck).Methods("GET")
}

func (h *TwilioHandler) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	in := &call.InboundCall{
		CallID:       r.PostFormValue("CallSid"),
		CallerNumber: r.PostFormValue("From"),
		CalledNumber: r.PostFormValue("To"),
	}
	if in.CallID == "" {
		writeJSONError(w, http.StatusBadRequest, "CallSid required")
		return
	}

	if in.CallerNumber != "" && !h.limiter.Allow(in.CallerNumber) {
		logger.Base().Warn("caller rate limited", zap.String("caller", in.CallerNumber))
		writeTwiML(w, call.RateLimitedTwiML())
		return
	}

	writeTwiML(w, h.service.HandleInboundCall(r.Context(), in))
}

// handleOutboundCall serves the TwiML application's voice URL. The browser
// SDK passes the destination and the agent id as connect parameters.
func (h *TwilioHandler) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	agentID := r.PostFormValue("agent_id")
	toNumber := r.PostFormValue("To")

	writeTwiML(w, h.service.HandleOutboundDial(r.Context(), agentID, toNumber))
}

func (h *TwilioHandler) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	out := &call.DialOutcome{
		CallID:          r.URL.Query().Get("call_id"),
		AgentID:         r.URL.Query().Get("agent_id"),
		DialStatus:      r.PostFormValue("DialCallStatus"),
		DurationSeconds: r.PostFormValue("DialCallDuration"),
	}
	if out.CallID == "" || out.AgentID == "" {
		writeJSONError(w, http.StatusBadRequest, "call_id and agent_id required")
		return
	}

	if err := h.service.HandleDialOutcome(r.Context(), out); err != nil {
		logger.Base().Error("call status handling failed",
			zap.String("call_id", out.CallID), zap.Error(err))
		// The agent release already ran; acknowledge so the carrier does not
		// retry into the same failure.
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *TwilioHandler) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	parentCallID := r.PostFormValue("ParentCallSid")
	status := r.PostFormValue("CallStatus")

	if err := h.service.HandleClientProgress(r.Context(), parentCallID, status); err != nil {
		logger.Base().Error("client status handling failed",
			zap.String("parent_call_id", parentCallID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *TwilioHandler) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form payload")
		return
	}

	err := h.service.HandleRecordingStatus(
		r.Context(),
		r.PostFormValue("CallSid"),
		r.PostFormValue("RecordingSid"),
		r.PostFormValue("RecordingUrl"),
		r.PostFormValue("RecordingStatus"),
	)
	if err != nil {
		logger.Base().Error("recording status handling failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleErrorCalls answers calls the carrier routes here when the primary
// webhook fails. It always declines politely.
func (h *TwilioHandler) handleErrorCalls(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	logger.Base().Warn("call routed to error handler",
		zap.String("call_id", r.PostFormValue("CallSid")))
	writeTwiML(w, call.ErrorHandlerTwiML())
}

// handleHealthCheck is the carrier-facing readiness probe: store reachable
// and at least one agent free.
func (h *TwilioHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	free, err := h.store.ListFreeAgents(r.Context(), "")
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"error":     err.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"available_agents": len(free),
		"ready_for_calls":  len(free) > 0,
	})
}
