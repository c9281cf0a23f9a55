package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/config"
	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
	"github.com/upranked/call-dispatch-service/pkg/twilio"
)

// AgentHandler serves the authenticated agent-facing endpoints: voice tokens,
// token refresh, profile info and status updates.
type AgentHandler struct {
	cfg      *config.Config
	store    *store.PresenceStore
	profiles repository.AgentProfileRepository
	tokens   *twilio.AccessTokenService
	numbers  *twilio.NumberService
}

// NewAgentHandler creates the agent endpoint handler.
func NewAgentHandler(cfg *config.Config, st *store.PresenceStore, profiles repository.AgentProfileRepository, tokens *twilio.AccessTokenService, numbers *twilio.NumberService) *AgentHandler {
	return &AgentHandler{cfg: cfg, store: st, profiles: profiles, tokens: tokens, numbers: numbers}
}

// SetupAgentRoutes registers the agent endpoints. Everything except token
// refresh requires a valid bearer token.
func (h *AgentHandler) SetupAgentRoutes(router *mux.Router) {
	router.HandleFunc("/refresh-token", h.handleRefreshToken).Methods("POST")

	auth := AuthMiddleware(h.cfg.JWTAccessSecret)
	router.Handle("/twilio/token", auth(http.HandlerFunc(h.handleVoiceToken))).Methods("GET")
	router.Handle("/twilio/auto-route", auth(http.HandlerFunc(h.handleAutoRoute))).Methods("POST")
	router.Handle("/twilio/webhooks", auth(http.HandlerFunc(h.handleWebhookStatus))).Methods("GET")
	router.Handle("/user-info", auth(http.HandlerFunc(h.handleUserInfo))).Methods("GET")
	router.Handle("/agent/status", auth(http.HandlerFunc(h.handleStatusUpdate))).Methods("PUT")
}

// handleVoiceToken issues a Twilio voice token for the agent's SIP identity.
func (h *AgentHandler) handleVoiceToken(w http.ResponseWriter, r *http.Request) {
	agent := agentFromContext(r.Context())

	token, err := h.tokens.GenerateVoiceToken(agent.SIP.Username)
	if err != nil {
		logger.Base().Error("failed to generate voice token",
			zap.String("agent_id", agent.AgentID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":        token,
		"agent_id":     agent.AgentID,
		"sip_username": agent.SIP.Username,
		"identity":     agent.SIP.Username,
		"audio_constraints": map[string]bool{
			"echoCancellation": true,
			"noiseSuppression": true,
			"autoGainControl":  true,
		},
	})
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefreshToken exchanges a refresh token for a new access token
// carrying the same identity claims.
func (h *AgentHandler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "refresh token required")
		return
	}

	token, err := jwt.Parse(req.RefreshToken, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(h.cfg.JWTRefreshSecret), nil
	})
	if err != nil || !token.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			writeJSONError(w, http.StatusUnauthorized, "refresh token expired")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":         claims["id"],
		"email":      claims["email"],
		"name":       claims["name"],
		"role":       claims["role"],
		"isVerified": claims["isVerified"],
		"sip":        claims["sip"],
		"exp":        time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, err := access.SignedString([]byte(h.cfg.JWTAccessSecret))
	if err != nil {
		logger.Base().Error("failed to sign access token", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"access_token": signed})
}

// handleUserInfo returns the authenticated agent's identity and organization.
func (h *AgentHandler) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	agent := agentFromContext(r.Context())

	organizationID := ""
	if h.profiles != nil {
		profile, err := h.profiles.GetByUserID(r.Context(), agent.AgentID)
		if err != nil {
			logger.Base().Error("profile lookup failed",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "failed to get user information")
			return
		}
		if profile != nil {
			organizationID = profile.OrganizationID
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"id":         agent.AgentID,
			"email":      agent.Email,
			"name":       agent.Name,
			"role":       agent.Role,
			"isVerified": agent.IsVerified,
			"sip": map[string]string{
				"sip_username": agent.SIP.Username,
				"sip_password": agent.SIP.Password,
				"sip_address":  agent.SIP.Address,
			},
			"organization_id": organizationID,
			"instance_id":     h.cfg.InstanceID,
		},
	})
}

type statusUpdateRequest struct {
	Status domain.AgentStatus `json:"status"`
}

// handleStatusUpdate changes the authenticated agent's status over HTTP,
// mirroring the WebSocket status_update message.
func (h *AgentHandler) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	agent := agentFromContext(r.Context())

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !domain.ValidAgentStatus(req.Status) {
		writeJSONError(w, http.StatusBadRequest, "status must be offline, free, or busy")
		return
	}

	if err := h.store.UpdateAgentStatus(r.Context(), agent.AgentID, req.Status); err != nil {
		if err == store.ErrNotFound {
			writeJSONError(w, http.StatusNotFound, "agent has no live presence")
			return
		}
		logger.Base().Error("status update failed",
			zap.String("agent_id", agent.AgentID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	if h.profiles != nil {
		if err := h.profiles.UpdateStatus(r.Context(), agent.AgentID, req.Status); err != nil {
			logger.Base().Warn("failed to persist status",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Status updated successfully",
		"agent_id":    agent.AgentID,
		"new_status":  req.Status,
		"instance_id": h.cfg.InstanceID,
	})
}

// handleWebhookStatus reports where every purchased number currently routes,
// for verifying an auto-route run.
func (h *AgentHandler) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.numbers.ListWebhooks()
	if err != nil {
		logger.Base().Error("webhook listing failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"numbers": statuses,
		"total":   len(statuses),
	})
}

// handleAutoRoute points every purchased number's webhook at this service.
func (h *AgentHandler) handleAutoRoute(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.numbers.AutoRoute(h.cfg.BaseURL)
	if err != nil {
		logger.Base().Error("auto-route failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": statuses,
		"total":      len(statuses),
	})
}
