package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/config"
	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/internal/registry"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
	"github.com/upranked/call-dispatch-service/pkg/metrics"
)

// WebSocketHandler serves the agent connection endpoint and dispatches the
// inbound message protocol.
type WebSocketHandler struct {
	cfg      *config.Config
	registry *registry.SessionRegistry
	store    *store.PresenceStore
	profiles repository.AgentProfileRepository
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the agent connection handler.
func NewWebSocketHandler(cfg *config.Config, reg *registry.SessionRegistry, st *store.PresenceStore, profiles repository.AgentProfileRepository, m *metrics.Metrics) *WebSocketHandler {
	return &WebSocketHandler{
		cfg:      cfg,
		registry: reg,
		store:    st,
		profiles: profiles,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetupWebSocketRoutes registers the agent connection endpoint.
func (h *WebSocketHandler) SetupWebSocketRoutes(router *mux.Router) {
	router.HandleFunc("/ws/{session_id}", h.handleConnection)
}

func (h *WebSocketHandler) handleConnection(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	h.metrics.WSConnections.Add(1)
	defer h.metrics.WSConnections.Add(-1)

	logger.Base().Info("websocket connected", zap.String("session_id", sessionID))

	h.sendMessage(conn, domain.MsgConnected, map[string]string{
		"message":     "Connected to call dispatch backend",
		"session_id":  sessionID,
		"instance_id": h.cfg.InstanceID,
	})

	// The agent id bound to this connection once registration succeeds.
	registeredAgent := ""

	defer func() {
		if registeredAgent != "" {
			h.registry.Unregister(context.Background(), registeredAgent, conn)
		} else {
			conn.Close()
		}
		logger.Base().Info("websocket disconnected",
			zap.String("session_id", sessionID), zap.String("agent_id", registeredAgent))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Base().Warn("websocket read error",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}

		var msg domain.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(conn, "Invalid message format")
			continue
		}

		switch msg.Type {
		case domain.MsgAgentRegister:
			if agentID := h.handleRegister(r.Context(), conn, sessionID, &msg); agentID != "" {
				registeredAgent = agentID
			}
		case domain.MsgStatusUpdate:
			h.handleStatusUpdate(r.Context(), conn, &msg)
		case domain.MsgPing:
			h.sendMessage(conn, domain.MsgPong, map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
		default:
			h.sendError(conn, "Unknown message type: "+msg.Type)
		}
	}
}

// handleRegister validates the registration payload and attaches the agent.
// Returns the agent id on success, empty otherwise.
func (h *WebSocketHandler) handleRegister(ctx context.Context, conn *websocket.Conn, sessionID string, msg *domain.Message) string {
	var payload domain.RegisterPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.AgentID == "" {
		h.sendRegistrationError(conn, "Agent ID required")
		return ""
	}
	if payload.Token == "" {
		h.sendRegistrationError(conn, "Authentication token required")
		return ""
	}

	identity, err := parseAgentToken(payload.Token, h.cfg.JWTAccessSecret)
	if err != nil {
		logger.Base().Warn("agent registration rejected",
			zap.String("session_id", sessionID), zap.Error(err))
		h.sendRegistrationError(conn, "Invalid token")
		return ""
	}
	if !identity.IsVerified {
		h.sendRegistrationError(conn, "User not verified")
		return ""
	}

	organizationID := ""
	if h.profiles != nil {
		profile, err := h.profiles.GetByUserID(ctx, payload.AgentID)
		if err != nil {
			logger.Base().Error("agent profile lookup failed",
				zap.String("agent_id", payload.AgentID), zap.Error(err))
			h.sendRegistrationError(conn, "Registration failed")
			return ""
		}
		if profile == nil {
			h.sendRegistrationError(conn, "Agent not found")
			return ""
		}
		organizationID = profile.OrganizationID
	}

	presence := &domain.AgentPresence{
		AgentID:        payload.AgentID,
		Status:         domain.AgentStatusFree,
		OrganizationID: organizationID,
		SIPUsername:    identity.SIP.Username,
		SIPAddress:     identity.SIP.Address,
	}
	if err := h.registry.Register(ctx, payload.AgentID, sessionID, conn, presence); err != nil {
		logger.Base().Error("agent registration failed",
			zap.String("agent_id", payload.AgentID), zap.Error(err))
		h.sendRegistrationError(conn, "Registration failed")
		return ""
	}

	if h.profiles != nil {
		if err := h.profiles.UpdateStatus(ctx, payload.AgentID, domain.AgentStatusFree); err != nil {
			logger.Base().Warn("failed to persist free status",
				zap.String("agent_id", payload.AgentID), zap.Error(err))
		}
	}

	logger.Base().Info("agent registered",
		zap.String("agent_id", payload.AgentID),
		zap.String("session_id", sessionID))

	h.sendMessage(conn, domain.MsgRegistrationSuccess, map[string]interface{}{
		"agent_id":        payload.AgentID,
		"sip_username":    identity.SIP.Username,
		"sip_address":     identity.SIP.Address,
		"status":          string(domain.AgentStatusFree),
		"organization_id": organizationID,
		"instance_id":     h.cfg.InstanceID,
		"message":         "Successfully registered",
	})
	return payload.AgentID
}

func (h *WebSocketHandler) handleStatusUpdate(ctx context.Context, conn *websocket.Conn, msg *domain.Message) {
	var payload domain.StatusUpdatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.AgentID == "" || payload.Status == "" {
		h.sendError(conn, "Agent ID and status required")
		return
	}
	if !domain.ValidAgentStatus(payload.Status) {
		h.sendError(conn, "Invalid status")
		return
	}

	if err := h.store.UpdateAgentStatus(ctx, payload.AgentID, payload.Status); err != nil {
		logger.Base().Error("status update failed",
			zap.String("agent_id", payload.AgentID), zap.Error(err))
		h.sendError(conn, "Status update failed")
		return
	}
	if h.profiles != nil {
		if err := h.profiles.UpdateStatus(ctx, payload.AgentID, payload.Status); err != nil {
			logger.Base().Warn("failed to persist status",
				zap.String("agent_id", payload.AgentID), zap.Error(err))
		}
	}

	logger.Base().Info("agent status updated",
		zap.String("agent_id", payload.AgentID),
		zap.String("status", string(payload.Status)))

	h.sendMessage(conn, domain.MsgStatusUpdated, domain.StatusUpdatePayload{
		AgentID: payload.AgentID,
		Status:  payload.Status,
	})
}

func (h *WebSocketHandler) sendMessage(conn *websocket.Conn, msgType string, payload interface{}) {
	msg, err := domain.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Base().Debug("websocket write failed", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, message string) {
	h.sendMessage(conn, domain.MsgError, domain.ErrorPayload{Message: message})
}

func (h *WebSocketHandler) sendRegistrationError(conn *websocket.Conn, message string) {
	h.sendMessage(conn, domain.MsgRegistrationError, domain.ErrorPayload{Message: message})
}
