// Package registry tracks the WebSocket sessions attached to this instance
// and relays messages to agents attached elsewhere over the shared broadcast
// channel. Only presence in the store is authoritative; the registry is a
// per-instance view.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/domain"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
	"github.com/upranked/call-dispatch-service/pkg/metrics"
)

// Presence is the slice of store behaviour the registry needs.
type Presence interface {
	SetAgent(ctx context.Context, p *domain.AgentPresence) error
	DeleteAgent(ctx context.Context, agentID string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// Conn is the subset of *websocket.Conn the registry uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one live agent connection on this instance.
type Session struct {
	AgentID     string
	SessionID   string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex
}

// Send writes a message frame to the session. Writes are serialized because
// gorilla connections allow one concurrent writer.
func (s *Session) Send(msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SessionInfo is a read-only snapshot of a session for admin endpoints.
type SessionInfo struct {
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SessionRegistry maps agent ids to their live local connection.
type SessionRegistry struct {
	instanceID string
	presence   Presence
	profiles   repository.AgentProfileRepository
	metrics    *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry builds a registry for one instance. profiles may be nil
// when no durable database is attached.
func NewSessionRegistry(instanceID string, presence Presence, profiles repository.AgentProfileRepository, m *metrics.Metrics) *SessionRegistry {
	return &SessionRegistry{
		instanceID: instanceID,
		presence:   presence,
		profiles:   profiles,
		metrics:    m,
		sessions:   make(map[string]*Session),
	}
}

// Start subscribes to the broadcast channel so messages targeted at agents
// attached to this instance get delivered. It returns once the subscription
// is confirmed; delivery runs until ctx is cancelled.
func (r *SessionRegistry) Start(ctx context.Context) error {
	return r.presence.Subscribe(ctx, store.BroadcastChannel, r.handleBroadcast)
}

func (r *SessionRegistry) handleBroadcast(payload []byte) {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Base().Warn("dropping malformed broadcast message", zap.Error(err))
		return
	}
	if msg.TargetAgent == "" {
		return
	}

	r.mu.RLock()
	session := r.sessions[msg.TargetAgent]
	r.mu.RUnlock()
	if session == nil {
		// The target is attached to another instance; that instance delivers.
		return
	}

	// Strip the relay envelope field before handing the frame to the client.
	local := domain.Message{Type: msg.Type, Data: msg.Data}
	if err := session.Send(&local); err != nil {
		logger.Base().Warn("failed to deliver relayed message, dropping session",
			zap.String("agent_id", msg.TargetAgent), zap.Error(err))
		r.Unregister(context.Background(), msg.TargetAgent, session.conn)
	}
}

// Register attaches a connection for an agent and marks the agent free in the
// presence store. Registration is last-writer-wins: an existing session for
// the same agent is closed and replaced. Re-registering the same connection
// only refreshes presence.
func (r *SessionRegistry) Register(ctx context.Context, agentID, sessionID string, conn Conn, p *domain.AgentPresence) error {
	r.mu.Lock()
	prev := r.sessions[agentID]
	if prev != nil && prev.conn == conn {
		r.mu.Unlock()
		return r.refreshPresence(ctx, p, sessionID)
	}
	r.sessions[agentID] = &Session{
		AgentID:     agentID,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
	r.mu.Unlock()

	if prev != nil {
		logger.Base().Info("replacing existing session for agent",
			zap.String("agent_id", agentID),
			zap.String("old_session_id", prev.SessionID),
			zap.String("new_session_id", sessionID))
		prev.conn.Close()
	} else {
		r.metrics.RegisteredAgents.Add(1)
	}

	return r.refreshPresence(ctx, p, sessionID)
}

func (r *SessionRegistry) refreshPresence(ctx context.Context, p *domain.AgentPresence, sessionID string) error {
	p.InstanceID = r.instanceID
	p.SessionID = sessionID
	if p.Status == "" {
		p.Status = domain.AgentStatusFree
	}
	if err := r.presence.SetAgent(ctx, p); err != nil {
		return fmt.Errorf("register agent %s: %w", p.AgentID, err)
	}
	return nil
}

// Unregister detaches a connection. A stale connection (replaced by a later
// registration) is a no-op: only the current session owner tears down
// presence. The presence record is removed immediately so the agent leaves
// every dispatch pool; the durable profile is marked offline.
func (r *SessionRegistry) Unregister(ctx context.Context, agentID string, conn Conn) {
	r.mu.Lock()
	session := r.sessions[agentID]
	if session == nil || session.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, agentID)
	r.mu.Unlock()

	session.conn.Close()
	r.metrics.RegisteredAgents.Add(-1)

	if err := r.presence.DeleteAgent(ctx, agentID); err != nil && err != store.ErrNotFound {
		logger.Base().Warn("failed to remove agent presence",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	if r.profiles != nil {
		if err := r.profiles.UpdateStatus(ctx, agentID, domain.AgentStatusOffline); err != nil {
			logger.Base().Warn("failed to persist agent offline status",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	logger.Base().Info("agent session closed",
		zap.String("agent_id", agentID), zap.String("session_id", session.SessionID))
}

// SendToAgent delivers a message to an agent wherever it is attached. A local
// session gets the frame directly; otherwise the message is published on the
// broadcast channel with the target agent set and the owning instance
// delivers it. A local write failure tears the session down.
func (r *SessionRegistry) SendToAgent(ctx context.Context, agentID string, msg *domain.Message) error {
	r.mu.RLock()
	session := r.sessions[agentID]
	r.mu.RUnlock()

	if session != nil {
		if err := session.Send(msg); err != nil {
			r.Unregister(ctx, agentID, session.conn)
			return fmt.Errorf("send to agent %s: %w", agentID, err)
		}
		return nil
	}

	relay := domain.Message{Type: msg.Type, Data: msg.Data, TargetAgent: agentID}
	payload, err := json.Marshal(&relay)
	if err != nil {
		return err
	}
	if err := r.presence.Publish(ctx, store.BroadcastChannel, payload); err != nil {
		return fmt.Errorf("relay to agent %s: %w", agentID, err)
	}
	return nil
}

// HasLocal reports whether the agent has a live session on this instance.
func (r *SessionRegistry) HasLocal(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[agentID] != nil
}

// LocalCount returns the number of sessions attached to this instance.
func (r *SessionRegistry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a copy of the local session list for admin endpoints.
func (r *SessionRegistry) Snapshot() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		var info SessionInfo
		if err := copier.Copy(&info, s); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// CloseAll tears down every local session during shutdown.
func (r *SessionRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		r.Unregister(ctx, s.AgentID, s.conn)
	}
}
