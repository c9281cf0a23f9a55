package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentStatus is an agent's live busy/free status as tracked in the presence store.
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusFree    AgentStatus = "free"
	AgentStatusBusy    AgentStatus = "busy"
)

// ValidAgentStatus reports whether s is one of the three known statuses.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusOffline, AgentStatusFree, AgentStatusBusy:
		return true
	}
	return false
}

// AgentPresence is the store-resident record of an agent's live reachability.
// It is created on registration, refreshed on every status change, expires
// after the idle TTL, and is removed on clean disconnect.
type AgentPresence struct {
	AgentID        string      `json:"agent_id"`
	Status         AgentStatus `json:"status"`
	OrganizationID string      `json:"organization_id,omitempty"`
	InstanceID     string      `json:"instance_id"`
	SessionID      string      `json:"session_id"`
	SIPUsername    string      `json:"sip_username"`
	SIPAddress     string      `json:"sip_address"`
	LastActivity   time.Time   `json:"last_activity"`
}

// EncodePresence serializes a presence record for storage.
func EncodePresence(p *AgentPresence) ([]byte, error) {
	return json.Marshal(p)
}

// DecodePresence deserializes a presence record. A record missing its agent id
// or status is treated as corrupt, not defaulted.
func DecodePresence(data []byte) (*AgentPresence, error) {
	var p AgentPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("decode presence: missing agent_id")
	}
	if !ValidAgentStatus(p.Status) {
		return nil, fmt.Errorf("decode presence: invalid status %q", p.Status)
	}
	return &p, nil
}

// ActiveCallStatus is the in-flight status of a store-resident call record.
type ActiveCallStatus string

const (
	ActiveCallRouting   ActiveCallStatus = "routing"
	ActiveCallConnected ActiveCallStatus = "connected"
)

// ActiveCall is the ephemeral, store-resident record of a routed call.
// Removed on terminal transition; the TTL is a safety net against missed
// carrier callbacks.
type ActiveCall struct {
	CallID         string           `json:"call_id"`
	CallerNumber   string           `json:"caller_number"`
	CalledNumber   string           `json:"called_number"`
	OrganizationID string           `json:"organization_id,omitempty"`
	AgentID        string           `json:"agent_id"`
	Status         ActiveCallStatus `json:"status"`
	InstanceID     string           `json:"instance_id"`
	RoutedAt       time.Time        `json:"routed_at"`
}

// EncodeActiveCall serializes an active call record for storage.
func EncodeActiveCall(c *ActiveCall) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeActiveCall deserializes an active call record, rejecting records
// without a call id or agent id.
func DecodeActiveCall(data []byte) (*ActiveCall, error) {
	var c ActiveCall
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode active call: %w", err)
	}
	if c.CallID == "" {
		return nil, fmt.Errorf("decode active call: missing call_id")
	}
	if c.AgentID == "" {
		return nil, fmt.Errorf("decode active call: missing agent_id")
	}
	return &c, nil
}
