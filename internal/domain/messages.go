package domain

import "encoding/json"

// WebSocket message types exchanged with agent clients.
const (
	// Inbound from agents.
	MsgAgentRegister = "agent_register"
	MsgStatusUpdate  = "status_update"
	MsgPing          = "ping"

	// Outbound to agents.
	MsgConnected           = "connected"
	MsgRegistrationSuccess = "registration_success"
	MsgRegistrationError   = "registration_error"
	MsgIncomingCall        = "incoming_call"
	MsgCallEnded           = "call_ended"
	MsgStatusUpdated       = "status_updated"
	MsgPong                = "pong"
	MsgError               = "error"
)

// Message is the envelope for every WebSocket frame, in both directions.
// TargetAgent is set only when the message is relayed across instances via
// the shared broadcast channel; each instance delivers it locally if the
// target agent is attached there.
type Message struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	TargetAgent string          `json:"target_agent,omitempty"`
}

// NewMessage builds a Message with the payload marshalled into Data.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Data: data}, nil
}

// RegisterPayload is the data of an agent_register message.
type RegisterPayload struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// StatusUpdatePayload is the data of a status_update message.
type StatusUpdatePayload struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
}

// IncomingCallPayload notifies an agent of a routed call.
type IncomingCallPayload struct {
	CallID         string `json:"call_id"`
	CallerNumber   string `json:"caller_number"`
	CalledNumber   string `json:"called_number"`
	OrganizationID string `json:"organization_id,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// CallEndedPayload notifies an agent that a call reached a terminal status.
type CallEndedPayload struct {
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorPayload carries a human-readable error message to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}
