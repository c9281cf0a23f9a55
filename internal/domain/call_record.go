package domain

import "time"

// CallStatus is a durable call record status. INITIATED is the only
// non-terminal value; everything else ends the lifecycle.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusCompleted CallStatus = "completed"
	CallStatusBusy      CallStatus = "busy"
	CallStatusFailed    CallStatus = "failed"
	CallStatusNoAnswer  CallStatus = "no-answer"
	CallStatusCanceled  CallStatus = "canceled"
)

// TerminalCallStatus reports whether s ends the call lifecycle. Terminal
// records accept no further transitions.
func TerminalCallStatus(s CallStatus) bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// CallRecord is the durable log of a call, written by the lifecycle manager
// and read by downstream reporting. Never deleted by this service.
type CallRecord struct {
	ID              string     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	CallID          string     `json:"call_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	CallerNumber    string     `json:"caller_number" gorm:"type:varchar(32)"`
	CalledNumber    string     `json:"called_number" gorm:"type:varchar(32)"`
	OrganizationID  string     `json:"organization_id" gorm:"type:varchar(64);index"`
	AgentID         string     `json:"agent_id" gorm:"type:varchar(64);index"`
	Status          CallStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	InstanceID      string     `json:"instance_id" gorm:"type:varchar(128)"`
	StartedAt       time.Time  `json:"started_at" gorm:"index"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds int        `json:"duration_seconds"`
	RecordingSID    string     `json:"recording_sid" gorm:"type:varchar(64)"`
	RecordingURL    string     `json:"recording_url" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for CallRecord
func (CallRecord) TableName() string {
	return "call_records"
}
