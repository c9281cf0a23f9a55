package domain

import "time"

// Subscription status values.
const (
	SubscriptionActive   = "ACTIVE"
	SubscriptionInactive = "INACTIVE"
)

// Subscription maps a purchased phone number to the organization that owns
// it. The dispatch engine resolves inbound calls through this table; the
// caller-ID number is used when building outbound dials for the organization.
type Subscription struct {
	ID              string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID  string    `json:"organization_id" gorm:"type:varchar(64);not null;index"`
	PurchasedNumber string    `json:"purchased_number" gorm:"type:varchar(32);not null;index:idx_number_status"`
	CallerIDNumber  string    `json:"caller_id_number" gorm:"type:varchar(32)"`
	Status          string    `json:"status" gorm:"type:varchar(16);not null;index:idx_number_status"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for Subscription
func (Subscription) TableName() string {
	return "subscriptions"
}

// AgentProfile is the durable agent row. Presence in the store is the live
// view; this row mirrors the last known status and accumulates call counters.
type AgentProfile struct {
	ID             string      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID         string      `json:"user_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Name           string      `json:"name" gorm:"type:varchar(255)"`
	Email          string      `json:"email" gorm:"type:varchar(255)"`
	OrganizationID string      `json:"organization_id" gorm:"type:varchar(64);index"`
	SIPUsername    string      `json:"sip_username" gorm:"type:varchar(128);index"`
	SIPPassword    string      `json:"sip_password" gorm:"type:varchar(128)"`
	SIPAddress     string      `json:"sip_address" gorm:"type:varchar(255)"`
	Status         AgentStatus `json:"status" gorm:"type:varchar(16);index"`
	SuccessCalls   int         `json:"success_calls"`
	DroppedCalls   int         `json:"dropped_calls"`
	LastActivity   time.Time   `json:"last_activity" gorm:"index"`
	CreatedAt      time.Time   `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time   `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName sets the table name for AgentProfile
func (AgentProfile) TableName() string {
	return "agent_profiles"
}
