package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/upranked/call-dispatch-service/internal/domain"
)

// CallRecordRepository defines durable call-log operations. The lifecycle
// manager is the only writer; reporting reads the table out of band.
type CallRecordRepository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error)
	Finalize(ctx context.Context, record *domain.CallRecord) error
	AttachRecording(ctx context.Context, callID, recordingSID, recordingURL string) error
	ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error)
}

// SubscriptionRepository resolves phone numbers to organizations.
type SubscriptionRepository interface {
	GetActiveByNumber(ctx context.Context, purchasedNumber string) (*domain.Subscription, error)
	GetActiveByOrganization(ctx context.Context, organizationID string) (*domain.Subscription, error)
}

// AgentProfileRepository maintains the durable agent rows mirrored by the
// presence store.
type AgentProfileRepository interface {
	GetByUserID(ctx context.Context, userID string) (*domain.AgentProfile, error)
	UpdateStatus(ctx context.Context, userID string, status domain.AgentStatus) error
	IncrementCallCounter(ctx context.Context, userID string, success bool) error
}

// RepositoryManager combines all repositories
type RepositoryManager interface {
	CallRecords() CallRecordRepository
	Subscriptions() SubscriptionRepository
	AgentProfiles() AgentProfileRepository

	// Health check
	Ping(ctx context.Context) error

	// Close connection
	Close() error
}

// GormRepositoryManager implements RepositoryManager using GORM
type GormRepositoryManager struct {
	db               *gorm.DB
	callRecordRepo   *GormCallRecordRepository
	subscriptionRepo *GormSubscriptionRepository
	agentProfileRepo *GormAgentProfileRepository
}

// NewGormRepositoryManager creates a new GORM repository manager
func NewGormRepositoryManager(db *gorm.DB) *GormRepositoryManager {
	return &GormRepositoryManager{
		db:               db,
		callRecordRepo:   NewGormCallRecordRepository(db),
		subscriptionRepo: NewGormSubscriptionRepository(db),
		agentProfileRepo: NewGormAgentProfileRepository(db),
	}
}

// NewRepositoryManager creates a repository manager with a database
// connection loaded from the environment, running migrations on startup.
func NewRepositoryManager() (RepositoryManager, error) {
	config := LoadDatabaseConfigFromEnv()
	db, err := NewDatabaseConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return NewGormRepositoryManager(db), nil
}

// CallRecords returns the call record repository
func (m *GormRepositoryManager) CallRecords() CallRecordRepository {
	return m.callRecordRepo
}

// Subscriptions returns the subscription repository
func (m *GormRepositoryManager) Subscriptions() SubscriptionRepository {
	return m.subscriptionRepo
}

// AgentProfiles returns the agent profile repository
func (m *GormRepositoryManager) AgentProfiles() AgentProfileRepository {
	return m.agentProfileRepo
}

// Ping checks the database connection
func (m *GormRepositoryManager) Ping(ctx context.Context) error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (m *GormRepositoryManager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
