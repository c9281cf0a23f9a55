package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/upranked/call-dispatch-service/internal/domain"
)

// GormAgentProfileRepository handles database operations for agent profiles
type GormAgentProfileRepository struct {
	db *gorm.DB
}

// NewGormAgentProfileRepository creates a new agent profile repository
func NewGormAgentProfileRepository(db *gorm.DB) *GormAgentProfileRepository {
	return &GormAgentProfileRepository{db: db}
}

// GetByUserID retrieves an agent profile by user id. Returns nil, nil when
// no profile exists.
func (r *GormAgentProfileRepository) GetByUserID(ctx context.Context, userID string) (*domain.AgentProfile, error) {
	var profile domain.AgentProfile
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent profile: %w", err)
	}
	return &profile, nil
}

// UpdateStatus mirrors a presence status change into the durable row.
func (r *GormAgentProfileRepository) UpdateStatus(ctx context.Context, userID string, status domain.AgentStatus) error {
	res := r.db.WithContext(ctx).Model(&domain.AgentProfile{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"status":        status,
			"last_activity": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update agent status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no agent profile for %s", userID)
	}
	return nil
}

// IncrementCallCounter bumps the success or dropped counter after a terminal
// call transition.
func (r *GormAgentProfileRepository) IncrementCallCounter(ctx context.Context, userID string, success bool) error {
	column := "dropped_calls"
	if success {
		column = "success_calls"
	}
	res := r.db.WithContext(ctx).Model(&domain.AgentProfile{}).
		Where("user_id = ?", userID).
		Update(column, gorm.Expr(column+" + 1"))
	if res.Error != nil {
		return fmt.Errorf("failed to increment %s: %w", column, res.Error)
	}
	return nil
}
