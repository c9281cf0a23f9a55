package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/upranked/call-dispatch-service/internal/domain"
)

// GormSubscriptionRepository handles database operations for subscriptions
type GormSubscriptionRepository struct {
	db *gorm.DB
}

// NewGormSubscriptionRepository creates a new subscription repository
func NewGormSubscriptionRepository(db *gorm.DB) *GormSubscriptionRepository {
	return &GormSubscriptionRepository{db: db}
}

// GetActiveByNumber finds the active subscription owning a purchased number.
// Returns nil, nil when the number has no active subscription.
func (r *GormSubscriptionRepository) GetActiveByNumber(ctx context.Context, purchasedNumber string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.WithContext(ctx).
		Where("purchased_number = ? AND status = ?", purchasedNumber, domain.SubscriptionActive).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription for %s: %w", purchasedNumber, err)
	}
	return &sub, nil
}

// GetActiveByOrganization finds an organization's active subscription, used
// to resolve the registered caller-ID number for outbound dials.
func (r *GormSubscriptionRepository) GetActiveByOrganization(ctx context.Context, organizationID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.WithContext(ctx).
		Where("organization_id = ? AND status = ?", organizationID, domain.SubscriptionActive).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription for org %s: %w", organizationID, err)
	}
	return &sub, nil
}
