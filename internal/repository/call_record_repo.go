package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/upranked/call-dispatch-service/internal/domain"
)

// GormCallRecordRepository handles database operations for call records
type GormCallRecordRepository struct {
	db *gorm.DB
}

// NewGormCallRecordRepository creates a new call record repository
func NewGormCallRecordRepository(db *gorm.DB) *GormCallRecordRepository {
	return &GormCallRecordRepository{db: db}
}

// Create inserts a new call record at call initiation.
func (r *GormCallRecordRepository) Create(ctx context.Context, record *domain.CallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call id cannot be empty")
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// GetByCallID retrieves a call record by carrier call id. Returns nil, nil
// when no record exists.
func (r *GormCallRecordRepository) GetByCallID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var record domain.CallRecord
	if err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&record).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return &record, nil
}

// Finalize writes the terminal status, completion time and duration.
func (r *GormCallRecordRepository) Finalize(ctx context.Context, record *domain.CallRecord) error {
	if err := r.db.WithContext(ctx).Save(record).Error; err != nil {
		return fmt.Errorf("failed to finalize call record: %w", err)
	}
	return nil
}

// AttachRecording stores recording metadata reported by the carrier.
func (r *GormCallRecordRepository) AttachRecording(ctx context.Context, callID, recordingSID, recordingURL string) error {
	res := r.db.WithContext(ctx).Model(&domain.CallRecord{}).
		Where("call_id = ?", callID).
		Updates(map[string]interface{}{
			"recording_sid": recordingSID,
			"recording_url": recordingURL,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to attach recording: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no call record for %s", callID)
	}
	return nil
}

// ListRecent returns the most recent call records, newest first.
func (r *GormCallRecordRepository) ListRecent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*domain.CallRecord
	if err := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	return records, nil
}
