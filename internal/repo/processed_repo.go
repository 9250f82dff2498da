// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// ProcessedEvent model used to suppress duplicate processing of re-delivered
// webhook events.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// GetProcessedEvent returns a non-expired record for the exact inbound event
// identity, or ErrNotFound.
func GetProcessedEvent(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID string, now time.Time) (*domain.ProcessedEvent, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.ProcessedEvent
	err := db.WithContext(ctx).
		Where("platform = ? AND platform_user_id = ? AND message_id = ? AND expires_at > ?",
			platform, platformUserID, messageID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateProcessedEvent records the outcome of a handled event and returns
// ErrDuplicate on unique violation (a concurrent delivery won the race).
func CreateProcessedEvent(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID, outcome string, accountID int64, ttl time.Duration) (*domain.ProcessedEvent, error) {
	now := time.Now().UTC()
	rec := &domain.ProcessedEvent{
		ID:             uuid.NewString(),
		Platform:       platform,
		PlatformUserID: platformUserID,
		MessageID:      messageID,
		Outcome:        outcome,
		AccountID:      accountID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// PurgeProcessedBefore removes expired dedup records.
func PurgeProcessedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&domain.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
