// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for conversational
// sessions.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// CreateSession inserts a fresh session for the (platform, user) pair in the
// given initial status.
func CreateSession(ctx context.Context, db *gorm.DB, platform, platformUserID, status string) (*domain.Session, error) {
	now := time.Now().UTC()
	s := &domain.Session{
		ID:             uuid.NewString(),
		Platform:       platform,
		PlatformUserID: platformUserID,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// LatestSession returns the most recently updated session for the pair
// regardless of status or age, or ErrNotFound. TTL filtering is the session
// service's concern; the repo only orders and fetches.
func LatestSession(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("platform = ? AND platform_user_id = ?", platform, platformUserID).
		Order("updated_at desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches a session by ID, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSession persists a status change (and optionally the phone, when
// non-empty) and bumps UpdatedAt. Returns ErrNotFound when the session is
// missing.
func UpdateSession(ctx context.Context, db *gorm.DB, id, status, phone string) (*domain.Session, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if phone != "" {
		updates["phone"] = phone
	}
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetSession(ctx, db, id)
}

// DeleteSessionsIdleSince removes sessions whose last activity predates
// cutoff. Used by the optional background sweep; correctness never depends
// on it because expiry is also evaluated lazily at read time.
func DeleteSessionsIdleSince(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&domain.Session{})
	return res.RowsAffected, res.Error
}
