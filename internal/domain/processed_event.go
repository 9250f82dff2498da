// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// ProcessedEvent records an inbound webhook event that has already been
// handled, keyed by (platform, platform_user_id, message_id). Upstream
// platforms deliver at least once; replaying a recorded event returns the
// stored outcome without re-executing side effects.
type ProcessedEvent struct {
	ID             string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Platform       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_platform_user_msg,priority:1"`
	PlatformUserID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_platform_user_msg,priority:2"`
	MessageID      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_platform_user_msg,priority:3"`
	Outcome        string    `gorm:"type:TEXT NOT NULL"`
	AccountID      int64     `gorm:"type:INTEGER"`
	CreatedAt      time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (ProcessedEvent) TableName() string { return "processed_events" }
