// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read access to the roster projection
// plus a seeding helper for development and tests. The roster is owned by an
// external system; nothing here mutates existing rows except SeedRoster's
// explicit upsert.
package repo

import (
	"context"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// FindRosterByPhone returns the roster record whose primary or alternate
// phone equals the given textual representation, or ErrNotFound. The caller
// (roster.Matcher) drives the variant fallback order.
func FindRosterByPhone(ctx context.Context, db *gorm.DB, phone string) (*domain.RosterRecord, error) {
	var r domain.RosterRecord
	err := db.WithContext(ctx).
		Where("phone = ? OR phone_alt = ?", phone, phone).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SeedRoster upserts roster rows by external id, normalizing display names to
// title case. Intended for dev fixtures and tests; production rosters arrive
// through an external sync.
func SeedRoster(ctx context.Context, db *gorm.DB, records []domain.RosterRecord) error {
	if len(records) == 0 {
		return nil
	}
	caser := cases.Title(language.French)
	now := time.Now().UTC()
	for i := range records {
		records[i].DisplayName = caser.String(records[i].DisplayName)
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = now
		}
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&records).Error
}
