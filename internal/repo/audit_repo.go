// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides append, filtered retrieval, aggregate
// reporting, and retention purging for the audit trail. Rows are append-only:
// there is no update path, and values arrive pre-masked from the audit
// service.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// AuditFilter narrows ListAudit results. Zero-value fields are ignored.
type AuditFilter struct {
	PhoneMasked string
	UserMasked  string
	Kind        string
	Platform    string
	From        time.Time
	To          time.Time
	Limit       int
}

// AppendAudit inserts one audit event row.
func AppendAudit(ctx context.Context, db *gorm.DB, ev *domain.AuditEvent) error {
	return db.WithContext(ctx).Create(ev).Error
}

// ListAudit returns events matching the filter, newest first. A Limit <= 0
// defaults to 100 to keep responses bounded.
func ListAudit(ctx context.Context, db *gorm.DB, f AuditFilter) ([]domain.AuditEvent, error) {
	q := db.WithContext(ctx).Model(&domain.AuditEvent{})
	if f.PhoneMasked != "" {
		q = q.Where("phone_masked = ?", f.PhoneMasked)
	}
	if f.UserMasked != "" {
		q = q.Where("user_masked = ?", f.UserMasked)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Platform != "" {
		q = q.Where("platform = ?", f.Platform)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []domain.AuditEvent
	err := q.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// AuditKindCount is one row of the per-kind aggregation.
type AuditKindCount struct {
	Kind  string
	Count int64
}

// AuditAggregates returns the per-kind counts, total/success counts, and the
// number of distinct masked subjects within [from, to).
func AuditAggregates(ctx context.Context, db *gorm.DB, from, to time.Time) (kinds []AuditKindCount, total, succeeded, subjects int64, err error) {
	window := db.WithContext(ctx).
		Model(&domain.AuditEvent{}).
		Where("created_at >= ? AND created_at < ?", from, to)

	if err = window.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, 0, 0, err
	}
	if total == 0 {
		return nil, 0, 0, 0, nil
	}
	if err = window.Session(&gorm.Session{}).Where("success = ?", true).Count(&succeeded).Error; err != nil {
		return nil, 0, 0, 0, err
	}
	if err = window.Session(&gorm.Session{}).
		Select("kind, count(*) as count").
		Group("kind").
		Order("kind").
		Scan(&kinds).Error; err != nil {
		return nil, 0, 0, 0, err
	}
	if err = window.Session(&gorm.Session{}).
		Where("phone_masked <> ''").
		Distinct("phone_masked").
		Count(&subjects).Error; err != nil {
		return nil, 0, 0, 0, err
	}
	return kinds, total, succeeded, subjects, nil
}

// PurgeAuditOlderThan deletes events created before cutoff, enforcing the
// configured retention window.
func PurgeAuditOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.AuditEvent{})
	return res.RowsAffected, res.Error
}
