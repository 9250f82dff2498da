// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for accounts and
// platform links.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - When an insert collides with a unique index (account phone, platform
//     link pair), functions return ErrDuplicate so callers can re-read the
//     winner instead of treating the collision as a failure.
//   - On other DB errors the raw gorm error is propagated.
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

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that an insert hit a unique constraint: an account
// already exists for the phone, or the (platform, platform_user_id) pair is
// already linked to a different account.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation recognizes unique-constraint failures across gorm and the
// glebarez/sqlite driver, which often reports them as plain-text errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// FindAccountByPhone fetches the account holding the canonical phone,
// preloading its platform links. Returns ErrNotFound when absent.
func FindAccountByPhone(ctx context.Context, db *gorm.DB, phone string) (*domain.Account, error) {
	var a domain.Account
	err := db.WithContext(ctx).
		Preload("Links").
		Where("phone = ?", phone).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount fetches an account by primary key, preloading links.
func GetAccount(ctx context.Context, db *gorm.DB, id int64) (*domain.Account, error) {
	var a domain.Account
	err := db.WithContext(ctx).
		Preload("Links").
		Where("id = ?", id).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account for the canonical phone together with
// its first platform link, in one transaction. The unique index on the phone
// column is the mutual-exclusion guard: when two concurrent callers race,
// exactly one insert succeeds and the loser receives ErrDuplicate and should
// re-read the winner via FindAccountByPhone.
func CreateAccount(ctx context.Context, db *gorm.DB, phone string, roster *domain.RosterRecord, platform, platformUserID string) (*domain.Account, error) {
	now := time.Now().UTC()
	a := &domain.Account{
		Phone:       phone,
		RosterID:    roster.ID,
		RosterCode:  roster.Code,
		DisplayName: roster.DisplayName,
		Active:      true,
		CreatedAt:   now,
		Links: []domain.PlatformLink{{
			ID:             uuid.NewString(),
			Platform:       platform,
			PlatformUserID: platformUserID,
			CreatedAt:      now,
		}},
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(a).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return a, nil
}

// AddPlatformLink attaches a (platform, platform_user_id) identity to an
// account. The operation is idempotent: if the pair is already linked to the
// same account it is a no-op success; if it is linked to a different account,
// ErrDuplicate is returned.
func AddPlatformLink(ctx context.Context, db *gorm.DB, accountID int64, platform, platformUserID string) error {
	link := &domain.PlatformLink{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Platform:       platform,
		PlatformUserID: platformUserID,
		CreatedAt:      time.Now().UTC(),
	}
	err := db.WithContext(ctx).Create(link).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}

	// The pair already exists; a repeat link to the same account is fine.
	var existing domain.PlatformLink
	ferr := db.WithContext(ctx).
		Where("platform = ? AND platform_user_id = ?", platform, platformUserID).
		First(&existing).Error
	if ferr != nil {
		return err
	}
	if existing.AccountID == accountID {
		return nil
	}
	return ErrDuplicate
}

// FindLinkedAccount resolves the account already linked to the given platform
// identity, or ErrNotFound when the pair has never been linked.
func FindLinkedAccount(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Account, error) {
	var link domain.PlatformLink
	err := db.WithContext(ctx).
		Where("platform = ? AND platform_user_id = ?", platform, platformUserID).
		First(&link).Error
	if err != nil {
		return nil, err
	}
	return GetAccount(ctx, db, link.AccountID)
}

// CountAccounts returns the total number of provisioned accounts.
func CountAccounts(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Count(&total).Error
	return total, err
}
