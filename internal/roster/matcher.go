// Package roster matches normalized phone numbers against the enrolled-family
// roster. The roster itself is external; this package only reads it through
// the Directory interface and layers the legacy-format fallback order on top.
package roster

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/repo"
)

// Directory is the lookup capability the matcher consumes. FindByPhone
// returns (nil, nil) when no record holds the given representation; an error
// is reserved for infrastructure failures.
type Directory interface {
	FindByPhone(ctx context.Context, phone string) (*domain.RosterRecord, error)
}

// Matcher resolves a set of phone variants to a roster record. It is
// read-only and safe for concurrent use.
type Matcher struct {
	dir Directory
}

// NewMatcher constructs a Matcher over the given directory.
func NewMatcher(dir Directory) *Matcher {
	return &Matcher{dir: dir}
}

// Find tries each variant in order (canonical international, bare national,
// 00-prefixed) until one matches. A miss across all variants is a normal
// (nil, false, nil) result, not an error.
func (m *Matcher) Find(ctx context.Context, variants []string) (*domain.RosterRecord, bool, error) {
	for _, v := range variants {
		if v == "" {
			continue
		}
		rec, err := m.dir.FindByPhone(ctx, v)
		if err != nil {
			return nil, false, err
		}
		if rec != nil {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// DBDirectory adapts the roster projection table to the Directory interface.
type DBDirectory struct {
	DB *gorm.DB
}

// FindByPhone looks the representation up in roster_records, translating the
// repo's not-found sentinel into the (nil, nil) miss contract.
func (d DBDirectory) FindByPhone(ctx context.Context, phone string) (*domain.RosterRecord, error) {
	rec, err := repo.FindRosterByPhone(ctx, d.DB, phone)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
