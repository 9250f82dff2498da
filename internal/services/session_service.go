// Package services – SessionService
//
// This file implements the per-(platform, user) conversation tracker. A
// session carries the state machine
//
//	initiated → phone_provided → {account_created | creation_failed}
//
// with a terminal expired state reachable from anywhere after the inactivity
// window. Expiry is evaluated lazily at read time against the TTL; the
// optional Sweep reclaims storage but is never required for correctness.
// Updates are last-writer-wins per pair but must stay monotonic: a transition
// to an earlier state is rejected, not silently applied.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// SessionRepo defines the repository contract required by SessionService.
// Implementations are responsible for persistence of session rows.
type SessionRepo interface {
	// Create inserts a fresh session for the pair in the initial status.
	Create(ctx context.Context, db *gorm.DB, platform, platformUserID, status string) (*domain.Session, error)

	// Latest returns the most recently updated session for the pair.
	Latest(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Session, error)

	// Update persists a status (and optional phone) change.
	Update(ctx context.Context, db *gorm.DB, id, status, phone string) (*domain.Session, error)

	// DeleteIdleSince removes sessions whose last activity predates cutoff.
	DeleteIdleSince(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// SessionService provides session lifecycle operations and enforces the
// state machine edges.
type SessionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the session repository used by this service.
	Repo SessionRepo

	// TTL is the inactivity window after which a session counts as expired.
	TTL time.Duration
	// Grace keeps a terminal session visible after completion so a
	// re-delivered webhook can observe the prior result instead of opening
	// a fresh conversation.
	Grace time.Duration
}

// NewSessionService constructs a SessionService with the given expiry policy.
func NewSessionService(db *gorm.DB, r SessionRepo, ttl, grace time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &SessionService{DB: db, Repo: r, TTL: ttl, Grace: grace}
}

// Active returns the live session for the pair, or (nil, nil) when none
// exists. A session idle beyond the TTL is treated as absent; a terminal
// session is returned only while still inside the grace window.
func (s *SessionService) Active(ctx context.Context, platform, platformUserID string) (*domain.Session, error) {
	sess, err := s.Repo.Latest(ctx, s.DB, platform, platformUserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	idle := time.Since(sess.UpdatedAt.UTC())
	switch sess.Status {
	case domain.SessionExpired:
		return nil, nil
	case domain.SessionAccountCreated, domain.SessionCreationFailed:
		if idle > s.Grace {
			return nil, nil
		}
		return sess, nil
	default:
		if idle > s.TTL {
			return nil, nil
		}
		return sess, nil
	}
}

// Create opens a fresh session for the pair in the given initial status.
func (s *SessionService) Create(ctx context.Context, platform, platformUserID, status string) (*domain.Session, error) {
	if domain.SessionRank(status) < 0 {
		return nil, ErrIllegalTransition
	}
	return s.Repo.Create(ctx, s.DB, platform, platformUserID, status)
}

// Transition moves the session to newStatus, persisting phone when non-empty.
// Illegal edges return ErrIllegalTransition and leave the row untouched.
func (s *SessionService) Transition(ctx context.Context, sess *domain.Session, newStatus, phone string) (*domain.Session, error) {
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !legalTransition(sess.Status, newStatus) {
		return nil, ErrIllegalTransition
	}
	updated, err := s.Repo.Update(ctx, s.DB, sess.ID, newStatus, phone)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	return updated, err
}

// Sweep deletes sessions idle beyond the TTL plus grace. Optional; lazy
// expiry at read time already hides stale rows.
func (s *SessionService) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-(s.TTL + s.Grace))
	return s.Repo.DeleteIdleSince(ctx, s.DB, cutoff)
}

// legalTransition reports whether cur → next is an edge of the state
// machine. Re-asserting the current status is a permitted touch; expiry is
// reachable from every state; creation_failed may re-enter phone_provided on
// an explicit retry.
func legalTransition(cur, next string) bool {
	if domain.SessionRank(next) < 0 || domain.SessionRank(cur) < 0 {
		return false
	}
	if next == cur {
		return true
	}
	if next == domain.SessionExpired {
		return true
	}
	if cur == domain.SessionCreationFailed && next == domain.SessionPhoneProvided {
		return true
	}
	// account_created requires having passed through phone_provided.
	if next == domain.SessionAccountCreated && cur != domain.SessionPhoneProvided {
		return false
	}
	if cur == domain.SessionAccountCreated || cur == domain.SessionCreationFailed || cur == domain.SessionExpired {
		return false
	}
	return domain.SessionRank(next) > domain.SessionRank(cur)
}
