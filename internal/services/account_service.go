// Package services – AccountService
//
// This file implements the account creation orchestrator, the component that
// turns normalized inbound contact events into provisioned accounts. It
// validates input, enforces per-event and per-phone idempotency, drives the
// session state machine, invokes phone normalization, roster matching and
// account persistence, and emits audit events on every outcome path.
//
// Provisioning is effectively idempotent under concurrent duplicate triggers:
// the unique index on the canonical phone serializes creation, and the loser
// of a race re-reads the winner's account and attaches its platform link to
// it instead of failing.
//
// Observability: HandleContactEvent is OpenTelemetry-instrumented; spans
// carry the platform and outcome kind.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/phone"
	"github.com/tbourn/go-onboard-backend/internal/repo"
	"github.com/tbourn/go-onboard-backend/internal/roster"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IncomingContactEvent is the single shape the orchestrator consumes. The
// platform-specific webhook adapters normalize their payloads into it.
type IncomingContactEvent struct {
	// Platform identifies the source adapter, e.g. "telegram" or "whatsapp".
	Platform string
	// PlatformUserID is the platform's own identifier for the sender.
	PlatformUserID string
	// MessageID identifies the inbound message for duplicate suppression.
	// Empty disables event-level dedup for this delivery.
	MessageID string
	// PhoneCandidate is the best-effort phone string the adapter extracted,
	// empty when the message carried none.
	PhoneCandidate string
	// Consent reports whether the user asserted consent in this event.
	Consent bool
	// ConsentWithdrawn reports an explicit consent revocation.
	ConsentWithdrawn bool
	// Metadata carries opaque adapter context for the session payload bag.
	Metadata map[string]string
}

// AccountStore defines the account persistence capability the orchestrator
// consumes. Create must surface a uniqueness violation as repo.ErrDuplicate,
// distinguishable from other failures; AddLink must be idempotent for a
// repeated (platform, user) pair on the same account.
type AccountStore interface {
	Get(ctx context.Context, db *gorm.DB, id int64) (*domain.Account, error)
	FindByPhone(ctx context.Context, db *gorm.DB, phone string) (*domain.Account, error)
	FindLinked(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Account, error)
	Create(ctx context.Context, db *gorm.DB, phone string, rec *domain.RosterRecord, platform, platformUserID string) (*domain.Account, error)
	AddLink(ctx context.Context, db *gorm.DB, accountID int64, platform, platformUserID string) error
}

// EventLedger records handled events for at-least-once delivery suppression.
type EventLedger interface {
	Get(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID string, now time.Time) (*domain.ProcessedEvent, error)
	Put(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID, outcome string, accountID int64, ttl time.Duration) (*domain.ProcessedEvent, error)
}

// AllowFunc asks the rate limiter whether the identifier may proceed. An
// error from the backend fails open: the request is allowed and the failure
// is only logged, trading strict limiting for availability.
type AllowFunc func(identifier string) (bool, error)

// AccountService coordinates the whole provisioning flow.
type AccountService struct {
	DB         *gorm.DB
	Normalizer *phone.Normalizer
	Matcher    *roster.Matcher
	Sessions   *SessionService
	Audit      *AuditService
	Accounts   AccountStore
	Events     EventLedger

	// Limit gates every mutation; nil disables rate limiting.
	Limit AllowFunc

	// CallTimeout bounds each roster/account store call.
	CallTimeout time.Duration
	// EventTTL is how long a processed-event record suppresses replays.
	EventTTL time.Duration
}

// HandleContactEvent processes one inbound contact event and returns its
// outcome. It never returns an error: infrastructure failures and panics are
// classified into a ServiceError outcome at this boundary.
func (s *AccountService) HandleContactEvent(ctx context.Context, ev IncomingContactEvent) (out Outcome) {
	tr := otel.Tracer("services/AccountService")
	ctx, span := tr.Start(ctx, "HandleContactEvent",
		trace.WithAttributes(
			attribute.String("event.platform", ev.Platform),
		),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			s.Audit.Logger.Error().
				Interface("panic", rec).
				Str("platform", ev.Platform).
				Msg("orchestrator panic recovered")
			out = s.serviceError(fmt.Errorf("panic: %v", rec))
		}
		span.SetAttributes(attribute.String("event.outcome", string(out.Kind)))
		outcomesTotal.WithLabelValues(string(out.Kind), ev.Platform).Inc()
	}()

	// Rate limit before any session or account mutation.
	if s.Limit != nil {
		allowed, err := s.Limit(ev.Platform + ":" + ev.PlatformUserID)
		if err != nil {
			// Limiter backend down: fail open.
			s.Audit.Logger.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		} else if !allowed {
			s.Audit.Record(ctx, AuditEntry{
				Kind:           AuditRateLimited,
				Platform:       ev.Platform,
				PlatformUserID: ev.PlatformUserID,
			})
			return s.failure(ErrRateLimited)
		}
	}

	// Replay of an already-processed delivery short-circuits everything.
	if ev.MessageID != "" {
		cctx, cancel := s.callCtx(ctx)
		rec, err := s.Events.Get(cctx, s.DB, ev.Platform, ev.PlatformUserID, ev.MessageID, time.Now().UTC())
		cancel()
		if err == nil && rec != nil {
			replaysServed.Inc()
			return s.replay(ctx, rec)
		}
	}

	out = s.handle(ctx, ev)

	if ev.MessageID != "" {
		var accountID int64
		if out.Account != nil {
			accountID = out.Account.ID
		}
		cctx, cancel := s.callCtx(ctx)
		// Best effort: losing the record only means a replay re-runs the
		// idempotent flow.
		if _, err := s.Events.Put(cctx, s.DB, ev.Platform, ev.PlatformUserID, ev.MessageID, out.token(), accountID, s.eventTTL()); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			s.Audit.Logger.Warn().Err(err).Msg("processed-event record failed")
		}
		cancel()
	}
	return out
}

// handle runs the session and provisioning flow for a non-replayed event.
func (s *AccountService) handle(ctx context.Context, ev IncomingContactEvent) Outcome {
	sess, err := s.Sessions.Active(ctx, ev.Platform, ev.PlatformUserID)
	if err != nil {
		return s.serviceError(err)
	}

	if ev.ConsentWithdrawn {
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditConsentWithdrawn,
			Platform:       ev.Platform,
			Phone:          ev.PhoneCandidate,
			PlatformUserID: ev.PlatformUserID,
		})
		return s.failure(ErrConsentRequired)
	}

	// No extractable phone: open (or keep) a session and ask for one.
	if ev.PhoneCandidate == "" {
		if sess == nil {
			sess, err = s.Sessions.Create(ctx, ev.Platform, ev.PlatformUserID, domain.SessionInitiated)
			if err != nil {
				return s.serviceError(err)
			}
			s.Audit.Record(ctx, AuditEntry{
				Kind:           AuditSessionCreated,
				Platform:       ev.Platform,
				PlatformUserID: ev.PlatformUserID,
				Success:        true,
			})
		}
		return Outcome{Kind: OutcomePhoneRequested, SessionID: sess.ID}
	}

	if sess == nil {
		sess, err = s.Sessions.Create(ctx, ev.Platform, ev.PlatformUserID, domain.SessionInitiated)
		if err != nil {
			return s.serviceError(err)
		}
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditSessionCreated,
			Platform:       ev.Platform,
			PlatformUserID: ev.PlatformUserID,
			Success:        true,
		})
	}

	// Consent gates everything else: no roster lookup, no normalization
	// side effects beyond recording the rejection.
	if !ev.Consent {
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditCreationFailed,
			Platform:       ev.Platform,
			Phone:          ev.PhoneCandidate,
			PlatformUserID: ev.PlatformUserID,
			Detail:         map[string]string{"reason": CodeConsentRequired},
		})
		return s.failureWithSession(ErrConsentRequired, sess.ID)
	}
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditConsentRecorded,
		Platform:       ev.Platform,
		Phone:          ev.PhoneCandidate,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
	})

	started := time.Now().UTC()
	norm, err := s.Normalizer.Normalize(ev.PhoneCandidate)
	if err != nil {
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditPhoneValidated,
			Platform:       ev.Platform,
			Phone:          ev.PhoneCandidate,
			PlatformUserID: ev.PlatformUserID,
			Started:        started,
			Detail:         map[string]string{"code": Classify(err).Code},
		})
		// The session stays where it was; the user can send a corrected number.
		c := Classify(err)
		return Outcome{
			Kind:        OutcomeValidationFailed,
			Code:        c.Code,
			Retryable:   c.Retryable,
			UserMessage: c.UserMessage,
			SessionID:   sess.ID,
		}
	}
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditPhoneValidated,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
		Started:        started,
		Detail:         map[string]string{"class": norm.Class, "carrier": norm.Carrier},
	})

	// A completed session inside the grace window stays terminal; the
	// provisioning flow below resolves to the existing account anyway.
	if sess.Status != domain.SessionAccountCreated {
		sess, err = s.Sessions.Transition(ctx, sess, domain.SessionPhoneProvided, norm.Canonical)
		if err != nil {
			return s.serviceError(err)
		}
	}

	return s.provision(ctx, ev, sess, norm)
}

// provision executes the guarded account creation algorithm for a session in
// phone_provided (or a terminal session being re-driven by a duplicate
// trigger).
func (s *AccountService) provision(ctx context.Context, ev IncomingContactEvent, sess *domain.Session, norm *phone.Normalized) Outcome {
	cctx, cancel := s.callCtx(ctx)
	existing, err := s.Accounts.FindByPhone(cctx, s.DB, norm.Canonical)
	cancel()
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return s.provisionFailed(ctx, ev, sess, norm, err)
	}

	if existing != nil {
		return s.attachToExisting(ctx, ev, sess, norm, existing)
	}

	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditCreationStarted,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
	})

	lookupStart := time.Now().UTC()
	cctx, cancel = s.callCtx(ctx)
	rec, found, err := s.Matcher.Find(cctx, norm.Variants)
	cancel()
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditRosterLookup,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        err == nil && found,
		Started:        lookupStart,
	})
	if err != nil {
		return s.provisionFailed(ctx, ev, sess, norm, err)
	}
	if !found {
		if _, terr := s.Sessions.Transition(ctx, sess, domain.SessionCreationFailed, ""); terr != nil {
			s.Audit.Logger.Warn().Err(terr).Msg("session transition failed")
		}
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditCreationFailed,
			Platform:       ev.Platform,
			Phone:          norm.Canonical,
			PlatformUserID: ev.PlatformUserID,
			Detail:         map[string]string{"reason": CodeParentNotFound},
		})
		return s.failureWithSession(ErrParentNotFound, sess.ID)
	}

	cctx, cancel = s.callCtx(ctx)
	account, err := s.Accounts.Create(cctx, s.DB, norm.Canonical, rec, ev.Platform, ev.PlatformUserID)
	cancel()
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost the race: the winner's account exists now. Re-read and link.
		cctx, cancel = s.callCtx(ctx)
		existing, ferr := s.Accounts.FindByPhone(cctx, s.DB, norm.Canonical)
		cancel()
		if ferr != nil {
			return s.provisionFailed(ctx, ev, sess, norm, ferr)
		}
		return s.attachToExisting(ctx, ev, sess, norm, existing)
	}
	if err != nil {
		return s.provisionFailed(ctx, ev, sess, norm, err)
	}

	if _, terr := s.Sessions.Transition(ctx, sess, domain.SessionAccountCreated, ""); terr != nil {
		s.Audit.Logger.Warn().Err(terr).Msg("session transition failed")
	}
	accountsCreated.Inc()
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditCreationSucceeded,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
		Detail:         map[string]string{"roster_id": rec.ID},
	})
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditPlatformLink,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
	})
	return Outcome{Kind: OutcomeAccountCreated, Account: account, SessionID: sess.ID}
}

// attachToExisting resolves a provisioning trigger whose phone already has
// an account: link the platform identity (idempotently) and report the
// existing account. Same phone arriving twice is success without
// duplication, never a second account.
func (s *AccountService) attachToExisting(ctx context.Context, ev IncomingContactEvent, sess *domain.Session, norm *phone.Normalized, account *domain.Account) Outcome {
	cctx, cancel := s.callCtx(ctx)
	err := s.Accounts.AddLink(cctx, s.DB, account.ID, ev.Platform, ev.PlatformUserID)
	cancel()
	if errors.Is(err, repo.ErrDuplicate) {
		// This platform identity belongs to a different account.
		s.Audit.Record(ctx, AuditEntry{
			Kind:           AuditDuplicatePrevent,
			Platform:       ev.Platform,
			Phone:          norm.Canonical,
			PlatformUserID: ev.PlatformUserID,
			Detail:         map[string]string{"reason": "identity linked elsewhere"},
		})
		return s.failureWithSession(ErrLinkConflict, sess.ID)
	}
	if err != nil {
		return s.provisionFailed(ctx, ev, sess, norm, err)
	}

	duplicatesPrevented.Inc()
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditDuplicatePrevent,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
	})
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditPlatformLink,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Success:        true,
	})

	if sess.Status != domain.SessionAccountCreated {
		if _, terr := s.Sessions.Transition(ctx, sess, domain.SessionAccountCreated, norm.Canonical); terr != nil {
			s.Audit.Logger.Warn().Err(terr).Msg("session transition failed")
		}
	}

	// Refresh links so the outcome reflects the new attachment.
	cctx, cancel = s.callCtx(ctx)
	if fresh, ferr := s.Accounts.FindByPhone(cctx, s.DB, norm.Canonical); ferr == nil {
		account = fresh
	}
	cancel()

	return Outcome{Kind: OutcomeAccountAlreadyLinked, Account: account, SessionID: sess.ID}
}

// provisionFailed marks the session failed, audits the error, and returns a
// retryable service outcome. Only the classified code reaches the durable
// audit row; raw driver errors can echo query values, so they stay in the
// log line.
func (s *AccountService) provisionFailed(ctx context.Context, ev IncomingContactEvent, sess *domain.Session, norm *phone.Normalized, err error) Outcome {
	if _, terr := s.Sessions.Transition(ctx, sess, domain.SessionCreationFailed, ""); terr != nil {
		s.Audit.Logger.Warn().Err(terr).Msg("session transition failed")
	}
	s.Audit.Record(ctx, AuditEntry{
		Kind:           AuditCreationFailed,
		Platform:       ev.Platform,
		Phone:          norm.Canonical,
		PlatformUserID: ev.PlatformUserID,
		Detail:         map[string]string{"reason": Classify(err).Code},
	})
	s.Audit.Logger.Error().Err(err).Str("platform", ev.Platform).Msg("provisioning failed")
	out := s.serviceError(err)
	out.SessionID = sess.ID
	return out
}

// replay rebuilds the outcome recorded for an already-processed delivery.
func (s *AccountService) replay(ctx context.Context, rec *domain.ProcessedEvent) Outcome {
	kind, code := outcomeFromToken(rec.Outcome)
	out := Outcome{Kind: kind, Code: code}
	if code != "" {
		c := ClassificationFor(code)
		out.Retryable = c.Retryable
		out.UserMessage = c.UserMessage
	}
	if rec.AccountID > 0 {
		cctx, cancel := s.callCtx(ctx)
		if acc, err := s.Accounts.Get(cctx, s.DB, rec.AccountID); err == nil {
			out.Account = acc
		}
		cancel()
	}
	return out
}

// failure converts a classified business rejection into its outcome value.
func (s *AccountService) failure(err error) Outcome {
	c := Classify(err)
	kind := OutcomeServiceError
	switch {
	case errors.Is(err, ErrConsentRequired):
		kind = OutcomeConsentRequired
	case errors.Is(err, ErrParentNotFound):
		kind = OutcomeParentNotFound
	}
	return Outcome{Kind: kind, Code: c.Code, Retryable: c.Retryable, UserMessage: c.UserMessage}
}

func (s *AccountService) failureWithSession(err error, sessionID string) Outcome {
	out := s.failure(err)
	out.SessionID = sessionID
	return out
}

// serviceError wraps an infrastructure failure into a retryable outcome.
func (s *AccountService) serviceError(err error) Outcome {
	c := Classify(err)
	if !c.Retryable {
		// Infrastructure paths always offer a retry; only the classified
		// business rejections are terminal.
		c = ClassificationFor(CodeAccountCreationError)
	}
	return Outcome{Kind: OutcomeServiceError, Code: c.Code, Retryable: c.Retryable, UserMessage: c.UserMessage}
}

func (s *AccountService) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *AccountService) eventTTL() time.Duration {
	if s.EventTTL <= 0 {
		return 24 * time.Hour
	}
	return s.EventTTL
}
