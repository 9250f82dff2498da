// Package services defines the business logic for account onboarding:
// session tracking, provisioning orchestration, and the audit trail. This
// file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; the
// orchestrator translates them into discriminated Outcome values before they
// cross the webhook boundary.
package services

import "errors"

var (
	// ErrConsentRequired is returned when a provisioning trigger carries no
	// explicit consent flag. The caller must resubmit with consent.
	ErrConsentRequired = errors.New("consent required")

	// ErrParentNotFound indicates that no roster record matches any variant
	// of the normalized phone. Terminal for this phone unless the roster
	// changes.
	ErrParentNotFound = errors.New("parent not found in roster")

	// ErrAccountExists indicates an account already holds the canonical
	// phone. It is recovered as success-with-existing-account wherever the
	// call path allows.
	ErrAccountExists = errors.New("account already exists for phone")

	// ErrLinkConflict is returned when a (platform, user) identity is
	// already linked to a different account than the one being attached.
	ErrLinkConflict = errors.New("platform identity linked to another account")

	// ErrIllegalTransition is returned when a session status change would
	// move backwards along the state machine.
	ErrIllegalTransition = errors.New("illegal session transition")

	// ErrSessionNotFound indicates that the requested session does not
	// exist or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRateLimited is returned when the per-identifier request budget is
	// exhausted. Retryable after backoff.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrStoreUnavailable wraps connectivity failures and timeouts from the
	// roster/account/audit stores. Always retryable.
	ErrStoreUnavailable = errors.New("store unavailable")
)
