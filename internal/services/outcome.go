// Package services – Outcome
//
// The orchestrator's public contract is a value, never a thrown error: every
// inbound contact event resolves to exactly one Outcome that the webhook
// adapters translate into user-facing replies. This file defines the closed
// set of outcome kinds and the Outcome envelope.
package services

import (
	"strings"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

// OutcomeKind enumerates every result the orchestrator can produce.
type OutcomeKind string

const (
	// OutcomePhoneRequested asks the caller to prompt the user for a phone
	// number; a session now tracks the conversation.
	OutcomePhoneRequested OutcomeKind = "phone_requested"

	// OutcomeValidationFailed rejects the phone candidate; Code carries the
	// specific validation error.
	OutcomeValidationFailed OutcomeKind = "validation_failed"

	// OutcomeAccountCreated reports a newly provisioned account.
	OutcomeAccountCreated OutcomeKind = "account_created"

	// OutcomeAccountAlreadyLinked reports that the phone already has an
	// account; the platform identity was attached (or was already attached)
	// without creating a duplicate.
	OutcomeAccountAlreadyLinked OutcomeKind = "account_already_linked"

	// OutcomeParentNotFound reports that no enrolled family matches the
	// phone in the roster.
	OutcomeParentNotFound OutcomeKind = "parent_not_found"

	// OutcomeConsentRequired rejects a trigger without an explicit consent
	// flag.
	OutcomeConsentRequired OutcomeKind = "consent_required"

	// OutcomeServiceError reports an infrastructure failure; Retryable tells
	// the adapter whether to offer a retry affordance.
	OutcomeServiceError OutcomeKind = "service_error"
)

// Outcome is the discriminated result of handling one inbound contact event.
//
// Fields beyond Kind are populated per kind: Account for the two account
// outcomes, Code/Retryable/UserMessage from the error classifier for the
// failure outcomes.
type Outcome struct {
	Kind        OutcomeKind     `json:"kind"`
	Code        string          `json:"code,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
	UserMessage string          `json:"user_message,omitempty"`
	Account     *domain.Account `json:"account,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
}

// token serializes the outcome for the processed-events dedup table as
// "kind" or "kind:code".
func (o Outcome) token() string {
	if o.Code == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ":" + o.Code
}

// outcomeFromToken rebuilds the kind and code recorded by token. Unknown
// tokens collapse to a retryable service error so a corrupt dedup row can
// never fabricate success.
func outcomeFromToken(tok string) (OutcomeKind, string) {
	kind, code, _ := strings.Cut(tok, ":")
	switch OutcomeKind(kind) {
	case OutcomePhoneRequested, OutcomeValidationFailed, OutcomeAccountCreated,
		OutcomeAccountAlreadyLinked, OutcomeParentNotFound, OutcomeConsentRequired,
		OutcomeServiceError:
		return OutcomeKind(kind), code
	default:
		return OutcomeServiceError, CodeInternalError
	}
}
