// Package services – ErrorClassifier
//
// Classify maps any failure raised inside the orchestrator onto a stable
// {code, severity, retryable, user message} record. Severity drives the log
// level only; retryability drives whether the webhook adapter offers the user
// a retry affordance. Classification is a pure lookup over error kind.
package services

import (
	"context"
	"errors"

	"github.com/tbourn/go-onboard-backend/internal/phone"
	"github.com/tbourn/go-onboard-backend/internal/repo"
)

// Stable error codes surfaced to webhook adapters and recorded in audit
// detail. The set is closed; adapters branch on these strings.
const (
	CodeInvalidPhoneFormat   = "INVALID_PHONE_FORMAT"
	CodePhoneNotMobile       = "PHONE_NOT_MOBILE"
	CodePhoneTooShort        = "PHONE_TOO_SHORT"
	CodePhoneTooLong         = "PHONE_TOO_LONG"
	CodeUnsupportedRegion    = "UNSUPPORTED_REGION"
	CodeParentNotFound       = "PARENT_NOT_FOUND"
	CodeAccountAlreadyExists = "ACCOUNT_ALREADY_EXISTS"
	CodeConsentRequired      = "CONSENT_REQUIRED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeAccountCreationError = "ACCOUNT_CREATION_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Severity levels for classified failures.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Classification is the stable record a failure maps to.
type Classification struct {
	Code        string
	Severity    string
	Retryable   bool
	UserMessage string
}

// classifications is the closed taxonomy table.
var classifications = map[string]Classification{
	CodeInvalidPhoneFormat: {
		Code: CodeInvalidPhoneFormat, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Ce numéro de téléphone n'est pas valide. Merci de vérifier et de le saisir à nouveau.",
	},
	CodePhoneNotMobile: {
		Code: CodePhoneNotMobile, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Merci d'utiliser un numéro de téléphone mobile (70, 75, 76, 77 ou 78).",
	},
	CodePhoneTooShort: {
		Code: CodePhoneTooShort, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Ce numéro est trop court. Merci de saisir le numéro complet.",
	},
	CodePhoneTooLong: {
		Code: CodePhoneTooLong, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Ce numéro est trop long. Merci de vérifier le numéro saisi.",
	},
	CodeUnsupportedRegion: {
		Code: CodeUnsupportedRegion, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Ce numéro provient d'un pays non pris en charge.",
	},
	CodeParentNotFound: {
		Code: CodeParentNotFound, Severity: SeverityWarning, Retryable: false,
		UserMessage: "Nous n'avons pas trouvé ce numéro dans le registre des familles inscrites. Merci de contacter le secrétariat.",
	},
	CodeAccountAlreadyExists: {
		Code: CodeAccountAlreadyExists, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Un compte existe déjà pour ce numéro. Vous pouvez l'utiliser directement.",
	},
	CodeConsentRequired: {
		Code: CodeConsentRequired, Severity: SeverityInfo, Retryable: false,
		UserMessage: "Votre consentement est nécessaire pour créer le compte. Merci de renvoyer votre numéro avec votre accord.",
	},
	CodeRateLimited: {
		Code: CodeRateLimited, Severity: SeverityWarning, Retryable: true,
		UserMessage: "Trop de demandes en peu de temps. Merci de réessayer dans un instant.",
	},
	CodeServiceUnavailable: {
		Code: CodeServiceUnavailable, Severity: SeverityError, Retryable: true,
		UserMessage: "Le service est momentanément indisponible. Merci de réessayer plus tard.",
	},
	CodeAccountCreationError: {
		Code: CodeAccountCreationError, Severity: SeverityError, Retryable: true,
		UserMessage: "La création du compte a échoué. Merci de réessayer plus tard.",
	},
	CodeInternalError: {
		Code: CodeInternalError, Severity: SeverityError, Retryable: true,
		UserMessage: "Une erreur inattendue s'est produite. Merci de réessayer plus tard.",
	},
}

// Classify maps err onto the taxonomy. Unknown errors classify as
// INTERNAL_ERROR; a nil err has no classification and returns the internal
// record as well, so callers should only classify actual failures.
func Classify(err error) Classification {
	switch {
	case errors.Is(err, phone.ErrNotMobile):
		return classifications[CodePhoneNotMobile]
	case errors.Is(err, phone.ErrTooShort):
		return classifications[CodePhoneTooShort]
	case errors.Is(err, phone.ErrTooLong):
		return classifications[CodePhoneTooLong]
	case errors.Is(err, phone.ErrUnsupportedRegion):
		return classifications[CodeUnsupportedRegion]
	case errors.Is(err, phone.ErrInvalidFormat):
		return classifications[CodeInvalidPhoneFormat]
	case errors.Is(err, ErrParentNotFound):
		return classifications[CodeParentNotFound]
	case errors.Is(err, ErrAccountExists), errors.Is(err, ErrLinkConflict), errors.Is(err, repo.ErrDuplicate):
		return classifications[CodeAccountAlreadyExists]
	case errors.Is(err, ErrConsentRequired):
		return classifications[CodeConsentRequired]
	case errors.Is(err, ErrRateLimited):
		return classifications[CodeRateLimited]
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return classifications[CodeServiceUnavailable]
	case errors.Is(err, ErrStoreUnavailable):
		return classifications[CodeAccountCreationError]
	default:
		return classifications[CodeInternalError]
	}
}

// ClassificationFor returns the record for a known code, falling back to the
// internal-error record. Used when replaying recorded outcomes.
func ClassificationFor(code string) Classification {
	if c, ok := classifications[code]; ok {
		return c
	}
	return classifications[CodeInternalError]
}
