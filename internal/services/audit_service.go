// Package services – AuditService
//
// This file implements the append-only audit trail. Every orchestrator
// outcome path records an event; phone numbers and platform user ids are
// masked before the row is built so unmasked values never reach durable
// storage. Appends are best-effort: a failed write is logged and swallowed,
// never rolling back or masking the underlying business outcome.
package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/privacy"
	"github.com/tbourn/go-onboard-backend/internal/repo"
)

// Audit event kinds. The enumeration is closed; Record rejects anything else.
const (
	AuditCreationStarted   = "creation-started"
	AuditCreationSucceeded = "creation-succeeded"
	AuditCreationFailed    = "creation-failed"
	AuditPhoneValidated    = "phone-validated"
	AuditRosterLookup      = "roster-lookup-performed"
	AuditDuplicatePrevent  = "duplicate-prevented"
	AuditPlatformLink      = "platform-link-created"
	AuditConsentRecorded   = "consent-recorded"
	AuditConsentWithdrawn  = "consent-withdrawn"
	AuditRateLimited       = "rate-limit-triggered"
	AuditSessionCreated    = "session-created"
	AuditSessionExpired    = "session-expired"
)

var auditKinds = map[string]struct{}{
	AuditCreationStarted:   {},
	AuditCreationSucceeded: {},
	AuditCreationFailed:    {},
	AuditPhoneValidated:    {},
	AuditRosterLookup:      {},
	AuditDuplicatePrevent:  {},
	AuditPlatformLink:      {},
	AuditConsentRecorded:   {},
	AuditConsentWithdrawn:  {},
	AuditRateLimited:       {},
	AuditSessionCreated:    {},
	AuditSessionExpired:    {},
}

// AuditRepo defines the persistence contract required by AuditService.
type AuditRepo interface {
	Append(ctx context.Context, db *gorm.DB, ev *domain.AuditEvent) error
	List(ctx context.Context, db *gorm.DB, f repo.AuditFilter) ([]domain.AuditEvent, error)
	Aggregates(ctx context.Context, db *gorm.DB, from, to time.Time) (kinds []repo.AuditKindCount, total, succeeded, subjects int64, err error)
	PurgeOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// AuditEntry is the unmasked input the orchestrator hands to Record. Masking
// happens inside the service.
type AuditEntry struct {
	Kind           string
	Platform       string
	Phone          string
	PlatformUserID string
	Success        bool
	Started        time.Time
	Detail         map[string]string
}

// QueryFilter narrows audit retrieval. Phone and PlatformUserID are accepted
// raw and masked before matching, since only masked values are stored.
type QueryFilter struct {
	Phone          string
	PlatformUserID string
	Kind           string
	Platform       string
	From           time.Time
	To             time.Time
	Limit          int
}

// ComplianceReport aggregates audit activity over a bounded window.
type ComplianceReport struct {
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	TotalEvents    int64            `json:"total_events"`
	Succeeded      int64            `json:"succeeded"`
	SuccessRate    float64          `json:"success_rate"`
	UniqueSubjects int64            `json:"unique_subjects"`
	EventsByKind   map[string]int64 `json:"events_by_kind"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// AuditService writes and reads the audit trail.
type AuditService struct {
	DB     *gorm.DB
	Repo   AuditRepo
	Logger zerolog.Logger

	// AppendTimeout bounds each best-effort write.
	AppendTimeout time.Duration
	// Retention is the window Purge enforces.
	Retention time.Duration
}

// NewAuditService constructs an AuditService with the given retention window.
func NewAuditService(db *gorm.DB, r AuditRepo, logger zerolog.Logger, retention time.Duration) *AuditService {
	if retention <= 0 {
		retention = 365 * 24 * time.Hour
	}
	return &AuditService{
		DB:            db,
		Repo:          r,
		Logger:        logger,
		AppendTimeout: 2 * time.Second,
		Retention:     retention,
	}
}

// Record masks the entry and appends it. It never returns an error: append
// failures and unknown kinds are logged and dropped so the business outcome
// is unaffected. The write survives cancellation of the request context.
func (s *AuditService) Record(ctx context.Context, e AuditEntry) {
	if _, ok := auditKinds[e.Kind]; !ok {
		s.Logger.Error().Str("kind", e.Kind).Msg("audit: unknown event kind dropped")
		return
	}

	ev := &domain.AuditEvent{
		ID:          uuid.NewString(),
		Kind:        e.Kind,
		Platform:    e.Platform,
		PhoneMasked: privacy.Mask(e.Phone),
		UserMasked:  privacy.Mask(e.PlatformUserID),
		Success:     e.Success,
		CreatedAt:   time.Now().UTC(),
	}
	if !e.Started.IsZero() {
		ev.DurationMS = time.Since(e.Started).Milliseconds()
	}
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			ev.Detail = string(b)
		}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.AppendTimeout)
	defer cancel()
	if err := s.Repo.Append(wctx, s.DB, ev); err != nil {
		s.Logger.Warn().Err(err).Str("kind", e.Kind).Msg("audit: append failed")
	}
}

// Query returns events matching the filter, newest first.
func (s *AuditService) Query(ctx context.Context, f QueryFilter) ([]domain.AuditEvent, error) {
	return s.Repo.List(ctx, s.DB, repo.AuditFilter{
		PhoneMasked: privacy.Mask(f.Phone),
		UserMasked:  privacy.Mask(f.PlatformUserID),
		Kind:        f.Kind,
		Platform:    f.Platform,
		From:        f.From,
		To:          f.To,
		Limit:       f.Limit,
	})
}

// Report aggregates the trailing window into a compliance summary.
func (s *AuditService) Report(ctx context.Context, window time.Duration) (*ComplianceReport, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now().UTC()
	from := now.Add(-window)

	kinds, total, succeeded, subjects, err := s.Repo.Aggregates(ctx, s.DB, from, now)
	if err != nil {
		return nil, err
	}

	rep := &ComplianceReport{
		From:           from,
		To:             now,
		TotalEvents:    total,
		Succeeded:      succeeded,
		UniqueSubjects: subjects,
		EventsByKind:   make(map[string]int64, len(kinds)),
		GeneratedAt:    now,
	}
	if total > 0 {
		rep.SuccessRate = float64(succeeded) / float64(total)
	}
	for _, k := range kinds {
		rep.EventsByKind[k.Kind] = k.Count
	}
	return rep, nil
}

// Purge enforces the retention window.
func (s *AuditService) Purge(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.Retention)
	return s.Repo.PurgeOlderThan(ctx, s.DB, cutoff)
}
