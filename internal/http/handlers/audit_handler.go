// Audit HTTP handlers.
//
// This file exposes the read-only compliance surface:
//   - GET /admin/audit          (filtered event listing, newest first)
//   - GET /admin/audit/report   (aggregated window report)
//
// Events are stored with masked subjects; filters accept raw values and are
// masked before matching, so the API never needs (or returns) unmasked PII.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/services"
	"github.com/tbourn/go-onboard-backend/internal/utils"
)

// AuditReader defines the audit retrieval operations consumed by handlers.
type AuditReader interface {
	Query(ctx context.Context, f services.QueryFilter) ([]domain.AuditEvent, error)
	Report(ctx context.Context, window time.Duration) (*services.ComplianceReport, error)
}

// AuditEventDTO is the JSON projection of one audit event.
type AuditEventDTO struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Platform    string    `json:"platform,omitempty"`
	PhoneMasked string    `json:"phone_masked,omitempty"`
	UserMasked  string    `json:"user_masked,omitempty"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListAudit handles GET /admin/audit.
//
// Query parameters: phone, user (raw values, masked server-side), kind,
// platform, from, to (RFC 3339), limit (default 100, capped at 500).
func (h *Handlers) ListAudit(c *gin.Context) {
	f := services.QueryFilter{
		Phone:          c.Query("phone"),
		PlatformUserID: c.Query("user"),
		Kind:           c.Query("kind"),
		Platform:       c.Query("platform"),
		Limit:          utils.AtoiDefault(c.Query("limit"), 100),
	}
	if f.Limit < 1 || f.Limit > 500 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be between 1 and 500")
		return
	}
	var err error
	if f.From, err = parseTimeParam(c.Query("from")); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "from must be RFC 3339")
		return
	}
	if f.To, err = parseTimeParam(c.Query("to")); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "to must be RFC 3339")
		return
	}

	events, err := h.audit.Query(c.Request.Context(), f)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list audit events")
		return
	}

	items := make([]AuditEventDTO, 0, len(events))
	for _, ev := range events {
		items = append(items, AuditEventDTO{
			ID:          ev.ID,
			Kind:        ev.Kind,
			Platform:    ev.Platform,
			PhoneMasked: ev.PhoneMasked,
			UserMasked:  ev.UserMasked,
			Success:     ev.Success,
			DurationMS:  ev.DurationMS,
			Detail:      ev.Detail,
			CreatedAt:   ev.CreatedAt,
		})
	}
	ok(c, http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// AuditReport handles GET /admin/audit/report.
//
// The window query parameter takes a Go duration ("24h", "168h"); it
// defaults to 24h.
func (h *Handlers) AuditReport(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	rep, err := h.audit.Report(c.Request.Context(), window)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeReportFailed, "could not build audit report")
		return
	}
	ok(c, http.StatusOK, rep)
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
