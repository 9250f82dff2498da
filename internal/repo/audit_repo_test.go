package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
)

func newAuditDB(t *testing.T) *gorm.DB {
	t.Helper()
	return newRepoDB(t, &domain.AuditEvent{})
}

func appendEvent(t *testing.T, db *gorm.DB, kind, platform, phoneMasked string, success bool, at time.Time) {
	t.Helper()
	ev := &domain.AuditEvent{
		ID:          uuid.NewString(),
		Kind:        kind,
		Platform:    platform,
		PhoneMasked: phoneMasked,
		Success:     success,
		CreatedAt:   at,
	}
	if err := AppendAudit(context.Background(), db, ev); err != nil {
		t.Fatal(err)
	}
}

func TestListAudit_FiltersAndOrder(t *testing.T) {
	db := newAuditDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendEvent(t, db, "creation-succeeded", "telegram", "+22*****555", true, now.Add(-3*time.Hour))
	appendEvent(t, db, "creation-failed", "telegram", "+22*****999", false, now.Add(-2*time.Hour))
	appendEvent(t, db, "creation-succeeded", "whatsapp", "+22*****555", true, now.Add(-time.Hour))

	out, err := ListAudit(ctx, db, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("unfiltered: %d events; want 3", len(out))
	}
	if out[0].Platform != "whatsapp" {
		t.Fatalf("first event platform = %q; want newest first", out[0].Platform)
	}

	out, err = ListAudit(ctx, db, AuditFilter{Kind: "creation-failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].PhoneMasked != "+22*****999" {
		t.Fatalf("kind filter: %+v", out)
	}

	out, err = ListAudit(ctx, db, AuditFilter{PhoneMasked: "+22*****555", Platform: "telegram"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Kind != "creation-succeeded" {
		t.Fatalf("phone+platform filter: %+v", out)
	}

	// Half-open window [from, to) excludes the newest event.
	out, err = ListAudit(ctx, db, AuditFilter{
		From: now.Add(-4 * time.Hour),
		To:   now.Add(-90 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("window filter: %d events; want 2", len(out))
	}

	out, err = ListAudit(ctx, db, AuditFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("limit: %d events; want 2", len(out))
	}
}

func TestAuditAggregates(t *testing.T) {
	db := newAuditDB(t)
	now := time.Now().UTC()

	appendEvent(t, db, "creation-succeeded", "telegram", "+22*****555", true, now.Add(-time.Hour))
	appendEvent(t, db, "creation-succeeded", "whatsapp", "+22*****555", true, now.Add(-time.Hour))
	appendEvent(t, db, "phone-invalid", "telegram", "", false, now.Add(-time.Hour))
	appendEvent(t, db, "creation-failed", "telegram", "+22*****999", false, now.Add(-time.Hour))
	// Outside the window, must not count.
	appendEvent(t, db, "creation-succeeded", "telegram", "+22*****111", true, now.Add(-48*time.Hour))

	kinds, total, succeeded, subjects, err := AuditAggregates(context.Background(), db, now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || succeeded != 2 {
		t.Fatalf("total=%d succeeded=%d; want 4/2", total, succeeded)
	}
	if subjects != 2 {
		t.Fatalf("subjects = %d; want 2 distinct masked phones", subjects)
	}
	want := []AuditKindCount{
		{Kind: "creation-failed", Count: 1},
		{Kind: "creation-succeeded", Count: 2},
		{Kind: "phone-invalid", Count: 1},
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %+v", kinds)
	}
	for i, w := range want {
		if kinds[i] != w {
			t.Fatalf("kinds[%d] = %+v; want %+v", i, kinds[i], w)
		}
	}
}

func TestAuditAggregates_EmptyWindow(t *testing.T) {
	db := newAuditDB(t)
	now := time.Now().UTC()

	kinds, total, succeeded, subjects, err := AuditAggregates(context.Background(), db, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if kinds != nil || total != 0 || succeeded != 0 || subjects != 0 {
		t.Fatalf("empty window: kinds=%v total=%d succeeded=%d subjects=%d", kinds, total, succeeded, subjects)
	}
}

func TestPurgeAuditOlderThan(t *testing.T) {
	db := newAuditDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendEvent(t, db, "creation-succeeded", "telegram", "+22*****555", true, now.Add(-72*time.Hour))
	appendEvent(t, db, "creation-succeeded", "telegram", "+22*****999", true, now.Add(-time.Hour))

	n, err := PurgeAuditOlderThan(ctx, db, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d events; want 1", n)
	}

	remaining, err := ListAudit(ctx, db, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].PhoneMasked != "+22*****999" {
		t.Fatalf("remaining = %+v", remaining)
	}
}
