package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/phone"
	"github.com/tbourn/go-onboard-backend/internal/repo"
	"github.com/tbourn/go-onboard-backend/internal/roster"
)

const (
	testPhone  = "+221765005555"
	testUserID = "tg-1001"
)

type fakeAccountStore struct {
	byPhone     map[string]*domain.Account
	nextID      int64
	createCalls int
	createErr   error
	findErr     error
	linkErr     error
	links       []string
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{byPhone: map[string]*domain.Account{}, nextID: 1}
}

func (f *fakeAccountStore) Get(_ context.Context, _ *gorm.DB, id int64) (*domain.Account, error) {
	for _, acc := range f.byPhone {
		if acc.ID == id {
			return acc, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeAccountStore) FindByPhone(_ context.Context, _ *gorm.DB, p string) (*domain.Account, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if acc, ok := f.byPhone[p]; ok {
		return acc, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeAccountStore) FindLinked(_ context.Context, _ *gorm.DB, _, _ string) (*domain.Account, error) {
	return nil, repo.ErrNotFound
}

func (f *fakeAccountStore) Create(_ context.Context, _ *gorm.DB, p string, rec *domain.RosterRecord, platform, userID string) (*domain.Account, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	acc := &domain.Account{ID: f.nextID, Phone: p, RosterID: rec.ID, RosterCode: rec.Code, DisplayName: rec.DisplayName, Active: true}
	f.nextID++
	f.byPhone[p] = acc
	f.links = append(f.links, platform+":"+userID)
	return acc, nil
}

func (f *fakeAccountStore) AddLink(_ context.Context, _ *gorm.DB, _ int64, platform, userID string) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	f.links = append(f.links, platform+":"+userID)
	return nil
}

type fakeLedger struct {
	recs   map[string]*domain.ProcessedEvent
	puts   int
	getErr error
}

func newFakeLedger() *fakeLedger { return &fakeLedger{recs: map[string]*domain.ProcessedEvent{}} }

func ledgerKey(platform, userID, msgID string) string { return platform + "|" + userID + "|" + msgID }

func (f *fakeLedger) Get(_ context.Context, _ *gorm.DB, platform, userID, msgID string, _ time.Time) (*domain.ProcessedEvent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if rec, ok := f.recs[ledgerKey(platform, userID, msgID)]; ok {
		return rec, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeLedger) Put(_ context.Context, _ *gorm.DB, platform, userID, msgID, outcome string, accountID int64, _ time.Duration) (*domain.ProcessedEvent, error) {
	f.puts++
	key := ledgerKey(platform, userID, msgID)
	if _, ok := f.recs[key]; ok {
		return nil, repo.ErrDuplicate
	}
	rec := &domain.ProcessedEvent{Platform: platform, PlatformUserID: userID, MessageID: msgID, Outcome: outcome, AccountID: accountID}
	f.recs[key] = rec
	return rec, nil
}

type staticDirectory struct {
	rec   *domain.RosterRecord
	err   error
	calls int
}

func (d *staticDirectory) FindByPhone(_ context.Context, p string) (*domain.RosterRecord, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if d.rec != nil && (p == d.rec.Phone || p == d.rec.PhoneAlt) {
		return d.rec, nil
	}
	return nil, nil
}

type orchestratorFixture struct {
	svc      *AccountService
	store    *fakeAccountStore
	ledger   *fakeLedger
	sessions *fakeSessionRepo
	audit    *fakeAuditRepo
	dir      *staticDirectory
}

func newOrchestrator() *orchestratorFixture {
	f := &orchestratorFixture{
		store:    newFakeAccountStore(),
		ledger:   newFakeLedger(),
		sessions: &fakeSessionRepo{},
		audit:    &fakeAuditRepo{},
		dir: &staticDirectory{rec: &domain.RosterRecord{
			ID: "R-1", Code: "FAM-042", DisplayName: "Famille Ndiaye", Phone: testPhone,
		}},
	}
	f.svc = &AccountService{
		Normalizer: phone.NewNormalizer("SN", true, nil),
		Matcher:    roster.NewMatcher(f.dir),
		Sessions:   NewSessionService(nil, f.sessions, 30*time.Minute, 5*time.Minute),
		Audit:      NewAuditService(nil, f.audit, zerolog.Nop(), 0),
		Accounts:   f.store,
		Events:     f.ledger,
	}
	return f
}

func (f *orchestratorFixture) auditKinds() []string {
	kinds := make([]string, 0, len(f.audit.events))
	for _, ev := range f.audit.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (f *orchestratorFixture) hasAuditKind(kind string) bool {
	for _, k := range f.auditKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func contactEvent(phoneCandidate string) IncomingContactEvent {
	return IncomingContactEvent{
		Platform:       "telegram",
		PlatformUserID: testUserID,
		MessageID:      "m-1",
		PhoneCandidate: phoneCandidate,
		Consent:        true,
	}
}

func TestHandleContactEvent_NoPhoneOpensSession(t *testing.T) {
	f := newOrchestrator()
	ev := contactEvent("")

	out := f.svc.HandleContactEvent(context.Background(), ev)
	if out.Kind != OutcomePhoneRequested {
		t.Fatalf("Kind = %s; want phone_requested", out.Kind)
	}
	if out.SessionID == "" {
		t.Error("missing session id")
	}
	if len(f.sessions.created) != 1 || f.sessions.created[0] != domain.SessionInitiated {
		t.Errorf("sessions created = %v; want one initiated", f.sessions.created)
	}
	if !f.hasAuditKind(AuditSessionCreated) {
		t.Errorf("audit kinds = %v; want session-created", f.auditKinds())
	}
}

func TestHandleContactEvent_NoPhoneReusesLiveSession(t *testing.T) {
	f := newOrchestrator()
	f.sessions.latest = sessionAt(domain.SessionInitiated, time.Minute)

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(""))
	if out.Kind != OutcomePhoneRequested {
		t.Fatalf("Kind = %s; want phone_requested", out.Kind)
	}
	if out.SessionID != f.sessions.latest.ID {
		t.Errorf("SessionID = %s; want the live session %s", out.SessionID, f.sessions.latest.ID)
	}
	if len(f.sessions.created) != 0 {
		t.Errorf("created a second session: %v", f.sessions.created)
	}
}

func TestHandleContactEvent_CreatesAccount(t *testing.T) {
	f := newOrchestrator()

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeAccountCreated {
		t.Fatalf("Kind = %s (code %s); want account_created", out.Kind, out.Code)
	}
	if out.Account == nil || out.Account.Phone != testPhone || out.Account.RosterCode != "FAM-042" {
		t.Fatalf("Account = %+v", out.Account)
	}
	if f.store.createCalls != 1 {
		t.Errorf("createCalls = %d; want 1", f.store.createCalls)
	}

	wantStatuses := []string{domain.SessionPhoneProvided + "|" + testPhone, domain.SessionAccountCreated + "|"}
	if len(f.sessions.updates) != 2 || f.sessions.updates[0] != wantStatuses[0] || f.sessions.updates[1] != wantStatuses[1] {
		t.Errorf("session updates = %v; want %v", f.sessions.updates, wantStatuses)
	}

	for _, kind := range []string{AuditPhoneValidated, AuditCreationStarted, AuditRosterLookup, AuditCreationSucceeded, AuditPlatformLink} {
		if !f.hasAuditKind(kind) {
			t.Errorf("audit kinds = %v; missing %s", f.auditKinds(), kind)
		}
	}
}

func TestHandleContactEvent_RosterMiss(t *testing.T) {
	f := newOrchestrator()
	f.dir.rec = nil

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeParentNotFound || out.Code != CodeParentNotFound {
		t.Fatalf("outcome = %+v; want parent_not_found", out)
	}
	if out.Retryable {
		t.Error("roster miss must not be retryable")
	}
	if f.store.createCalls != 0 {
		t.Errorf("createCalls = %d; want 0", f.store.createCalls)
	}
	last := f.sessions.updates[len(f.sessions.updates)-1]
	if last != domain.SessionCreationFailed+"|" {
		t.Errorf("last session update = %q; want creation_failed", last)
	}
	if !f.hasAuditKind(AuditCreationFailed) {
		t.Errorf("audit kinds = %v; missing creation-failed", f.auditKinds())
	}
}

func TestHandleContactEvent_InvalidPhoneKeepsSession(t *testing.T) {
	f := newOrchestrator()

	out := f.svc.HandleContactEvent(context.Background(), contactEvent("12345"))
	if out.Kind != OutcomeValidationFailed || out.Code != CodePhoneTooShort {
		t.Fatalf("outcome = %+v; want validation_failed/PHONE_TOO_SHORT", out)
	}
	if out.UserMessage == "" {
		t.Error("validation failure must carry a user message")
	}
	// The session stays in its current state so the user can resend.
	if len(f.sessions.updates) != 0 {
		t.Errorf("session updates = %v; want none", f.sessions.updates)
	}
	if f.dir.calls != 0 {
		t.Errorf("roster queried %d times for an invalid phone", f.dir.calls)
	}
}

func TestHandleContactEvent_FixedLineRejected(t *testing.T) {
	f := newOrchestrator()

	out := f.svc.HandleContactEvent(context.Background(), contactEvent("+221338123456"))
	if out.Kind != OutcomeValidationFailed || out.Code != CodePhoneNotMobile {
		t.Fatalf("outcome = %+v; want validation_failed/PHONE_NOT_MOBILE", out)
	}
}

func TestHandleContactEvent_SamePhoneTwiceDoesNotDuplicate(t *testing.T) {
	f := newOrchestrator()

	first := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if first.Kind != OutcomeAccountCreated {
		t.Fatalf("first = %+v", first)
	}

	ev2 := contactEvent(testPhone)
	ev2.Platform = "whatsapp"
	ev2.PlatformUserID = "wa-2002"
	ev2.MessageID = "m-2"
	second := f.svc.HandleContactEvent(context.Background(), ev2)

	if second.Kind != OutcomeAccountAlreadyLinked {
		t.Fatalf("second = %+v; want account_already_linked", second)
	}
	if second.Account == nil || second.Account.ID != first.Account.ID {
		t.Fatalf("second resolved to a different account: %+v", second.Account)
	}
	if f.store.createCalls != 1 {
		t.Errorf("createCalls = %d; want 1", f.store.createCalls)
	}
	if !f.hasAuditKind(AuditDuplicatePrevent) {
		t.Errorf("audit kinds = %v; missing duplicate-prevented", f.auditKinds())
	}
}

func TestHandleContactEvent_LinkConflict(t *testing.T) {
	f := newOrchestrator()
	f.store.byPhone[testPhone] = &domain.Account{ID: 9, Phone: testPhone}
	f.store.linkErr = repo.ErrDuplicate

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Code != CodeAccountAlreadyExists {
		t.Fatalf("Code = %s; want ACCOUNT_ALREADY_EXISTS", out.Code)
	}
	if out.Kind == OutcomeAccountCreated || out.Kind == OutcomeAccountAlreadyLinked {
		t.Fatalf("Kind = %s; a conflicting identity must not resolve to an account", out.Kind)
	}
	if !f.hasAuditKind(AuditDuplicatePrevent) {
		t.Errorf("audit kinds = %v; missing duplicate-prevented", f.auditKinds())
	}
}

func TestHandleContactEvent_ConsentMissingSkipsRosterLookup(t *testing.T) {
	f := newOrchestrator()
	ev := contactEvent(testPhone)
	ev.Consent = false

	out := f.svc.HandleContactEvent(context.Background(), ev)
	if out.Kind != OutcomeConsentRequired || out.Code != CodeConsentRequired {
		t.Fatalf("outcome = %+v; want consent_required", out)
	}
	if f.dir.calls != 0 {
		t.Errorf("roster queried %d times without consent", f.dir.calls)
	}
	if f.store.createCalls != 0 {
		t.Errorf("createCalls = %d; want 0", f.store.createCalls)
	}
}

func TestHandleContactEvent_ConsentWithdrawn(t *testing.T) {
	f := newOrchestrator()
	ev := contactEvent(testPhone)
	ev.ConsentWithdrawn = true

	out := f.svc.HandleContactEvent(context.Background(), ev)
	if out.Kind != OutcomeConsentRequired {
		t.Fatalf("Kind = %s; want consent_required", out.Kind)
	}
	if !f.hasAuditKind(AuditConsentWithdrawn) {
		t.Errorf("audit kinds = %v; missing consent-withdrawn", f.auditKinds())
	}
}

func TestHandleContactEvent_RedeliverySuppressed(t *testing.T) {
	f := newOrchestrator()
	ev := contactEvent(testPhone)

	first := f.svc.HandleContactEvent(context.Background(), ev)
	if first.Kind != OutcomeAccountCreated {
		t.Fatalf("first = %+v", first)
	}
	creates := f.store.createCalls
	puts := f.ledger.puts

	second := f.svc.HandleContactEvent(context.Background(), ev)
	if second.Kind != OutcomeAccountCreated {
		t.Fatalf("replay kind = %s; want the recorded outcome", second.Kind)
	}
	if f.store.createCalls != creates {
		t.Errorf("replay re-ran provisioning: createCalls %d → %d", creates, f.store.createCalls)
	}
	if f.ledger.puts != puts {
		t.Errorf("replay re-recorded the event: puts %d → %d", puts, f.ledger.puts)
	}
}

func TestHandleContactEvent_ReplayFailureKeepsUserMessage(t *testing.T) {
	f := newOrchestrator()
	f.ledger.recs[ledgerKey("telegram", testUserID, "m-1")] = &domain.ProcessedEvent{
		Outcome: string(OutcomeParentNotFound) + ":" + CodeParentNotFound,
	}

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeParentNotFound || out.Code != CodeParentNotFound {
		t.Fatalf("outcome = %+v", out)
	}
	if out.UserMessage == "" {
		t.Error("replayed failure must carry the user message")
	}
}

func TestHandleContactEvent_ReplayUnknownTokenIsServiceError(t *testing.T) {
	f := newOrchestrator()
	f.ledger.recs[ledgerKey("telegram", testUserID, "m-1")] = &domain.ProcessedEvent{Outcome: "garbage"}

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeServiceError || out.Code != CodeInternalError {
		t.Fatalf("outcome = %+v; a corrupt dedup row must not fabricate success", out)
	}
}

func TestHandleContactEvent_CreateRaceAttachesToWinner(t *testing.T) {
	f := newOrchestrator()
	winner := &domain.Account{ID: 42, Phone: testPhone, RosterCode: "FAM-042"}
	f.store.createErr = repo.ErrDuplicate
	calls := 0
	// First lookup misses (pre-create check), the re-read after the lost
	// race sees the winner's row.
	base := f.store
	f.svc.Accounts = accountStoreFunc{base: base, findByPhone: func(p string) (*domain.Account, error) {
		calls++
		if calls == 1 {
			return nil, repo.ErrNotFound
		}
		return winner, nil
	}}

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeAccountAlreadyLinked {
		t.Fatalf("outcome = %+v; want account_already_linked", out)
	}
	if out.Account == nil || out.Account.ID != winner.ID {
		t.Fatalf("Account = %+v; want the winner's account", out.Account)
	}
}

// accountStoreFunc overrides FindByPhone while delegating the rest.
type accountStoreFunc struct {
	base        *fakeAccountStore
	findByPhone func(p string) (*domain.Account, error)
}

func (a accountStoreFunc) Get(ctx context.Context, db *gorm.DB, id int64) (*domain.Account, error) {
	return a.base.Get(ctx, db, id)
}

func (a accountStoreFunc) FindByPhone(_ context.Context, _ *gorm.DB, p string) (*domain.Account, error) {
	return a.findByPhone(p)
}

func (a accountStoreFunc) FindLinked(ctx context.Context, db *gorm.DB, platform, userID string) (*domain.Account, error) {
	return a.base.FindLinked(ctx, db, platform, userID)
}

func (a accountStoreFunc) Create(ctx context.Context, db *gorm.DB, p string, rec *domain.RosterRecord, platform, userID string) (*domain.Account, error) {
	return a.base.Create(ctx, db, p, rec, platform, userID)
}

func (a accountStoreFunc) AddLink(ctx context.Context, db *gorm.DB, id int64, platform, userID string) error {
	return a.base.AddLink(ctx, db, id, platform, userID)
}

func TestHandleContactEvent_StoreFailureIsRetryable(t *testing.T) {
	f := newOrchestrator()
	f.store.createErr = errors.New("db locked")

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeServiceError {
		t.Fatalf("Kind = %s; want service_error", out.Kind)
	}
	if !out.Retryable {
		t.Error("infrastructure failure must be retryable")
	}
	last := f.sessions.updates[len(f.sessions.updates)-1]
	if last != domain.SessionCreationFailed+"|" {
		t.Errorf("last session update = %q; want creation_failed", last)
	}
}

func TestHandleContactEvent_StoreErrorStaysOutOfAuditDetail(t *testing.T) {
	f := newOrchestrator()
	// Driver errors can echo bound values; only the classified code may
	// reach the durable audit row.
	f.store.findErr = errors.New("select accounts where phone = " + testPhone + ": disk I/O error")

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeServiceError {
		t.Fatalf("Kind = %s; want service_error", out.Kind)
	}

	found := false
	for _, ev := range f.audit.events {
		if ev.Kind != AuditCreationFailed {
			continue
		}
		found = true
		if strings.Contains(ev.Detail, testPhone) || strings.Contains(ev.Detail, "disk I/O error") {
			t.Fatalf("raw error leaked into audit detail: %q", ev.Detail)
		}
		if !strings.Contains(ev.Detail, CodeInternalError) {
			t.Errorf("detail missing classified code: %q", ev.Detail)
		}
	}
	if !found {
		t.Fatalf("audit kinds = %v; want creation-failed", f.auditKinds())
	}
}

func TestHandleContactEvent_RateLimitDenied(t *testing.T) {
	f := newOrchestrator()
	f.svc.Limit = func(string) (bool, error) { return false, nil }

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Code != CodeRateLimited || !out.Retryable {
		t.Fatalf("outcome = %+v; want retryable RATE_LIMITED", out)
	}
	if f.store.createCalls != 0 {
		t.Errorf("createCalls = %d; want 0", f.store.createCalls)
	}
	if !f.hasAuditKind(AuditRateLimited) {
		t.Errorf("audit kinds = %v; missing rate-limit-triggered", f.auditKinds())
	}
}

func TestHandleContactEvent_RateLimiterFailureFailsOpen(t *testing.T) {
	f := newOrchestrator()
	f.svc.Limit = func(string) (bool, error) { return false, errors.New("redis down") }

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeAccountCreated {
		t.Fatalf("Kind = %s; limiter failure must fail open", out.Kind)
	}
}

func TestHandleContactEvent_PanicBecomesServiceError(t *testing.T) {
	f := newOrchestrator()
	f.svc.Limit = func(string) (bool, error) { panic("boom") }

	out := f.svc.HandleContactEvent(context.Background(), contactEvent(testPhone))
	if out.Kind != OutcomeServiceError || !out.Retryable {
		t.Fatalf("outcome = %+v; want retryable service_error", out)
	}
}

func TestHandleContactEvent_CompletedSessionInGraceRedelivered(t *testing.T) {
	f := newOrchestrator()
	f.sessions.latest = sessionAt(domain.SessionAccountCreated, time.Minute)
	f.store.byPhone[testPhone] = &domain.Account{ID: 7, Phone: testPhone}

	ev := contactEvent(testPhone)
	ev.MessageID = "" // force the full flow, no ledger short-circuit
	out := f.svc.HandleContactEvent(context.Background(), ev)

	if out.Kind != OutcomeAccountAlreadyLinked {
		t.Fatalf("Kind = %s; want account_already_linked", out.Kind)
	}
	// The terminal session must not be dragged back to phone_provided.
	for _, u := range f.sessions.updates {
		if u == domain.SessionPhoneProvided+"|"+testPhone {
			t.Errorf("terminal session re-entered phone_provided: %v", f.sessions.updates)
		}
	}
}

func TestOutcomeTokenRoundTrip(t *testing.T) {
	cases := []Outcome{
		{Kind: OutcomeAccountCreated},
		{Kind: OutcomeValidationFailed, Code: CodePhoneTooShort},
		{Kind: OutcomeParentNotFound, Code: CodeParentNotFound},
	}
	for _, c := range cases {
		kind, code := outcomeFromToken(c.token())
		if kind != c.Kind || code != c.Code {
			t.Errorf("token %q round-tripped to (%s, %s)", c.token(), kind, code)
		}
	}
}
