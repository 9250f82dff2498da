// Package domain defines the persistence models for accounts, platform links,
// conversational sessions, roster records, and audit events. These types are
// mapped with GORM and form the core data layer of the onboarding service.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Session lifecycle statuses. Transitions are validated by the session
// service; the persisted value is always one of these strings.
const (
	SessionInitiated      = "initiated"
	SessionPhoneProvided  = "phone_provided"
	SessionAccountCreated = "account_created"
	SessionCreationFailed = "creation_failed"
	SessionExpired        = "expired"
)

// sessionRank orders statuses along the state machine. A transition to a
// lower rank than the current status is rejected, except the explicit
// creation_failed -> phone_provided retry edge handled by the service.
var sessionRank = map[string]int{
	SessionInitiated:      0,
	SessionPhoneProvided:  1,
	SessionAccountCreated: 2,
	SessionCreationFailed: 2,
	SessionExpired:        3,
}

// SessionRank returns the ordering rank of a session status, or -1 for an
// unknown status.
func SessionRank(status string) int {
	if r, ok := sessionRank[status]; ok {
		return r
	}
	return -1
}

// Account represents a provisioned parent account. Exactly one account exists
// per canonical phone number; the unique index on Phone is the provisioning
// guard under concurrent triggers.
//
// Fields:
//   - ID: numeric primary key.
//   - Phone: canonical E.164 phone, unique across all accounts.
//   - RosterID / RosterCode: reference into the external family roster.
//   - DisplayName: parent display name copied from the roster at creation.
//   - Active: soft enable/disable flag.
//   - Links: platform identities attached to this account.
type Account struct {
	ID          int64          `json:"id"           gorm:"primaryKey;autoIncrement"`
	Phone       string         `json:"phone"        gorm:"type:varchar(20);not null;uniqueIndex:ux_accounts_phone"`
	RosterID    string         `json:"roster_id"    gorm:"type:varchar(64);index"`
	RosterCode  string         `json:"roster_code"  gorm:"type:varchar(32)"`
	DisplayName string         `json:"display_name" gorm:"type:varchar(255);not null"`
	Active      bool           `json:"active"       gorm:"not null;default:true"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"            gorm:"index"`

	Links []PlatformLink `json:"links" gorm:"foreignKey:AccountID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "accounts" }

// PlatformLink associates one messaging-platform identity with an account.
// Each (platform, platform_user_id) pair maps to at most one account,
// enforced by the unique index; re-linking the same pair is a no-op.
type PlatformLink struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	AccountID      int64     `json:"account_id"       gorm:"not null;index"`
	Platform       string    `json:"platform"         gorm:"type:varchar(16);not null;uniqueIndex:ux_links_platform_user,priority:1"`
	PlatformUserID string    `json:"platform_user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_links_platform_user,priority:2"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for PlatformLink.
func (PlatformLink) TableName() string { return "platform_links" }

// Session tracks the multi-turn conversation of one (platform, user) pair
// while it progresses toward account creation. Sessions expire after an
// inactivity window; expiry is evaluated lazily at read time.
//
// Fields:
//   - ID: UUID primary key.
//   - Platform / PlatformUserID: conversation identity (indexed together).
//   - Status: one of the Session* constants above.
//   - Phone: canonical phone once known, empty before phone_provided.
//   - Payload: opaque platform-specific JSON bag.
type Session struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	Platform       string    `json:"platform"         gorm:"type:varchar(16);not null;index:idx_sessions_identity,priority:1"`
	PlatformUserID string    `json:"platform_user_id" gorm:"type:varchar(64);not null;index:idx_sessions_identity,priority:2"`
	Status         string    `json:"status"           gorm:"type:varchar(24);not null"`
	Phone          string    `json:"phone,omitempty"  gorm:"type:varchar(20)"`
	Payload        string    `json:"-"                gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"       gorm:"index"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// RosterRecord is a read-only projection of the external family roster. The
// service only ever queries this table; rows are seeded or synced by an
// external process.
type RosterRecord struct {
	ID          string    `json:"id"           gorm:"type:varchar(64);primaryKey"`
	Code        string    `json:"code"         gorm:"type:varchar(32);not null;index"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255);not null"`
	Phone       string    `json:"phone"        gorm:"type:varchar(32);not null;index"`
	PhoneAlt    string    `json:"phone_alt"    gorm:"type:varchar(32);index"`
	Household   string    `json:"household"    gorm:"type:varchar(255)"`
	Children    int       `json:"children"     gorm:"not null;default:0"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for RosterRecord.
func (RosterRecord) TableName() string { return "roster_records" }

// AuditEvent is one append-only entry of the account-creation audit trail.
// Phone and platform-user values are masked before the row is written;
// unmasked identifiers never reach this table.
type AuditEvent struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Kind        string    `json:"kind"         gorm:"type:varchar(32);not null;index"`
	Platform    string    `json:"platform"     gorm:"type:varchar(16);index"`
	PhoneMasked string    `json:"phone"        gorm:"type:varchar(32);index"`
	UserMasked  string    `json:"user"         gorm:"type:varchar(64);index"`
	Success     bool      `json:"success"      gorm:"not null"`
	DurationMS  int64     `json:"duration_ms"`
	Detail      string    `json:"detail"       gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index"`
}

// TableName returns the database table name for AuditEvent.
func (AuditEvent) TableName() string { return "audit_events" }
