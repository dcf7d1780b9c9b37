package authcore

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
)

// Role is an organization membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ProviderPassword marks identities that authenticate with a local password.
// Any other provider tag means the identity signs in through an external
// provider and has no password hash.
const ProviderPassword = "password"

// Identity is the credential-bearing account record.
type Identity struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	Provider      string
	FailedLogins  int
	LockedUntil   time.Time
}

// Locked reports whether the identity is inside its lockout window at now.
func (i Identity) Locked(now time.Time) bool {
	return !i.LockedUntil.IsZero() && now.Before(i.LockedUntil)
}

// Organization is a tenant an identity can bind its session to.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug,omitempty"`
}

// Membership is the (identity, tenant, role) triple.
type Membership struct {
	IdentityID string       `json:"-"`
	Org        Organization `json:"org"`
	Role       Role         `json:"role"`
}

// LockoutResult is returned by IdentityStore.RecordLoginFailure.
type LockoutResult struct {
	FailedLogins int
	LockedUntil  time.Time
	// Locked is true when this failure crossed the threshold.
	Locked bool
}

// IdentityStore persists identities and their lockout counters.
// RecordLoginFailure must be a single atomic increment per identity: when
// the incremented count reaches threshold the store sets locked_until to
// lockUntil and resets the counter in the same update.
type IdentityStore interface {
	IdentityByEmail(ctx context.Context, email string) (Identity, error)
	IdentityByID(ctx context.Context, id string) (Identity, error)
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (LockoutResult, error)
	ResetLoginFailures(ctx context.Context, id string) error
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// MembershipStore is a read-only view over organization memberships.
type MembershipStore interface {
	Memberships(ctx context.Context, identityID string) ([]Membership, error)
	Membership(ctx context.Context, identityID, tenantID string) (Membership, error)
}

// EnrollmentState is the MFA enrollment lifecycle:
// NotEnrolled -> SetupStarted -> Enabled -> (disable) NotEnrolled.
type EnrollmentState uint8

const (
	EnrollmentNotEnrolled EnrollmentState = iota
	EnrollmentSetupStarted
	EnrollmentEnabled
)

func (s EnrollmentState) String() string {
	switch s {
	case EnrollmentSetupStarted:
		return "setup_started"
	case EnrollmentEnabled:
		return "enabled"
	default:
		return "not_enrolled"
	}
}

// CanTransition reports whether next is a legal successor of s.
func (s EnrollmentState) CanTransition(next EnrollmentState) bool {
	switch s {
	case EnrollmentNotEnrolled:
		return next == EnrollmentSetupStarted
	case EnrollmentSetupStarted:
		return next == EnrollmentSetupStarted || next == EnrollmentEnabled || next == EnrollmentNotEnrolled
	case EnrollmentEnabled:
		return next == EnrollmentNotEnrolled
	default:
		return false
	}
}

// MFAEnrollment is the persisted enrollment row. SealedSecret is the TOTP
// secret encrypted with the engine's SecretBox.
type MFAEnrollment struct {
	IdentityID   string
	SealedSecret []byte
	State        EnrollmentState
	EnabledAt    time.Time
	LastUsedStep int64
}

// BackupCodeHash is the stored digest of one backup code.
type BackupCodeHash [32]byte

// EnrollmentStore persists MFA enrollments and backup codes. Every method
// that changes more than one row must do so in a single transaction, and the
// conditional methods must be compare-and-set so that concurrent callers
// cannot both succeed.
type EnrollmentStore interface {
	Enrollment(ctx context.Context, identityID string) (MFAEnrollment, error)
	// SavePendingEnrollment upserts a SetupStarted row. It returns
	// ErrEnrollmentConflict when the identity already has an enabled row.
	SavePendingEnrollment(ctx context.Context, identityID string, sealedSecret []byte) error
	// EnableEnrollment promotes a SetupStarted row holding sealedSecret to
	// Enabled, records step as used and stores codes, atomically. It returns
	// ErrEnrollmentConflict if the row is missing, enabled, or holds a
	// different secret.
	EnableEnrollment(ctx context.Context, identityID string, sealedSecret []byte, step int64, codes []BackupCodeHash, now time.Time) error
	// AdvanceTOTPStep stores step only if it is greater than the last used
	// step; false means the step was already used.
	AdvanceTOTPStep(ctx context.Context, identityID string, step int64) (bool, error)
	// ConsumeBackupCode marks the matching unused code used; false means no
	// unused code matched.
	ConsumeBackupCode(ctx context.Context, identityID string, code BackupCodeHash, now time.Time) (bool, error)
	ReplaceBackupCodes(ctx context.Context, identityID string, codes []BackupCodeHash) error
	UnusedBackupCodes(ctx context.Context, identityID string) (int, error)
	DeleteEnrollment(ctx context.Context, identityID string) error
}

// ResetState classifies a password reset token.
type ResetState uint8

const (
	ResetValid ResetState = iota
	ResetExpired
	ResetUsed
	ResetInvalid
)

func (s ResetState) String() string {
	switch s {
	case ResetValid:
		return "valid"
	case ResetExpired:
		return "expired"
	case ResetUsed:
		return "used"
	default:
		return "invalid"
	}
}

// ResetToken is a stored reset ledger row. Only the hash of the token is kept.
type ResetToken struct {
	Hash       [32]byte
	IdentityID string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	UsedAt     time.Time
}

// State classifies the row at now.
func (t ResetToken) State(now time.Time) ResetState {
	switch {
	case !t.UsedAt.IsZero():
		return ResetUsed
	case !now.Before(t.ExpiresAt):
		return ResetExpired
	default:
		return ResetValid
	}
}

// ResetTokenStore is the durable ledger of reset tokens. ConsumeResetToken
// must set used_at only when the row is unused and unexpired at now, in one
// conditional update; on a miss it reports why.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, token ResetToken) error
	ResetToken(ctx context.Context, hash [32]byte) (ResetToken, error)
	ConsumeResetToken(ctx context.Context, hash [32]byte, now time.Time) (ResetToken, ResetState, error)
}

// ResetNotifier delivers a raw reset token to the identity's mailbox.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, identity Identity, token string, expiresAt time.Time) error
}

// Tokens is the issued access/refresh pair.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SessionID        string
}

// LoginResult is returned by Engine.Login and Engine.CompleteMFALogin.
// When MFARequired is set only MFAToken is populated.
type LoginResult struct {
	Identity        Identity
	Orgs            []Membership
	HasMultipleOrgs bool
	Tokens          Tokens
	// BoundTenantID is set when login bound the session to a tenant.
	BoundTenantID string

	MFARequired bool
	MFAToken    string
}

// SessionInfo is the enumeration view of a session.
type SessionInfo struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RememberMe bool      `json:"remember_me"`
	Current    bool      `json:"current"`
}

// Principal is the validated view of an access token.
type Principal struct {
	IdentityID           string
	SessionID            string
	TenantID             string
	Role                 Role
	OrgSelectionRequired bool
	RememberMe           bool
}

// MFASetup is returned once by Engine.StartMFASetup.
type MFASetup struct {
	Secret          string
	ProvisioningURI string
	SetupToken      string
	ExpiresAt       time.Time
}

// MFAStatus summarises an identity's enrollment.
type MFAStatus struct {
	State                EnrollmentState
	EnabledAt            time.Time
	BackupCodesRemaining int
}

// MFAMethod selects how a login challenge is answered.
type MFAMethod string

const (
	MFAMethodTOTP   MFAMethod = "totp"
	MFAMethodBackup MFAMethod = "backup"
)

// ResetValidation is returned by Engine.ValidateResetToken.
type ResetValidation struct {
	Valid      bool
	IdentityID string
	Reason     ResetState
}

type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the engine's async dispatcher.
type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

type FanoutSink = internalaudit.FanoutSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

func NewFanoutSink(sinks ...AuditSink) FanoutSink {
	return internalaudit.NewFanoutSink(sinks...)
}
