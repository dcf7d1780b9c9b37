package authcore

import "errors"

// Code is the closed set of failure kinds the engine reports to callers.
// Transports switch on it exhaustively instead of inspecting error strings.
type Code string

const (
	CodeInvalidCredentials   Code = "invalid_credentials"
	CodeAccountLocked        Code = "account_locked"
	CodeEmailNotVerified     Code = "email_not_verified"
	CodeRateLimited          Code = "rate_limited"
	CodeMFARequired          Code = "mfa_required"
	CodeMFAInvalidCode       Code = "mfa_invalid_code"
	CodeMFANotEnrolled       Code = "mfa_not_enrolled"
	CodeMFAAlreadyEnabled    Code = "mfa_already_enabled"
	CodeTokenExpired         Code = "token_expired"
	CodeTokenUsed            Code = "token_used"
	CodeTokenInvalid         Code = "token_invalid"
	CodeSessionRevoked       Code = "session_revoked"
	CodeSessionReused        Code = "session_reused"
	CodeSessionNotFound      Code = "session_not_found"
	CodeNotAMember           Code = "not_a_member"
	CodeOrgSelectionRequired Code = "org_selection_required"
	CodePasswordPolicy       Code = "password_policy"
	CodeUnauthorized         Code = "unauthorized"
	CodeInvalidRequest       Code = "invalid_request"
	CodeUnavailable          Code = "unavailable"
	CodeInternal             Code = "internal"
)

// Error is a sentinel failure carrying its Code. Sentinels are compared by
// identity, so errors.Is works through any amount of %w wrapping.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrInvalidCredentials   = newError(CodeInvalidCredentials, "invalid credentials")
	ErrAccountLocked        = newError(CodeAccountLocked, "account locked")
	ErrEmailNotVerified     = newError(CodeEmailNotVerified, "email not verified")
	ErrRateLimited          = newError(CodeRateLimited, "too many requests")
	ErrMFARequired          = newError(CodeMFARequired, "mfa required")
	ErrMFAInvalidCode       = newError(CodeMFAInvalidCode, "invalid mfa code")
	ErrMFANotEnrolled       = newError(CodeMFANotEnrolled, "mfa not enrolled")
	ErrMFAAlreadyEnabled    = newError(CodeMFAAlreadyEnabled, "mfa already enabled")
	ErrTokenExpired         = newError(CodeTokenExpired, "token expired")
	ErrTokenUsed            = newError(CodeTokenUsed, "token already used")
	ErrTokenInvalid         = newError(CodeTokenInvalid, "invalid token")
	ErrSessionRevoked       = newError(CodeSessionRevoked, "session revoked")
	ErrSessionReused        = newError(CodeSessionReused, "refresh token reuse detected")
	ErrSessionNotFound      = newError(CodeSessionNotFound, "session not found")
	ErrNotAMember           = newError(CodeNotAMember, "not a member of organization")
	ErrOrgSelectionRequired = newError(CodeOrgSelectionRequired, "organization selection required")
	ErrPasswordPolicy       = newError(CodePasswordPolicy, "password policy violation")
	ErrUnauthorized         = newError(CodeUnauthorized, "unauthorized")
	ErrInvalidRequest       = newError(CodeInvalidRequest, "malformed request")
	ErrUnavailable          = newError(CodeUnavailable, "backend unavailable")
	ErrEngineNotReady       = newError(CodeInternal, "engine not initialized")
)

// Store-level sentinels. Implementations of the store interfaces return
// these; the engine maps them onto the public taxonomy above.
var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrEnrollmentNotFound = errors.New("mfa enrollment not found")
	ErrEnrollmentConflict = errors.New("mfa enrollment state conflict")
	ErrResetTokenNotFound = errors.New("reset token not found")
)

// CodeOf returns the Code carried by err, CodeInternal for unclassified
// errors, and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
