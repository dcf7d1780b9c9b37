package security

import (
	"fmt"
	"time"
)

type PasswordReport struct {
	Memory      uint32 `json:"memory_kib"`
	Time        uint32 `json:"time"`
	Parallelism uint8  `json:"parallelism"`
	SaltLength  uint32 `json:"salt_length"`
	KeyLength   uint32 `json:"key_length"`
}

type Report struct {
	SigningAlgorithm   string         `json:"signing_algorithm"`
	ValidationMode     string         `json:"validation_mode"`
	StrictMode         bool           `json:"strict_mode"`
	AccessTTL          time.Duration  `json:"access_ttl"`
	Leeway             time.Duration  `json:"leeway"`
	IdleTTL            time.Duration  `json:"idle_ttl"`
	RememberTTL        time.Duration  `json:"remember_ttl"`
	RevokedRetention   time.Duration  `json:"revoked_retention"`
	Argon2             PasswordReport `json:"argon2"`
	HashUpgradeOnLogin bool           `json:"hash_upgrade_on_login"`
	LockoutThreshold   int            `json:"lockout_threshold"`
	LockoutDuration    time.Duration  `json:"lockout_duration"`
	RateLimitingActive bool           `json:"rate_limiting_active"`
	TOTPDigits         int            `json:"totp_digits"`
	TOTPSkew           int            `json:"totp_skew"`
	BackupCodeCount    int            `json:"backup_code_count"`
	ResetTokenTTL      time.Duration  `json:"reset_token_ttl"`
	AuditEnabled       bool           `json:"audit_enabled"`
	AuditDropIfFull    bool           `json:"audit_drop_if_full"`
}

// RateLimit is one limiter budget. Max <= 0 means the limiter is off.
type RateLimit struct {
	Name   string
	Max    int
	Window time.Duration
}

type ReportInput struct {
	SigningAlgorithm   string
	ValidationMode     string
	StrictMode         bool
	AccessTTL          time.Duration
	Leeway             time.Duration
	IdleTTL            time.Duration
	RememberTTL        time.Duration
	RevokedRetention   time.Duration
	Password           PasswordReport
	HashUpgradeOnLogin bool
	LockoutThreshold   int
	LockoutDuration    time.Duration
	RateLimits         []RateLimit
	TOTPDigits         int
	TOTPSkew           int
	BackupCodeCount    int
	ResetTokenTTL      time.Duration
	AuditEnabled       bool
	AuditDropIfFull    bool
}

func BuildReport(input ReportInput) Report {
	rateLimiting := false
	for _, rl := range input.RateLimits {
		if rl.Max > 0 {
			rateLimiting = true
			break
		}
	}

	return Report{
		SigningAlgorithm:   input.SigningAlgorithm,
		ValidationMode:     input.ValidationMode,
		StrictMode:         input.StrictMode,
		AccessTTL:          input.AccessTTL,
		Leeway:             input.Leeway,
		IdleTTL:            input.IdleTTL,
		RememberTTL:        input.RememberTTL,
		RevokedRetention:   input.RevokedRetention,
		Argon2:             input.Password,
		HashUpgradeOnLogin: input.HashUpgradeOnLogin,
		LockoutThreshold:   input.LockoutThreshold,
		LockoutDuration:    input.LockoutDuration,
		RateLimitingActive: rateLimiting,
		TOTPDigits:         input.TOTPDigits,
		TOTPSkew:           input.TOTPSkew,
		BackupCodeCount:    input.BackupCodeCount,
		ResetTokenTTL:      input.ResetTokenTTL,
		AuditEnabled:       input.AuditEnabled,
		AuditDropIfFull:    input.AuditDropIfFull,
	}
}

type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
)

// Warning flags a setting that passes validation but deserves a second look.
type Warning struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

type Warnings []Warning

func (ws Warnings) Codes() []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Code
	}
	return out
}

// Has reports whether any warning carries code.
func (ws Warnings) Has(code string) bool {
	for _, w := range ws {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Thresholds used by Lint.
const (
	maxLeeway        = 30 * time.Second
	maxAccessTTL     = 15 * time.Minute
	maxRememberTTL   = 90 * 24 * time.Hour
	maxResetTokenTTL = 2 * time.Hour
	minArgonMemory   = 19 * 1024
	minArgonTime     = 2
	maxLockoutTries  = 10
)

func Lint(input ReportInput) Warnings {
	var ws Warnings
	add := func(code string, sev Severity, format string, args ...any) {
		ws = append(ws, Warning{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if input.Leeway > maxLeeway {
		add("leeway_large", SeverityWarn, "JWT leeway %s exceeds %s", input.Leeway, maxLeeway)
	}
	if input.AccessTTL > maxAccessTTL {
		add("access_ttl_long", SeverityWarn, "access tokens live %s; revocation lags by up to that long in jwt_only mode", input.AccessTTL)
	}
	if input.RememberTTL > maxRememberTTL {
		add("remember_ttl_long", SeverityInfo, "remember-me sessions idle out after %s", input.RememberTTL)
	}
	if input.RevokedRetention < input.IdleTTL {
		add("revoked_retention_short", SeverityWarn,
			"revoked sessions are kept %s, less than the idle horizon %s; late replays go undetected", input.RevokedRetention, input.IdleTTL)
	}
	if !input.StrictMode {
		add("jwt_only_mode", SeverityInfo, "access tokens are not checked against the session row; revoked sessions keep access until expiry")
	}

	if input.Password.Memory < minArgonMemory || input.Password.Time < minArgonTime {
		add("argon2_weak", SeverityWarn, "argon2id m=%d KiB t=%d is below m=%d t=%d", input.Password.Memory, input.Password.Time, minArgonMemory, minArgonTime)
	}
	if !input.HashUpgradeOnLogin {
		add("hash_upgrade_disabled", SeverityInfo, "stale password hashes are not rehashed on login")
	}

	if input.LockoutThreshold > maxLockoutTries {
		add("lockout_threshold_high", SeverityWarn, "accounts lock after %d failures", input.LockoutThreshold)
	}
	disabled := 0
	for _, rl := range input.RateLimits {
		if rl.Max <= 0 {
			disabled++
			add("rate_limit_off_"+rl.Name, SeverityWarn, "rate limit %s is disabled", rl.Name)
		}
	}
	if len(input.RateLimits) > 0 && disabled == len(input.RateLimits) {
		add("rate_limits_disabled", SeverityWarn, "every rate limit is disabled")
	}

	if input.TOTPSkew > 1 {
		add("totp_skew_wide", SeverityInfo, "TOTP accepts codes %d steps from now", input.TOTPSkew)
	}
	if input.ResetTokenTTL > maxResetTokenTTL {
		add("reset_ttl_long", SeverityWarn, "reset links stay valid for %s", input.ResetTokenTTL)
	}
	if !input.AuditEnabled {
		add("audit_disabled", SeverityInfo, "audit events are not emitted")
	}
	return ws
}
