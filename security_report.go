package authcore

import (
	"github.com/MrEthical07/authcore/internal/security"
)

type (
	SecurityReport       = security.Report
	PasswordConfigReport = security.PasswordReport
	LintWarning          = security.Warning
	LintWarnings         = security.Warnings
	LintSeverity         = security.Severity
)

const (
	LintInfo = security.SeverityInfo
	LintWarn = security.SeverityWarn
)

func (c Config) reportInput() security.ReportInput {
	mode := c.ValidationMode
	return security.ReportInput{
		SigningAlgorithm: c.JWT.SigningMethod,
		ValidationMode:   mode.String(),
		StrictMode:       mode == ModeStrict,
		AccessTTL:        c.JWT.AccessTTL,
		Leeway:           c.JWT.Leeway,
		IdleTTL:          c.Session.IdleTTL,
		RememberTTL:      c.Session.RememberTTL,
		RevokedRetention: c.Session.RevokedRetention,
		Password: security.PasswordReport{
			Memory:      c.Password.Memory,
			Time:        c.Password.Time,
			Parallelism: c.Password.Parallelism,
			SaltLength:  c.Password.SaltLength,
			KeyLength:   c.Password.KeyLength,
		},
		HashUpgradeOnLogin: c.Password.UpgradeOnLogin,
		LockoutThreshold:   c.Lockout.Threshold,
		LockoutDuration:    c.Lockout.Duration,
		RateLimits: []security.RateLimit{
			{Name: "login_email", Max: c.RateLimit.LoginPerEmail.Max, Window: c.RateLimit.LoginPerEmail.Window},
			{Name: "login_ip", Max: c.RateLimit.LoginPerIP.Max, Window: c.RateLimit.LoginPerIP.Window},
			{Name: "reset_email", Max: c.RateLimit.ResetPerEmail.Max, Window: c.RateLimit.ResetPerEmail.Window},
			{Name: "reset_ip", Max: c.RateLimit.ResetPerIP.Max, Window: c.RateLimit.ResetPerIP.Window},
			{Name: "mfa_identity", Max: c.RateLimit.MFAPerIdentity.Max, Window: c.RateLimit.MFAPerIdentity.Window},
		},
		TOTPDigits:      c.MFA.Digits,
		TOTPSkew:        c.MFA.Skew,
		BackupCodeCount: c.MFA.BackupCodeCount,
		ResetTokenTTL:   c.PasswordReset.TokenTTL,
		AuditEnabled:    c.Audit.Enabled,
		AuditDropIfFull: c.Audit.DropIfFull,
	}
}

// Report summarizes the security-relevant settings. It never includes key
// material.
func (c Config) Report() SecurityReport {
	return security.BuildReport(c.reportInput())
}

// Lint returns warnings for settings that pass Validate but are weaker than
// a production deployment should run with.
func (c Config) Lint() LintWarnings {
	return security.Lint(c.reportInput())
}

// SecurityReport reports the configuration the engine was built with.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	return e.config.Report()
}
