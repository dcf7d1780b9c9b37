package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildReportRateLimiting(t *testing.T) {
	r := BuildReport(ReportInput{RateLimits: []RateLimit{{Name: "a"}, {Name: "b", Max: 1, Window: time.Minute}}})
	assert.True(t, r.RateLimitingActive)

	r = BuildReport(ReportInput{RateLimits: []RateLimit{{Name: "a"}}})
	assert.False(t, r.RateLimitingActive)
}

func TestLintCleanInput(t *testing.T) {
	ws := Lint(ReportInput{
		StrictMode:         true,
		AccessTTL:          5 * time.Minute,
		Leeway:             5 * time.Second,
		IdleTTL:            24 * time.Hour,
		RememberTTL:        30 * 24 * time.Hour,
		RevokedRetention:   7 * 24 * time.Hour,
		Password:           PasswordReport{Memory: 64 * 1024, Time: 3},
		HashUpgradeOnLogin: true,
		LockoutThreshold:   5,
		RateLimits:         []RateLimit{{Name: "login_email", Max: 20, Window: time.Minute}},
		TOTPSkew:           1,
		ResetTokenTTL:      time.Hour,
		AuditEnabled:       true,
	})
	assert.Empty(t, ws)
}

func TestLintMessagesAndSeverity(t *testing.T) {
	ws := Lint(ReportInput{
		StrictMode:         true,
		Leeway:             time.Minute,
		Password:           PasswordReport{Memory: 64 * 1024, Time: 3},
		HashUpgradeOnLogin: true,
		AuditEnabled:       true,
	})
	assert.Equal(t, []string{"leeway_large"}, ws.Codes())
	assert.Equal(t, SeverityWarn, ws[0].Severity)
	assert.Contains(t, ws[0].Message, "1m0s")
}
