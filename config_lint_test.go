package authcore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MrEthical07/authcore"
)

func TestLintDefaultConfig(t *testing.T) {
	cfg := authcore.DefaultConfig()
	ws := cfg.Lint()

	for _, code := range []string{"leeway_large", "access_ttl_long", "argon2_weak", "rate_limits_disabled", "reset_ttl_long"} {
		assert.False(t, ws.Has(code), "default config should not warn %s", code)
	}
	assert.True(t, ws.Has("jwt_only_mode"), "the default validation mode is jwt_only")
}

func TestLintFlagsWeakSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*authcore.Config)
		code   string
	}{
		{"large leeway", func(c *authcore.Config) { c.JWT.Leeway = 90 * time.Second }, "leeway_large"},
		{"long access ttl", func(c *authcore.Config) { c.JWT.AccessTTL = time.Hour }, "access_ttl_long"},
		{"long remember ttl", func(c *authcore.Config) { c.Session.RememberTTL = 365 * 24 * time.Hour }, "remember_ttl_long"},
		{"short retention", func(c *authcore.Config) { c.Session.RevokedRetention = time.Hour }, "revoked_retention_short"},
		{"cheap argon2", func(c *authcore.Config) { c.Password.Time = 1 }, "argon2_weak"},
		{"no rehash", func(c *authcore.Config) { c.Password.UpgradeOnLogin = false }, "hash_upgrade_disabled"},
		{"lenient lockout", func(c *authcore.Config) { c.Lockout.Threshold = 50 }, "lockout_threshold_high"},
		{"one limiter off", func(c *authcore.Config) { c.RateLimit.ResetPerIP.Max = 0 }, "rate_limit_off_reset_ip"},
		{"wide skew", func(c *authcore.Config) { c.MFA.Skew = 2 }, "totp_skew_wide"},
		{"long reset ttl", func(c *authcore.Config) { c.PasswordReset.TokenTTL = 24 * time.Hour }, "reset_ttl_long"},
		{"audit off", func(c *authcore.Config) { c.Audit.Enabled = false }, "audit_disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := authcore.DefaultConfig()
			tt.mutate(&cfg)
			assert.Contains(t, cfg.Lint().Codes(), tt.code)
		})
	}
}

func TestLintAllRateLimitsOff(t *testing.T) {
	cfg := authcore.DefaultConfig()
	cfg.RateLimit = authcore.RateLimitConfig{}
	ws := cfg.Lint()
	assert.True(t, ws.Has("rate_limits_disabled"))
	assert.False(t, cfg.Report().RateLimitingActive)
}

func TestLintStrictModeQuiet(t *testing.T) {
	cfg := authcore.DefaultConfig()
	cfg.ValidationMode = authcore.ModeStrict
	assert.False(t, cfg.Lint().Has("jwt_only_mode"))
}

func TestEngineSecurityReport(t *testing.T) {
	h := newHarness(t, func(c *authcore.Config) { c.ValidationMode = authcore.ModeStrict })
	r := h.engine.SecurityReport()

	assert.Equal(t, "ed25519", r.SigningAlgorithm)
	assert.Equal(t, "strict", r.ValidationMode)
	assert.True(t, r.StrictMode)
	assert.Equal(t, h.config.JWT.AccessTTL, r.AccessTTL)
	assert.Equal(t, h.config.Lockout.Threshold, r.LockoutThreshold)
	assert.Equal(t, h.config.MFA.BackupCodeCount, r.BackupCodeCount)
	assert.True(t, r.RateLimitingActive)
}
