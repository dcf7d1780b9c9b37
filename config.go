package authcore

import (
	"errors"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
)

// Config is the full engine configuration. Start from DefaultConfig and
// override fields; Builder.Build calls Validate.
type Config struct {
	JWT            JWTConfig
	Session        SessionConfig
	Lockout        LockoutConfig
	RateLimit      RateLimitConfig
	Password       PasswordConfig
	MFA            MFAConfig
	PasswordReset  PasswordResetConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	ValidationMode ValidationMode
}

/*
====================================
JWT CONFIG
====================================
*/

type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig sets the refresh horizons. Both are measured from the
// session's last activity and checked on every refresh.
type SessionConfig struct {
	RedisPrefix      string
	IdleTTL          time.Duration
	RememberTTL      time.Duration
	RevokedRetention time.Duration
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls per-identity lockout after consecutive password
// failures.
type LockoutConfig struct {
	Threshold int
	Duration  time.Duration
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig throttles login and forgot-password by email and by IP.
// A zero Max disables that dimension.
type RateLimitConfig struct {
	LoginPerEmail rate.Policy
	LoginPerIP    rate.Policy
	ResetPerEmail rate.Policy
	ResetPerIP    rate.Policy

	// MFAPerIdentity bounds wrong TOTP or backup codes per identity.
	MFAPerIdentity rate.Policy
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory         uint32
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinBytes       int
	MaxBytes       int
	UpgradeOnLogin bool
}

/*
====================================
MFA CONFIG
====================================
*/

type MFAConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	// Skew is the number of time steps accepted either side of now.
	Skew      int

	SetupTokenTTL        time.Duration
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int

	BackupCodeCount  int
	BackupCodeLength int

	// EncryptionKey seals TOTP secrets at rest. 32 bytes.
	EncryptionKey []byte
}

/*
====================================
PASSWORD RESET CONFIG
====================================
*/

type PasswordResetConfig struct {
	TokenTTL time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
	// EmitTimeout bounds each sink write, so a stalled broker cannot hold
	// the queue forever.
	EmitTimeout time.Duration
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// ValidationMode selects how access tokens are checked.
type ValidationMode int

const (
	// ModeInherit uses the engine's configured mode.
	ModeInherit ValidationMode = -1

	// ModeJWTOnly trusts signature and expiry alone.
	ModeJWTOnly ValidationMode = iota
	// ModeStrict additionally requires the session row to be live.
	ModeStrict
)

func (m ValidationMode) String() string {
	switch m {
	case ModeInherit:
		return "inherit"
	case ModeJWTOnly:
		return "jwt_only"
	case ModeStrict:
		return "strict"
	default:
		return "unknown"
	}
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func DefaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "authcore",
			Leeway:        5 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:      "as",
			IdleTTL:          24 * time.Hour,
			RememberTTL:      30 * 24 * time.Hour,
			RevokedRetention: 7 * 24 * time.Hour,
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			LoginPerEmail:  rate.Policy{Max: 20, Window: 15 * time.Minute},
			LoginPerIP:     rate.Policy{Max: 100, Window: 15 * time.Minute},
			ResetPerEmail:  rate.Policy{Max: 3, Window: time.Hour},
			ResetPerIP:     rate.Policy{Max: 20, Window: time.Hour},
			MFAPerIdentity: rate.Policy{Max: 10, Window: 15 * time.Minute},
		},
		Password: PasswordConfig{
			Memory:         pw.Memory,
			Time:           pw.Time,
			Parallelism:    pw.Parallelism,
			SaltLength:     pw.SaltLength,
			KeyLength:      pw.KeyLength,
			MinBytes:       pw.MinBytes,
			MaxBytes:       pw.MaxBytes,
			UpgradeOnLogin: true,
		},
		MFA: MFAConfig{
			Issuer:               "authcore",
			Digits:               6,
			Period:               30,
			Algorithm:            "SHA1",
			Skew:                 1,
			SetupTokenTTL:        15 * time.Minute,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
			BackupCodeCount:      10,
			BackupCodeLength:     10,
		},
		PasswordReset: PasswordResetConfig{
			TokenTTL: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize:  1024,
			DropIfFull:  true,
			EmitTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		ValidationMode: ModeJWTOnly,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.EncryptionKey = cloneBytes(cfg.MFA.EncryptionKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c Config) sessionPolicy() session.Policy {
	return session.Policy{
		IdleTTL:          c.Session.IdleTTL,
		RememberTTL:      c.Session.RememberTTL,
		RevokedRetention: c.Session.RevokedRetention,
	}
}

func (c Config) passwordConfig() password.Config {
	return password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
		KeyLength:   c.Password.KeyLength,
		MinBytes:    c.Password.MinBytes,
		MaxBytes:    c.Password.MaxBytes,
	}
}

func (c Config) rateConfig() rate.Config {
	return rate.Config{
		LoginPerEmail:  c.RateLimit.LoginPerEmail,
		LoginPerIP:     c.RateLimit.LoginPerIP,
		ResetPerEmail:  c.RateLimit.ResetPerEmail,
		ResetPerIP:     c.RateLimit.ResetPerIP,
		MFAPerIdentity: c.RateLimit.MFAPerIdentity,
	}
}

/*
====================================
VALIDATION
====================================
*/

func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.SigningMethod == "ed25519" && (len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0) {
		return errors.New("ed25519 requires PrivateKey and PublicKey")
	}
	if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
		return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
	}

	// Session
	if c.Session.IdleTTL <= 0 || c.Session.RememberTTL <= 0 {
		return errors.New("Session IdleTTL and RememberTTL must be > 0")
	}
	if c.Session.RememberTTL < c.Session.IdleTTL {
		return errors.New("Session RememberTTL must be >= IdleTTL")
	}
	if c.Session.RevokedRetention <= 0 {
		return errors.New("Session RevokedRetention must be > 0")
	}
	if c.Session.IdleTTL <= c.JWT.AccessTTL {
		return errors.New("Session IdleTTL must exceed JWT AccessTTL")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	// Rate limits
	for _, p := range []rate.Policy{
		c.RateLimit.LoginPerEmail,
		c.RateLimit.LoginPerIP,
		c.RateLimit.ResetPerEmail,
		c.RateLimit.ResetPerIP,
		c.RateLimit.MFAPerIdentity,
	} {
		if p.Max > 0 && p.Window <= 0 {
			return errors.New("RateLimit Window must be > 0 when Max is set")
		}
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// MFA
	if c.MFA.Digits < 6 || c.MFA.Digits > 8 {
		return errors.New("MFA Digits must be between 6 and 8")
	}
	if c.MFA.Period <= 0 {
		return errors.New("MFA Period must be > 0")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be between 0 and 2")
	}
	if _, err := hmacFunc(c.MFA.Algorithm); err != nil {
		return err
	}
	if c.MFA.SetupTokenTTL <= 0 || c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA SetupTokenTTL and ChallengeTTL must be > 0")
	}
	if c.MFA.ChallengeMaxAttempts <= 0 {
		return errors.New("MFA ChallengeMaxAttempts must be > 0")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("MFA BackupCodeCount must be > 0")
	}
	if c.MFA.BackupCodeLength < 8 {
		return errors.New("MFA BackupCodeLength must be >= 8")
	}
	if len(c.MFA.EncryptionKey) != secretBoxKeySize {
		return errors.New("MFA EncryptionKey must be 32 bytes")
	}

	// Password reset
	if c.PasswordReset.TokenTTL <= 0 {
		return errors.New("PasswordReset TokenTTL must be > 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	if c.Audit.EmitTimeout < 0 {
		return errors.New("Audit EmitTimeout must be >= 0")
	}

	switch c.ValidationMode {
	case ModeJWTOnly, ModeStrict:
	default:
		return errors.New("invalid ValidationMode")
	}

	return nil
}
