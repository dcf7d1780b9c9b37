// Package config loads authd settings from the environment and an optional
// .env file using Viper, and derives the engine configuration from them.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"

	"github.com/MrEthical07/authcore"
)

// Config holds process configuration. Every key is read from an
// AUTHCORE_-prefixed environment variable or the same key in .env.
type Config struct {
	HTTPAddr    string `mapstructure:"AUTHCORE_HTTP_ADDR"`
	DatabaseURL string `mapstructure:"AUTHCORE_DATABASE_URL"`

	RedisAddr     string `mapstructure:"AUTHCORE_REDIS_ADDR"`
	RedisPassword string `mapstructure:"AUTHCORE_REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"AUTHCORE_REDIS_DB"`

	// JWTPrivateKey is a PKCS#8 PEM Ed25519 key or a base64 seed.
	JWTPrivateKey  string        `mapstructure:"AUTHCORE_JWT_PRIVATE_KEY"`
	JWTIssuer      string        `mapstructure:"AUTHCORE_JWT_ISSUER"`
	JWTAudience    string        `mapstructure:"AUTHCORE_JWT_AUDIENCE"`
	JWTAccessTTL   time.Duration `mapstructure:"AUTHCORE_JWT_ACCESS_TTL"`
	ValidationMode string        `mapstructure:"AUTHCORE_VALIDATION_MODE"`

	SessionIdleTTL     time.Duration `mapstructure:"AUTHCORE_SESSION_IDLE_TTL"`
	SessionRememberTTL time.Duration `mapstructure:"AUTHCORE_SESSION_REMEMBER_TTL"`

	LockoutThreshold int           `mapstructure:"AUTHCORE_LOCKOUT_THRESHOLD"`
	LockoutDuration  time.Duration `mapstructure:"AUTHCORE_LOCKOUT_DURATION"`

	MFAIssuer string `mapstructure:"AUTHCORE_MFA_ISSUER"`
	// MFAEncryptionKey is 32 bytes, base64.
	MFAEncryptionKey string `mapstructure:"AUTHCORE_MFA_ENCRYPTION_KEY"`

	ResetTokenTTL time.Duration `mapstructure:"AUTHCORE_RESET_TOKEN_TTL"`
	// ResetURL is the page that receives ?token=; used by the log notifier.
	ResetURL string `mapstructure:"AUTHCORE_RESET_URL"`

	CookieSecure      bool   `mapstructure:"AUTHCORE_COOKIE_SECURE"`
	CookieDomain      string `mapstructure:"AUTHCORE_COOKIE_DOMAIN"`
	TrustForwardedFor bool   `mapstructure:"AUTHCORE_TRUST_FORWARDED_FOR"`

	LogLevel  string `mapstructure:"AUTHCORE_LOG_LEVEL"`
	LogFormat string `mapstructure:"AUTHCORE_LOG_FORMAT"`

	OTLPEndpoint string `mapstructure:"AUTHCORE_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"AUTHCORE_OTLP_INSECURE"`

	// KafkaBrokers is comma-separated; empty disables the Kafka audit sink.
	KafkaBrokers    string `mapstructure:"AUTHCORE_KAFKA_BROKERS"`
	KafkaAuditTopic string `mapstructure:"AUTHCORE_KAFKA_AUDIT_TOPIC"`
	AuditStdout     bool   `mapstructure:"AUTHCORE_AUDIT_STDOUT"`
}

// Load reads envFile (".env" when empty) if it exists, then the
// environment, which wins. It validates the process-level fields only;
// Engine validates the rest.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // a missing file is fine

	v.AutomaticEnv()

	def := authcore.DefaultConfig()
	v.SetDefault("AUTHCORE_HTTP_ADDR", ":8080")
	v.SetDefault("AUTHCORE_DATABASE_URL", "")
	v.SetDefault("AUTHCORE_REDIS_ADDR", "localhost:6379")
	v.SetDefault("AUTHCORE_REDIS_PASSWORD", "")
	v.SetDefault("AUTHCORE_REDIS_DB", 0)
	v.SetDefault("AUTHCORE_JWT_PRIVATE_KEY", "")
	v.SetDefault("AUTHCORE_JWT_ISSUER", "authcore")
	v.SetDefault("AUTHCORE_JWT_AUDIENCE", "")
	v.SetDefault("AUTHCORE_JWT_ACCESS_TTL", def.JWT.AccessTTL)
	v.SetDefault("AUTHCORE_VALIDATION_MODE", "strict")
	v.SetDefault("AUTHCORE_SESSION_IDLE_TTL", def.Session.IdleTTL)
	v.SetDefault("AUTHCORE_SESSION_REMEMBER_TTL", def.Session.RememberTTL)
	v.SetDefault("AUTHCORE_LOCKOUT_THRESHOLD", def.Lockout.Threshold)
	v.SetDefault("AUTHCORE_LOCKOUT_DURATION", def.Lockout.Duration)
	v.SetDefault("AUTHCORE_MFA_ISSUER", def.MFA.Issuer)
	v.SetDefault("AUTHCORE_MFA_ENCRYPTION_KEY", "")
	v.SetDefault("AUTHCORE_RESET_TOKEN_TTL", def.PasswordReset.TokenTTL)
	v.SetDefault("AUTHCORE_RESET_URL", "http://localhost:3000/reset-password")
	v.SetDefault("AUTHCORE_COOKIE_SECURE", true)
	v.SetDefault("AUTHCORE_COOKIE_DOMAIN", "")
	v.SetDefault("AUTHCORE_TRUST_FORWARDED_FOR", false)
	v.SetDefault("AUTHCORE_LOG_LEVEL", "info")
	v.SetDefault("AUTHCORE_LOG_FORMAT", "json")
	v.SetDefault("AUTHCORE_OTLP_ENDPOINT", "")
	v.SetDefault("AUTHCORE_OTLP_INSECURE", false)
	v.SetDefault("AUTHCORE_KAFKA_BROKERS", "")
	v.SetDefault("AUTHCORE_KAFKA_AUDIT_TOPIC", "authcore-audit")
	v.SetDefault("AUTHCORE_AUDIT_STDOUT", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: AUTHCORE_HTTP_ADDR must be set")
	}
	if _, err := parseValidationMode(cfg.ValidationMode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// KafkaBrokerList splits KafkaBrokers, dropping blanks.
func (c *Config) KafkaBrokerList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Engine overlays these settings on authcore.DefaultConfig and decodes the
// key material.
func (c *Config) Engine() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()

	priv, err := ParseSigningKey(c.JWTPrivateKey)
	if err != nil {
		return authcore.Config{}, err
	}
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = priv.Public().(ed25519.PublicKey)
	cfg.JWT.Issuer = c.JWTIssuer
	cfg.JWT.Audience = c.JWTAudience
	cfg.JWT.AccessTTL = c.JWTAccessTTL

	mode, err := parseValidationMode(c.ValidationMode)
	if err != nil {
		return authcore.Config{}, err
	}
	cfg.ValidationMode = mode

	cfg.Session.IdleTTL = c.SessionIdleTTL
	cfg.Session.RememberTTL = c.SessionRememberTTL
	cfg.Lockout.Threshold = c.LockoutThreshold
	cfg.Lockout.Duration = c.LockoutDuration
	cfg.PasswordReset.TokenTTL = c.ResetTokenTTL
	cfg.MFA.Issuer = c.MFAIssuer

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.MFAEncryptionKey))
	if err != nil || len(key) != 32 {
		return authcore.Config{}, errors.New("config: AUTHCORE_MFA_ENCRYPTION_KEY must be 32 bytes of base64")
	}
	cfg.MFA.EncryptionKey = key

	if err := cfg.Validate(); err != nil {
		return authcore.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseSigningKey accepts a PKCS#8 PEM Ed25519 private key or a base64
// 32-byte seed or 64-byte key.
func ParseSigningKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("config: AUTHCORE_JWT_PRIVATE_KEY must be set")
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		parsed, err := jwt.ParseEdPrivateKeyFromPEM([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("config: AUTHCORE_JWT_PRIVATE_KEY: %w", err)
		}
		key, ok := parsed.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("config: AUTHCORE_JWT_PRIVATE_KEY is not an Ed25519 key")
		}
		return key, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: AUTHCORE_JWT_PRIVATE_KEY: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("config: AUTHCORE_JWT_PRIVATE_KEY decodes to %d bytes", len(raw))
	}
}

func parseValidationMode(s string) (authcore.ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return authcore.ModeStrict, nil
	case "jwt_only", "jwt-only":
		return authcore.ModeJWTOnly, nil
	default:
		return 0, fmt.Errorf("config: unknown AUTHCORE_VALIDATION_MODE %q", s)
	}
}
