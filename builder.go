package authcore

import (
	"errors"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder can be used for one Build call.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities  IdentityStore
	memberships MembershipStore
	enrollments EnrollmentStore
	resetTokens ResetTokenStore
	notifier    ResetNotifier

	auditSink AuditSink
	logger    *slog.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for sessions, MFA challenges, setup tokens
// and rate limits. Cluster and sentinel clients are accepted.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityStore(s IdentityStore) *Builder {
	b.identities = s
	return b
}

func (b *Builder) WithMembershipStore(s MembershipStore) *Builder {
	b.memberships = s
	return b
}

func (b *Builder) WithEnrollmentStore(s EnrollmentStore) *Builder {
	b.enrollments = s
	return b
}

func (b *Builder) WithResetTokenStore(s ResetTokenStore) *Builder {
	b.resetTokens = s
	return b
}

// WithResetNotifier sets the delivery channel for reset tokens. Without one
// the engine logs that a reset was issued, never the token itself.
func (b *Builder) WithResetNotifier(n ResetNotifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides the time source for expiry, lockout and TOTP checks.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identities == nil {
		return nil, errors.New("identity store required")
	}
	if b.memberships == nil {
		return nil, errors.New("membership store required")
	}
	if b.enrollments == nil {
		return nil, errors.New("enrollment store required")
	}
	if b.resetTokens == nil {
		return nil, errors.New("reset token store required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// -------- JWT --------
	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    true,
		KeyID:         cfg.JWT.KeyID,
	})
	if err != nil {
		return nil, err
	}
	jwtManager.SetClock(now)

	// -------- PASSWORD --------
	hasher, err := password.NewArgon2(cfg.passwordConfig())
	if err != nil {
		return nil, err
	}

	secrets, err := newSecretBox(cfg.MFA.EncryptionKey)
	if err != nil {
		return nil, err
	}

	// -------- REDIS-BACKED STORES --------
	sessionStore := session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.sessionPolicy())
	challenges := stores.NewMFALoginChallengeStore(b.redis, cfg.Session.RedisPrefix+"mc")
	challenges.SetClock(now)
	setups := stores.NewMFASetupTokenStore(b.redis, cfg.Session.RedisPrefix+"ms")
	setups.SetClock(now)

	e := &Engine{
		config:        cfg,
		logger:        logger,
		now:           now,
		identities:    b.identities,
		memberships:   b.memberships,
		enrollments:   b.enrollments,
		resetTokens:   b.resetTokens,
		notifier:      b.notifier,
		sessionStore:  sessionStore,
		rateLimiter:   rate.New(b.redis, cfg.rateConfig()),
		mfaChallenges: challenges,
		mfaSetups:     setups,
		audit: internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:     cfg.Audit.Enabled,
			BufferSize:  cfg.Audit.BufferSize,
			DropIfFull:  cfg.Audit.DropIfFull,
			EmitTimeout: cfg.Audit.EmitTimeout,
		}, b.auditSink),
		metrics:      NewMetrics(cfg.Metrics),
		passwordHash: hasher,
		totp:         newTOTPManager(cfg.MFA),
		secrets:      secrets,
		jwtManager:   jwtManager,
	}
	if e.notifier == nil {
		e.notifier = logNotifier{logger: logger}
	}

	b.built = true
	return e, nil
}
