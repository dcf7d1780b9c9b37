package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	internalaudit "github.com/MrEthical07/authcore/internal/audit"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/password"
	"github.com/MrEthical07/authcore/session"
)

// Engine is the authentication and session-security core. Build one with
// New().With...().Build(); it is safe for concurrent use.
type Engine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	identities  IdentityStore
	memberships MembershipStore
	enrollments EnrollmentStore
	resetTokens ResetTokenStore
	notifier    ResetNotifier

	sessionStore  *session.Store
	rateLimiter   *rate.Limiter
	mfaChallenges *stores.MFALoginChallengeStore
	mfaSetups     *stores.MFASetupTokenStore

	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	totp         *totpManager
	secrets      *secretBox
	jwtManager   *jwt.Manager
}

// Shutdown flushes pending audit events to the sink and closes it. It
// returns ctx.Err() when the sink cannot drain in time.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e == nil || e.audit == nil {
		return nil
	}
	return e.audit.Shutdown(ctx)
}

// Close is Shutdown without a deadline. Sink close errors are logged.
func (e *Engine) Close() {
	if err := e.Shutdown(context.Background()); err != nil {
		e.logger.Warn("audit sink close failed", "error", err)
	}
}

// AuditDropped returns how many audit events were dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) clock() time.Time {
	return e.now()
}

func (e *Engine) ready() bool {
	return e != nil && e.identities != nil && e.sessionStore != nil && e.jwtManager != nil
}

// ValidateAccess parses an access token and returns its principal. In
// ModeStrict the session row must also be live; ModeInherit uses the
// engine's configured mode.
func (e *Engine) ValidateAccess(ctx context.Context, token string, mode ValidationMode) (*Principal, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		if e.metrics.LatencyEnabled() {
			e.metrics.Observe(MetricValidateLatency, time.Since(start))
		}
	}()

	if mode == ModeInherit {
		mode = e.config.ValidationMode
	}

	claims, err := e.jwtManager.ParseAccess(token)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrUnauthorized
	}

	p := &Principal{
		IdentityID:           claims.UID,
		SessionID:            claims.SID,
		TenantID:             claims.TID,
		Role:                 Role(claims.Role),
		OrgSelectionRequired: claims.OSR,
		RememberMe:           claims.RM,
	}

	if mode != ModeStrict {
		return p, nil
	}

	sess, err := e.sessionStore.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.unavailable(err)
	}
	if sess.IdentityID != claims.UID {
		return nil, ErrUnauthorized
	}
	if sess.Revoked() {
		return nil, ErrSessionRevoked
	}
	if !sess.Live(e.sessionStore.Policy(), e.clock()) {
		return nil, ErrTokenExpired
	}
	// The row is authoritative for tenant and role once a refresh or
	// switch has moved it on.
	p.TenantID = sess.TenantID
	p.Role = Role(sess.Role)
	return p, nil
}

func (e *Engine) unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (e *Engine) warn(msg string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Warn(msg, args...)
}
