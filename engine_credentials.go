package authcore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/authcore/internal/rate"
)

// ValidateCredentials checks email and password and maintains the lockout
// counter. It returns ErrInvalidCredentials, ErrAccountLocked,
// ErrEmailNotVerified or ErrRateLimited; lockout and verification are
// reported regardless of whether the password was right.
func (e *Engine) ValidateCredentials(ctx context.Context, email, password string) (Identity, error) {
	if !e.ready() || e.passwordHash == nil {
		return Identity{}, ErrEngineNotReady
	}
	email = normalizeEmail(email)
	ip := clientIPFromContext(ctx)

	if err := e.rateLimiter.CheckLogin(ctx, email, ip); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, "", "", "", ErrRateLimited, func() map[string]string {
				return map[string]string{"identifier": email}
			})
			e.emitRateLimit(ctx, "login", func() map[string]string {
				return map[string]string{"identifier": email}
			})
			return Identity{}, ErrRateLimited
		}
		return Identity{}, e.unavailable(err)
	}

	identity, err := e.identities.IdentityByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrIdentityNotFound) {
			return Identity{}, e.unavailable(err)
		}
		e.passwordHash.VerifyDummy(password)
		e.countLoginAttempt(ctx, email, ip)
		e.loginFailed(ctx, "", ErrInvalidCredentials, "unknown_identity")
		return Identity{}, ErrInvalidCredentials
	}

	now := e.clock()
	if identity.Locked(now) {
		e.passwordHash.VerifyDummy(password)
		e.countLoginAttempt(ctx, email, ip)
		e.metricInc(MetricLoginLocked)
		e.loginFailed(ctx, identity.ID, ErrAccountLocked, "locked")
		return Identity{}, ErrAccountLocked
	}

	if identity.PasswordHash == "" {
		// External-provider identity: no password can match.
		e.passwordHash.VerifyDummy(password)
		e.countLoginAttempt(ctx, email, ip)
		e.loginFailed(ctx, identity.ID, ErrInvalidCredentials, "external_provider")
		return Identity{}, ErrInvalidCredentials
	}

	if !identity.EmailVerified {
		e.passwordHash.VerifyDummy(password)
		e.metricInc(MetricLoginUnverified)
		e.loginFailed(ctx, identity.ID, ErrEmailNotVerified, "unverified")
		return Identity{}, ErrEmailNotVerified
	}

	ok, err := e.passwordHash.Verify(password, identity.PasswordHash)
	if err != nil {
		e.warn("stored password hash is malformed", "identity_id", identity.ID, "error", err)
		ok = false
	}
	if !ok {
		e.countLoginAttempt(ctx, email, ip)
		res, err := e.identities.RecordLoginFailure(ctx, identity.ID, e.config.Lockout.Threshold, now.Add(e.config.Lockout.Duration))
		if err != nil {
			return Identity{}, e.unavailable(err)
		}
		if res.Locked {
			e.metricInc(MetricAccountLocked)
			e.emitAudit(ctx, auditEventAccountLocked, false, identity.ID, "", "", ErrAccountLocked, func() map[string]string {
				return map[string]string{"locked_until": res.LockedUntil.UTC().Format(time.RFC3339)}
			})
			e.loginFailed(ctx, identity.ID, ErrAccountLocked, "threshold_reached")
			return Identity{}, ErrAccountLocked
		}
		e.loginFailed(ctx, identity.ID, ErrInvalidCredentials, "bad_password")
		return Identity{}, ErrInvalidCredentials
	}

	if identity.FailedLogins > 0 || !identity.LockedUntil.IsZero() {
		if err := e.identities.ResetLoginFailures(ctx, identity.ID); err != nil {
			e.warn("reset login failures failed", "identity_id", identity.ID, "error", err)
		}
		identity.FailedLogins = 0
		identity.LockedUntil = time.Time{}
	}
	if err := e.rateLimiter.ResetLogin(ctx, email); err != nil {
		e.warn("reset login window failed", "error", err)
	}

	if e.config.Password.UpgradeOnLogin {
		e.upgradePasswordHash(ctx, identity, password)
	}

	identity.PasswordHash = ""
	return identity, nil
}

func (e *Engine) upgradePasswordHash(ctx context.Context, identity Identity, password string) {
	stale, err := e.passwordHash.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !stale {
		return
	}
	upgraded, err := e.passwordHash.Hash(password)
	if err != nil {
		// Old passwords may predate the current length policy.
		return
	}
	if err := e.identities.UpdatePasswordHash(ctx, identity.ID, upgraded); err != nil {
		e.warn("password hash upgrade failed", "identity_id", identity.ID, "error", err)
	}
}

// checkPassword re-validates the password of an authenticated identity
// before a sensitive MFA change. Failures share the MFA attempt budget.
func (e *Engine) checkPassword(ctx context.Context, identityID, password string) error {
	if err := e.checkMFABudget(ctx, identityID); err != nil {
		return err
	}

	identity, err := e.identities.IdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrUnauthorized
		}
		return e.unavailable(err)
	}
	if identity.PasswordHash == "" {
		e.passwordHash.VerifyDummy(password)
		return ErrInvalidCredentials
	}
	ok, err := e.passwordHash.Verify(password, identity.PasswordHash)
	if err != nil || !ok {
		e.recordMFAFailure(ctx, identityID)
		return ErrInvalidCredentials
	}
	return nil
}

// countLoginAttempt charges a failed attempt to the per-email and per-IP
// windows. Backend errors only degrade throttling.
func (e *Engine) countLoginAttempt(ctx context.Context, email, ip string) {
	if err := e.rateLimiter.IncrementLogin(ctx, email, ip); err != nil {
		e.warn("login rate counter failed", "error", err)
	}
}

func (e *Engine) loginFailed(ctx context.Context, identityID string, err error, reason string) {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, identityID, "", "", err, func() map[string]string {
		return map[string]string{"reason": reason}
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
