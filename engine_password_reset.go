package authcore

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/password"
)

// RequestPasswordReset issues a reset token for email and hands it to the
// ResetNotifier. Unknown and external-provider identities produce no token
// and no error, so callers cannot tell them apart. ErrRateLimited is still
// returned when the email or client IP is over budget; transports that must
// stay enumeration safe should answer as if it succeeded.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	email = normalizeEmail(email)

	if err := e.rateLimiter.AllowReset(ctx, email, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricPasswordResetRateLimited)
			e.emitRateLimit(ctx, "password_reset", nil)
			return ErrRateLimited
		}
		return e.unavailable(err)
	}
	e.metricInc(MetricPasswordResetRequest)

	identity, err := e.identities.IdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetRequest, true, "", "", "", nil, nil)
			return nil
		}
		return e.unavailable(err)
	}
	if identity.PasswordHash == "" {
		e.emitAudit(ctx, auditEventPasswordResetRequest, true, identity.ID, "", "", nil, func() map[string]string {
			return map[string]string{"skipped": "external_provider"}
		})
		return nil
	}

	token, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return err
	}
	now := e.clock()
	expiresAt := now.Add(e.config.PasswordReset.TokenTTL)
	if err := e.resetTokens.CreateResetToken(ctx, ResetToken{
		Hash:       hash,
		IdentityID: identity.ID,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}); err != nil {
		return e.unavailable(err)
	}

	identity.PasswordHash = ""
	if err := e.notifier.SendPasswordReset(ctx, identity, token, expiresAt); err != nil {
		e.warn("password reset delivery failed", "identity_id", identity.ID, "error", err)
	}
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, identity.ID, "", "", nil, nil)
	return nil
}

// ValidateResetToken reports whether token can still be consumed. It does
// not consume it.
func (e *Engine) ValidateResetToken(ctx context.Context, token string) (ResetValidation, error) {
	if !e.ready() {
		return ResetValidation{}, ErrEngineNotReady
	}
	hash, err := internal.HashOpaqueToken(token)
	if err != nil {
		return ResetValidation{Reason: ResetInvalid}, nil
	}
	row, err := e.resetTokens.ResetToken(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrResetTokenNotFound) {
			return ResetValidation{Reason: ResetInvalid}, nil
		}
		return ResetValidation{}, e.unavailable(err)
	}

	state := row.State(e.clock())
	if state != ResetValid {
		return ResetValidation{Reason: state}, nil
	}
	return ResetValidation{Valid: true, IdentityID: row.IdentityID, Reason: ResetValid}, nil
}

// ConfirmPasswordReset consumes token and sets newPassword. The consume is a
// single conditional update, so of two racing confirmations exactly one
// succeeds. Every session of the identity is revoked afterwards.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	hash, err := internal.HashOpaqueToken(token)
	if err != nil {
		e.resetConfirmFailed(ctx, "", ErrTokenInvalid)
		return ErrTokenInvalid
	}

	newHash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrTooShort) || errors.Is(err, password.ErrTooLong) {
			return ErrPasswordPolicy
		}
		return err
	}

	row, state, err := e.resetTokens.ConsumeResetToken(ctx, hash, e.clock())
	if err != nil && !errors.Is(err, ErrResetTokenNotFound) {
		return e.unavailable(err)
	}
	if err != nil {
		state = ResetInvalid
	}
	switch state {
	case ResetValid:
	case ResetUsed:
		e.emitAudit(ctx, auditEventPasswordResetReplay, false, row.IdentityID, "", "", ErrTokenUsed, nil)
		e.resetConfirmFailed(ctx, row.IdentityID, ErrTokenUsed)
		return ErrTokenUsed
	case ResetExpired:
		e.resetConfirmFailed(ctx, row.IdentityID, ErrTokenExpired)
		return ErrTokenExpired
	default:
		e.resetConfirmFailed(ctx, "", ErrTokenInvalid)
		return ErrTokenInvalid
	}

	if err := e.identities.UpdatePasswordHash(ctx, row.IdentityID, newHash); err != nil {
		return e.unavailable(err)
	}
	if err := e.identities.ResetLoginFailures(ctx, row.IdentityID); err != nil {
		e.warn("reset login failures failed", "identity_id", row.IdentityID, "error", err)
	}

	revoked, err := e.sessionStore.RevokeAll(ctx, row.IdentityID, "", e.clock())
	if err != nil {
		return e.unavailable(err)
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, row.IdentityID, "", "", nil, func() map[string]string {
		return map[string]string{"sessions_revoked": strconv.Itoa(revoked)}
	})
	return nil
}

func (e *Engine) resetConfirmFailed(ctx context.Context, identityID string, err error) {
	e.metricInc(MetricPasswordResetConfirmFailure)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, false, identityID, "", "", err, nil)
}

// logNotifier is the fallback ResetNotifier. It records that a token was
// issued without writing the token.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) SendPasswordReset(_ context.Context, identity Identity, _ string, expiresAt time.Time) error {
	n.logger.Info("password reset issued; no notifier configured",
		"identity_id", identity.ID,
		"expires_at", expiresAt.UTC(),
	)
	return nil
}
