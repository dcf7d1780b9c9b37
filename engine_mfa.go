package authcore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authcore/internal"
	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/rate"
	"github.com/MrEthical07/authcore/internal/stores"
)

// StartMFASetup generates a new TOTP secret for identityID and stores it as
// a pending enrollment, replacing any earlier unconfirmed secret. The raw
// secret and provisioning URI are returned once.
func (e *Engine) StartMFASetup(ctx context.Context, identityID string) (*MFASetup, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	identity, err := e.identities.IdentityByID(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.unavailable(err)
	}

	current, err := e.enrollments.Enrollment(ctx, identityID)
	switch {
	case err == nil:
		if current.State == EnrollmentEnabled {
			return nil, ErrMFAAlreadyEnabled
		}
	case errors.Is(err, ErrEnrollmentNotFound):
	default:
		return nil, e.unavailable(err)
	}

	raw, secretB32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := e.secrets.Seal(identityID, raw)
	if err != nil {
		return nil, err
	}
	if err := e.enrollments.SavePendingEnrollment(ctx, identityID, sealed); err != nil {
		if errors.Is(err, ErrEnrollmentConflict) {
			return nil, ErrMFAAlreadyEnabled
		}
		return nil, e.unavailable(err)
	}

	token, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	ttl := e.config.MFA.SetupTokenTTL
	expiresAt := e.clock().Add(ttl)
	if err := e.mfaSetups.Save(ctx, internal.HexDigest(hash), &stores.MFASetupToken{
		IdentityID:        identityID,
		SecretFingerprint: secretFingerprint(sealed),
		ExpiresAt:         expiresAt.Unix(),
	}, ttl); err != nil {
		return nil, e.unavailable(err)
	}

	e.metricInc(MetricMFASetupStarted)
	e.emitAudit(ctx, auditEventMFASetupStarted, true, identityID, "", "", nil, nil)
	return &MFASetup{
		Secret:          secretB32,
		ProvisioningURI: e.totp.ProvisionURI(secretB32, identity.Email),
		SetupToken:      token,
		ExpiresAt:       expiresAt,
	}, nil
}

// ConfirmMFASetup enables the pending enrollment when code matches its
// secret and returns the first batch of backup codes. A wrong code leaves
// both the setup token and the pending enrollment usable.
func (e *Engine) ConfirmMFASetup(ctx context.Context, identityID, setupToken, code string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	hash, err := internal.HashOpaqueToken(setupToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	key := internal.HexDigest(hash)
	record, err := e.mfaSetups.Get(ctx, key)
	if err != nil {
		if errors.Is(err, stores.ErrMFASetupNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, e.unavailable(err)
	}
	if record.IdentityID != identityID {
		return nil, ErrTokenInvalid
	}

	if err := e.checkMFABudget(ctx, identityID); err != nil {
		return nil, err
	}

	enrollment, err := e.enrollments.Enrollment(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return nil, ErrMFANotEnrolled
		}
		return nil, e.unavailable(err)
	}
	switch enrollment.State {
	case EnrollmentEnabled:
		return nil, ErrMFAAlreadyEnabled
	case EnrollmentSetupStarted:
	default:
		return nil, ErrMFANotEnrolled
	}
	if secretFingerprint(enrollment.SealedSecret) != record.SecretFingerprint {
		// Setup was restarted after this token was issued.
		return nil, ErrTokenInvalid
	}

	secret, err := e.secrets.Open(identityID, enrollment.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("open totp secret: %w", err)
	}
	ok, step, err := e.totp.VerifyCode(secret, code, e.clock())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.mfaFailed(ctx, identityID, "setup_confirm")
		return nil, ErrMFAInvalidCode
	}

	batch, err := internalflows.GenerateBackupCodeBatch(identityID, e.config.MFA.BackupCodeCount, e.config.MFA.BackupCodeLength, nil)
	if err != nil {
		return nil, err
	}
	if err := e.enrollments.EnableEnrollment(ctx, identityID, enrollment.SealedSecret, step, backupHashes(batch), e.clock()); err != nil {
		if !errors.Is(err, ErrEnrollmentConflict) {
			return nil, e.unavailable(err)
		}
		if again, rerr := e.enrollments.Enrollment(ctx, identityID); rerr == nil && again.State == EnrollmentEnabled {
			return nil, ErrMFAAlreadyEnabled
		}
		return nil, ErrTokenInvalid
	}

	if err := e.mfaSetups.Delete(ctx, key); err != nil {
		e.warn("delete mfa setup token failed", "identity_id", identityID, "error", err)
	}
	e.resetMFABudget(ctx, identityID)

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventMFAEnabled, true, identityID, "", "", nil, nil)
	return batch.Codes, nil
}

// Challenge verifies a TOTP code for an enabled enrollment. A code for a
// step that was already accepted is rejected as invalid.
func (e *Engine) Challenge(ctx context.Context, identityID, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.checkMFABudget(ctx, identityID); err != nil {
		return err
	}

	enrollment, err := e.enabledEnrollment(ctx, identityID)
	if err != nil {
		return err
	}
	secret, err := e.secrets.Open(identityID, enrollment.SealedSecret)
	if err != nil {
		return fmt.Errorf("open totp secret: %w", err)
	}

	ok, step, err := e.totp.VerifyCode(secret, code, e.clock())
	if err != nil {
		return err
	}
	if !ok {
		e.mfaFailed(ctx, identityID, "totp_mismatch")
		return ErrMFAInvalidCode
	}

	advanced, err := e.enrollments.AdvanceTOTPStep(ctx, identityID, step)
	if err != nil {
		return e.unavailable(err)
	}
	if !advanced {
		e.metricInc(MetricTOTPReplayRejected)
		e.emitAudit(ctx, auditEventTOTPReplay, false, identityID, "", "", ErrMFAInvalidCode, nil)
		e.mfaFailed(ctx, identityID, "totp_replay")
		return ErrMFAInvalidCode
	}

	e.resetMFABudget(ctx, identityID)
	return nil
}

// ChallengeWithBackupCode spends one unused backup code. Of two concurrent
// calls with the same code at most one succeeds.
func (e *Engine) ChallengeWithBackupCode(ctx context.Context, identityID, code string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.checkMFABudget(ctx, identityID); err != nil {
		return err
	}
	if _, err := e.enabledEnrollment(ctx, identityID); err != nil {
		return err
	}

	err := internalflows.RunConsumeBackupCode(ctx, identityID, code, internalflows.BackupCodeDeps{
		ConsumeBackupCode: func(ctx context.Context, identityID string, hash [32]byte) (bool, error) {
			return e.enrollments.ConsumeBackupCode(ctx, identityID, BackupCodeHash(hash), e.clock())
		},
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: e.emitAudit,
		Metrics: internalflows.BackupCodeMetrics{
			BackupCodeUsed:   int(MetricBackupCodeUsed),
			BackupCodeFailed: int(MetricBackupCodeFailed),
		},
		Events: internalflows.BackupCodeEvents{
			BackupCodeUsed:   auditEventBackupCodeUsed,
			BackupCodeFailed: auditEventBackupCodeFailed,
		},
		Errors: internalflows.BackupCodeErrors{
			EngineNotReady:        ErrEngineNotReady,
			BackupCodeInvalid:     ErrMFAInvalidCode,
			BackupCodeUnavailable: ErrUnavailable,
		},
	})
	if err != nil {
		if errors.Is(err, ErrMFAInvalidCode) {
			e.recordMFAFailure(ctx, identityID)
		}
		return err
	}
	e.resetMFABudget(ctx, identityID)
	return nil
}

// mfaClaimLease bounds how long a crashed verifier can hold a challenge.
const mfaClaimLease = 10 * time.Second

// CompleteMFALogin answers the challenge issued by Login. Wrong codes count
// against the challenge and destroy it after ChallengeMaxAttempts. The
// challenge is consumed exactly once, so two racing correct answers issue
// one session and spend one factor.
func (e *Engine) CompleteMFALogin(ctx context.Context, mfaToken, code string, method MFAMethod) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	hash, err := internal.HashOpaqueToken(mfaToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	key := internal.HexDigest(hash)
	challenge, err := e.mfaChallenges.Get(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrMFALoginChallengeNotFound):
			return nil, ErrTokenInvalid
		case errors.Is(err, stores.ErrMFALoginChallengeExpired):
			return nil, ErrTokenExpired
		default:
			return nil, e.unavailable(err)
		}
	}

	// Only the lease holder verifies, so a losing racer never spends a
	// backup code or TOTP step.
	claimed, err := e.mfaChallenges.Claim(ctx, key, mfaClaimLease)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrMFALoginChallengeNotFound):
			return nil, ErrTokenInvalid
		case errors.Is(err, stores.ErrMFALoginChallengeExpired):
			return nil, ErrTokenExpired
		default:
			return nil, e.unavailable(err)
		}
	}
	if !claimed {
		return nil, ErrTokenInvalid
	}

	switch method {
	case MFAMethodTOTP, "":
		err = e.Challenge(ctx, challenge.IdentityID, code)
	case MFAMethodBackup:
		err = e.ChallengeWithBackupCode(ctx, challenge.IdentityID, code)
	default:
		err = ErrMFAInvalidCode
	}
	if err != nil {
		if releaseErr := e.mfaChallenges.Release(ctx, key); releaseErr != nil {
			e.warn("release mfa challenge failed", "identity_id", challenge.IdentityID, "error", releaseErr)
		}
		if errors.Is(err, ErrMFAInvalidCode) {
			e.challengeFailed(ctx, key, challenge.IdentityID)
		}
		return nil, err
	}

	won, err := e.mfaChallenges.Consume(ctx, key)
	if err != nil {
		return nil, e.unavailable(err)
	}
	if !won {
		return nil, ErrTokenInvalid
	}

	identity, err := e.identities.IdentityByID(ctx, challenge.IdentityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, e.unavailable(err)
	}
	identity.PasswordHash = ""

	if clientIPFromContext(ctx) == "" {
		ctx = WithClientIP(ctx, challenge.ClientIP)
	}
	if userAgentFromContext(ctx) == "" {
		ctx = WithUserAgent(ctx, challenge.UserAgent)
	}
	result, err := e.completeLogin(ctx, identity, challenge.RememberMe)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFALoginSuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, identity.ID, result.BoundTenantID, result.Tokens.SessionID, nil, func() map[string]string {
		return map[string]string{"method": string(method)}
	})
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, result.BoundTenantID, result.Tokens.SessionID, nil, func() map[string]string {
		return map[string]string{"remember_me": boolString(challenge.RememberMe)}
	})
	return result, nil
}

func (e *Engine) challengeFailed(ctx context.Context, key, identityID string) {
	e.metricInc(MetricMFALoginFailure)
	exhausted, err := e.mfaChallenges.RecordFailure(ctx, key, e.config.MFA.ChallengeMaxAttempts)
	if err != nil {
		if !errors.Is(err, stores.ErrMFALoginChallengeNotFound) && !errors.Is(err, stores.ErrMFALoginChallengeExpired) {
			e.warn("record mfa challenge failure failed", "identity_id", identityID, "error", err)
		}
		return
	}
	if exhausted {
		e.metricInc(MetricMFAAttemptsExceeded)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, identityID, "", "", ErrMFAInvalidCode, nil)
	}
}

// DisableMFA re-checks password and removes the enrollment and every backup
// code in one store transaction.
func (e *Engine) DisableMFA(ctx context.Context, identityID, password string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if err := e.checkPassword(ctx, identityID, password); err != nil {
		return err
	}

	if _, err := e.enrollments.Enrollment(ctx, identityID); err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return ErrMFANotEnrolled
		}
		return e.unavailable(err)
	}
	if err := e.enrollments.DeleteEnrollment(ctx, identityID); err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return ErrMFANotEnrolled
		}
		return e.unavailable(err)
	}
	e.resetMFABudget(ctx, identityID)

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, identityID, "", "", nil, nil)
	return nil
}

// RegenerateBackupCodes re-checks password and replaces the whole backup
// batch. Codes from the old batch stop working when this returns.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID, password string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if err := e.checkPassword(ctx, identityID, password); err != nil {
		return nil, err
	}
	if _, err := e.enabledEnrollment(ctx, identityID); err != nil {
		return nil, err
	}

	batch, err := internalflows.GenerateBackupCodeBatch(identityID, e.config.MFA.BackupCodeCount, e.config.MFA.BackupCodeLength, nil)
	if err != nil {
		return nil, err
	}
	if err := e.enrollments.ReplaceBackupCodes(ctx, identityID, backupHashes(batch)); err != nil {
		return nil, e.unavailable(err)
	}
	e.resetMFABudget(ctx, identityID)

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, identityID, "", "", nil, nil)
	return batch.Codes, nil
}

func (e *Engine) MFAStatus(ctx context.Context, identityID string) (MFAStatus, error) {
	if !e.ready() {
		return MFAStatus{}, ErrEngineNotReady
	}
	enrollment, err := e.enrollments.Enrollment(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return MFAStatus{State: EnrollmentNotEnrolled}, nil
		}
		return MFAStatus{}, e.unavailable(err)
	}

	status := MFAStatus{State: enrollment.State, EnabledAt: enrollment.EnabledAt}
	if enrollment.State == EnrollmentEnabled {
		n, err := e.enrollments.UnusedBackupCodes(ctx, identityID)
		if err != nil {
			return MFAStatus{}, e.unavailable(err)
		}
		status.BackupCodesRemaining = n
	}
	return status, nil
}

func (e *Engine) enabledEnrollment(ctx context.Context, identityID string) (MFAEnrollment, error) {
	enrollment, err := e.enrollments.Enrollment(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrEnrollmentNotFound) {
			return MFAEnrollment{}, ErrMFANotEnrolled
		}
		return MFAEnrollment{}, e.unavailable(err)
	}
	if enrollment.State != EnrollmentEnabled {
		return MFAEnrollment{}, ErrMFANotEnrolled
	}
	return enrollment, nil
}

func (e *Engine) checkMFABudget(ctx context.Context, identityID string) error {
	if err := e.rateLimiter.CheckMFA(ctx, identityID); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.emitRateLimit(ctx, "mfa", func() map[string]string {
				return map[string]string{"identity_id": identityID}
			})
			return ErrRateLimited
		}
		return e.unavailable(err)
	}
	return nil
}

func (e *Engine) recordMFAFailure(ctx context.Context, identityID string) {
	if err := e.rateLimiter.RecordMFAFailure(ctx, identityID); err != nil && !errors.Is(err, rate.ErrRateLimited) {
		e.warn("record mfa failure failed", "identity_id", identityID, "error", err)
	}
}

func (e *Engine) resetMFABudget(ctx context.Context, identityID string) {
	if err := e.rateLimiter.ResetMFA(ctx, identityID); err != nil {
		e.warn("reset mfa budget failed", "identity_id", identityID, "error", err)
	}
}

func (e *Engine) mfaFailed(ctx context.Context, identityID, reason string) {
	e.recordMFAFailure(ctx, identityID)
	e.emitAudit(ctx, auditEventMFAFailure, false, identityID, "", "", ErrMFAInvalidCode, func() map[string]string {
		return map[string]string{"reason": reason}
	})
}

func secretFingerprint(sealed []byte) string {
	sum := sha256.Sum256(sealed)
	return hex.EncodeToString(sum[:])
}

func backupHashes(batch internalflows.BackupCodeBatch) []BackupCodeHash {
	out := make([]BackupCodeHash, len(batch.Hashes))
	for i, h := range batch.Hashes {
		out[i] = BackupCodeHash(h)
	}
	return out
}
