package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/internal/stores"
)

// Login validates credentials and, unless MFA is enabled, issues a session
// and resolves organization binding. With MFA enabled the result carries
// only MFARequired and an MFAToken for CompleteMFALogin.
func (e *Engine) Login(ctx context.Context, email, password string, rememberMe bool) (*LoginResult, error) {
	identity, err := e.ValidateCredentials(ctx, email, password)
	if err != nil {
		return nil, err
	}

	enrollment, err := e.enrollments.Enrollment(ctx, identity.ID)
	switch {
	case err == nil:
	case errors.Is(err, ErrEnrollmentNotFound):
		enrollment = MFAEnrollment{IdentityID: identity.ID, State: EnrollmentNotEnrolled}
	default:
		return nil, e.unavailable(err)
	}

	if enrollment.State == EnrollmentEnabled {
		return e.startMFALogin(ctx, identity, rememberMe)
	}

	result, err := e.completeLogin(ctx, identity, rememberMe)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, identity.ID, result.BoundTenantID, result.Tokens.SessionID, nil, func() map[string]string {
		return map[string]string{"remember_me": boolString(rememberMe)}
	})
	return result, nil
}

func (e *Engine) startMFALogin(ctx context.Context, identity Identity, rememberMe bool) (*LoginResult, error) {
	token, hash, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	ttl := e.config.MFA.ChallengeTTL
	record := &stores.MFALoginChallenge{
		IdentityID: identity.ID,
		RememberMe: rememberMe,
		ClientIP:   clientIPFromContext(ctx),
		UserAgent:  userAgentFromContext(ctx),
		ExpiresAt:  e.clock().Add(ttl).Unix(),
	}
	if err := e.mfaChallenges.Save(ctx, internal.HexDigest(hash), record, ttl); err != nil {
		return nil, e.unavailable(err)
	}

	e.metricInc(MetricMFALoginRequired)
	e.emitAudit(ctx, auditEventMFARequired, true, identity.ID, "", "", nil, nil)
	return &LoginResult{
		Identity:    identity,
		MFARequired: true,
		MFAToken:    token,
	}, nil
}

// completeLogin issues the session for an authenticated identity. Exactly
// one membership binds the session to that tenant; several leave it
// unbound with org selection required.
func (e *Engine) completeLogin(ctx context.Context, identity Identity, rememberMe bool) (*LoginResult, error) {
	orgs, err := e.memberships.Memberships(ctx, identity.ID)
	if err != nil {
		return nil, e.unavailable(err)
	}

	result := &LoginResult{
		Identity:        identity,
		Orgs:            orgs,
		HasMultipleOrgs: len(orgs) > 1,
	}

	var (
		tenantID string
		role     Role
	)
	if len(orgs) == 1 {
		tenantID = orgs[0].Org.ID
		role = orgs[0].Role
	}

	tokens, err := e.issueSession(ctx, identity.ID, tenantID, role, rememberMe, len(orgs) > 1)
	if err != nil {
		return nil, err
	}
	result.Tokens = tokens
	result.BoundTenantID = tenantID
	return result, nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
