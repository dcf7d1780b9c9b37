package authcore

import (
	"context"
	"errors"

	"github.com/MrEthical07/authcore/internal"
	"github.com/MrEthical07/authcore/session"
)

// ListMemberships returns the organizations identityID belongs to.
func (e *Engine) ListMemberships(ctx context.Context, identityID string) ([]Membership, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	orgs, err := e.memberships.Memberships(ctx, identityID)
	if err != nil {
		return nil, e.unavailable(err)
	}
	return orgs, nil
}

// BindOrganization binds sessionID to tenantID, or switches it from its
// current tenant. The refresh secret rotates on the same session row, so the
// previous refresh token stops working and device history is kept.
func (e *Engine) BindOrganization(ctx context.Context, identityID, sessionID, tenantID string) (Tokens, error) {
	if !e.ready() {
		return Tokens{}, ErrEngineNotReady
	}
	if tenantID == "" {
		return Tokens{}, ErrNotAMember
	}

	m, err := e.memberships.Membership(ctx, identityID, tenantID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			e.orgBindRejected(ctx, identityID, tenantID, sessionID, ErrNotAMember)
			return Tokens{}, ErrNotAMember
		}
		return Tokens{}, e.unavailable(err)
	}

	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return Tokens{}, err
	}
	sess, err := e.sessionStore.Rebind(ctx, sessionID, identityID, tenantID, string(m.Role), internal.HashRefreshSecret(secret), e.clock())
	if err != nil {
		var mapped error
		switch {
		case errors.Is(err, session.ErrNotFound):
			mapped = ErrSessionNotFound
		case errors.Is(err, session.ErrExpired):
			mapped = ErrTokenExpired
		case errors.Is(err, session.ErrRevoked):
			mapped = ErrSessionRevoked
		default:
			return Tokens{}, e.unavailable(err)
		}
		e.orgBindRejected(ctx, identityID, tenantID, sessionID, mapped)
		return Tokens{}, mapped
	}

	tokens, err := e.tokensFor(sess, secret, false)
	if err != nil {
		return Tokens{}, err
	}
	e.metricInc(MetricOrgBound)
	e.emitAudit(ctx, auditEventOrgBound, true, identityID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"role": string(m.Role)}
	})
	return tokens, nil
}

func (e *Engine) orgBindRejected(ctx context.Context, identityID, tenantID, sessionID string, err error) {
	e.metricInc(MetricOrgBindRejected)
	e.emitAudit(ctx, auditEventOrgBindRejected, false, identityID, tenantID, sessionID, err, nil)
}
