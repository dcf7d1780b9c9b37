package authcore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/authcore/internal"
	internalflows "github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/jwt"
	"github.com/MrEthical07/authcore/session"
)

// IssueSession creates a session for identityID. A non-empty tenantID must
// be one of the identity's memberships.
func (e *Engine) IssueSession(ctx context.Context, identityID, tenantID string, rememberMe bool) (Tokens, error) {
	if !e.ready() {
		return Tokens{}, ErrEngineNotReady
	}
	if tenantID == "" {
		orgs, err := e.memberships.Memberships(ctx, identityID)
		if err != nil {
			return Tokens{}, e.unavailable(err)
		}
		return e.issueSession(ctx, identityID, "", "", rememberMe, len(orgs) > 1)
	}

	m, err := e.memberships.Membership(ctx, identityID, tenantID)
	if err != nil {
		if errors.Is(err, ErrMembershipNotFound) {
			return Tokens{}, ErrNotAMember
		}
		return Tokens{}, e.unavailable(err)
	}
	return e.issueSession(ctx, identityID, tenantID, m.Role, rememberMe, false)
}

func (e *Engine) issueSession(ctx context.Context, identityID, tenantID string, role Role, rememberMe, orgSelectionRequired bool) (Tokens, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return Tokens{}, err
	}
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return Tokens{}, err
	}

	now := e.clock()
	sess := &session.Session{
		ID:          sid.String(),
		IdentityID:  identityID,
		TenantID:    tenantID,
		Role:        string(role),
		RefreshHash: internal.HashRefreshSecret(secret),
		CreatedAt:   now,
		LastSeenAt:  now,
		ClientIP:    clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		RememberMe:  rememberMe,
	}
	if err := e.sessionStore.Save(ctx, sess); err != nil {
		e.emitAudit(ctx, auditEventSessionCreated, false, identityID, tenantID, sess.ID, ErrUnavailable, nil)
		return Tokens{}, e.unavailable(err)
	}

	tokens, err := e.tokensFor(sess, secret, orgSelectionRequired)
	if err != nil {
		return Tokens{}, err
	}
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, identityID, tenantID, sess.ID, nil, nil)
	return tokens, nil
}

func (e *Engine) tokensFor(sess *session.Session, secret [32]byte, orgSelectionRequired bool) (Tokens, error) {
	access, accessExp, err := e.jwtManager.CreateAccess(jwt.Subject{
		IdentityID:           sess.IdentityID,
		SessionID:            sess.ID,
		TenantID:             sess.TenantID,
		Role:                 sess.Role,
		OrgSelectionRequired: orgSelectionRequired,
		RememberMe:           sess.RememberMe,
	})
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.ID, secret)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: sess.ExpiresAt(e.sessionStore.Policy()),
		SessionID:        sess.ID,
	}, nil
}

// Refresh rotates refreshToken on its session row and returns a new pair.
// A token that was already rotated out revokes the session and fails with
// ErrSessionReused.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	if !e.ready() {
		return Tokens{}, ErrEngineNotReady
	}

	res := internalflows.RunRefresh(ctx, refreshToken, internalflows.RefreshDeps{
		Now:                e.clock,
		DecodeRefreshToken: internal.DecodeRefreshToken,
		NewRefreshSecret:   internal.NewRefreshSecret,
		HashRefreshSecret:  internal.HashRefreshSecret,
		EncodeRefreshToken: internal.EncodeRefreshToken,
		IssueAccessToken: func(sess *session.Session, orgSelectionRequired bool) (string, time.Time, error) {
			return e.jwtManager.CreateAccess(jwt.Subject{
				IdentityID:           sess.IdentityID,
				SessionID:            sess.ID,
				TenantID:             sess.TenantID,
				Role:                 sess.Role,
				OrgSelectionRequired: orgSelectionRequired,
				RememberMe:           sess.RememberMe,
			})
		},
		OrgSelectionRequired: func(ctx context.Context, identityID string) (bool, error) {
			orgs, err := e.memberships.Memberships(ctx, identityID)
			if err != nil {
				return false, err
			}
			return len(orgs) > 1, nil
		},
		LookupRole: func(ctx context.Context, identityID, tenantID string) (string, bool, error) {
			m, err := e.memberships.Membership(ctx, identityID, tenantID)
			if err != nil {
				if errors.Is(err, ErrMembershipNotFound) {
					return "", false, nil
				}
				return "", false, err
			}
			return string(m.Role), true, nil
		},
		Warn:         e.warn,
		SessionStore: e.sessionStore,
	})

	if res.Failure != internalflows.RefreshFailureNone {
		err := e.refreshFailure(res)
		switch {
		case errors.Is(err, ErrSessionReused):
			e.metricInc(MetricRefreshReuseDetected)
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, res.IdentityID, "", res.SessionID, err, nil)
		case errors.Is(err, ErrNotAMember):
			e.metricInc(MetricRefreshMembershipRevoked)
			e.emitAudit(ctx, auditEventRefreshMembershipLost, false, res.IdentityID, "", res.SessionID, err, nil)
		default:
			e.emitAudit(ctx, auditEventRefreshInvalid, false, res.IdentityID, "", res.SessionID, err, nil)
		}
		e.metricInc(MetricRefreshFailure)
		return Tokens{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, res.IdentityID, res.Session.TenantID, res.SessionID, nil, nil)
	return Tokens{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshExpiresAt: res.Session.ExpiresAt(e.sessionStore.Policy()),
		SessionID:        res.SessionID,
	}, nil
}

func (e *Engine) refreshFailure(res internalflows.RefreshResult) error {
	switch res.Failure {
	case internalflows.RefreshFailureDecode, internalflows.RefreshFailureNotFound:
		return ErrTokenInvalid
	case internalflows.RefreshFailureExpired:
		return ErrTokenExpired
	case internalflows.RefreshFailureRevoked:
		return ErrSessionRevoked
	case internalflows.RefreshFailureReuse:
		return ErrSessionReused
	case internalflows.RefreshFailureNotAMember:
		return ErrNotAMember
	case internalflows.RefreshFailureRotate, internalflows.RefreshFailureMembership:
		return e.unavailable(res.Err)
	default:
		if errors.Is(res.Err, ErrUnavailable) {
			return res.Err
		}
		return fmt.Errorf("refresh: %w", res.Err)
	}
}

// RevokeSession revokes one of identityID's sessions. Revoking an already
// revoked session succeeds; another identity's session is ErrSessionNotFound.
func (e *Engine) RevokeSession(ctx context.Context, identityID, sessionID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	revoked, err := e.sessionStore.Revoke(ctx, identityID, sessionID, e.clock())
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			e.emitAudit(ctx, auditEventLogoutSession, false, identityID, "", sessionID, ErrSessionNotFound, nil)
			return ErrSessionNotFound
		}
		return e.unavailable(err)
	}
	if revoked {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventLogoutSession, true, identityID, "", sessionID, nil, nil)
	return nil
}

// RevokeAllSessions revokes every session of identityID except
// exceptSessionID in one pass. An empty exceptSessionID includes the
// caller's own session.
func (e *Engine) RevokeAllSessions(ctx context.Context, identityID, exceptSessionID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	n, err := e.sessionStore.RevokeAll(ctx, identityID, exceptSessionID, e.clock())
	if err != nil {
		return 0, e.unavailable(err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, identityID, "", exceptSessionID, nil, func() map[string]string {
		return map[string]string{"revoked": strconv.Itoa(n)}
	})
	return n, nil
}

// ListSessions returns identityID's live sessions, most recently active
// first, flagging currentSessionID.
func (e *Engine) ListSessions(ctx context.Context, identityID, currentSessionID string) ([]SessionInfo, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	sessions, err := e.sessionStore.List(ctx, identityID)
	if err != nil {
		return nil, e.unavailable(err)
	}

	policy := e.sessionStore.Policy()
	now := e.clock()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if !s.Live(policy, now) {
			continue
		}
		out = append(out, SessionInfo{
			ID:         s.ID,
			TenantID:   s.TenantID,
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			ExpiresAt:  s.ExpiresAt(policy),
			ClientIP:   s.ClientIP,
			UserAgent:  s.UserAgent,
			RememberMe: s.RememberMe,
			Current:    s.ID == currentSessionID,
		})
	}
	return out, nil
}
