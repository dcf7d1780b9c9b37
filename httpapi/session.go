package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

type userView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

type loginResponse struct {
	User            userView              `json:"user"`
	Orgs            []authcore.Membership `json:"orgs"`
	HasMultipleOrgs bool                  `json:"has_multiple_orgs"`
	TenantID        string                `json:"tenant_id,omitempty"`
	AccessExpiresAt time.Time             `json:"access_expires_at"`
}

type mfaChallengeResponse struct {
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token"`
}

type tokenResponse struct {
	SessionID        string    `json:"session_id"`
	TenantID         string    `json:"tenant_id,omitempty"`
	Role             string    `json:"role,omitempty"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"remember_me"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.Login(r.Context(), req.Email, req.Password, req.RememberMe)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeLogin(w, res)
}

// writeLogin answers a completed login with cookies, or an MFA challenge
// with the challenge token only.
func (h *Handler) writeLogin(w http.ResponseWriter, res *authcore.LoginResult) {
	if res.MFARequired {
		middleware.WriteJSON(w, http.StatusOK, mfaChallengeResponse{MFARequired: true, MFAToken: res.MFAToken})
		return
	}

	orgs := res.Orgs
	if orgs == nil {
		orgs = []authcore.Membership{}
	}
	h.setTokens(w, res.Tokens)
	middleware.WriteJSON(w, http.StatusOK, loginResponse{
		User: userView{
			ID:            res.Identity.ID,
			Email:         res.Identity.Email,
			EmailVerified: res.Identity.EmailVerified,
		},
		Orgs:            orgs,
		HasMultipleOrgs: res.HasMultipleOrgs,
		TenantID:        res.BoundTenantID,
		AccessExpiresAt: res.Tokens.AccessExpiresAt,
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(middleware.RefreshCookieName)
	if err != nil || c.Value == "" {
		h.fail(w, r, authcore.ErrUnauthorized)
		return
	}

	tokens, err := h.engine.Refresh(r.Context(), c.Value)
	if err != nil {
		switch authcore.CodeOf(err) {
		case authcore.CodeUnavailable, authcore.CodeInternal, authcore.CodeRateLimited:
		default:
			// The refresh cookie is dead; drop both so the client stops
			// presenting them.
			h.clearTokens(w)
		}
		h.fail(w, r, err)
		return
	}

	h.writeTokens(w, r, tokens)
}

// writeTokens sets the cookies and describes the session they belong to.
func (h *Handler) writeTokens(w http.ResponseWriter, r *http.Request, tokens authcore.Tokens) {
	resp := tokenResponse{
		SessionID:        tokens.SessionID,
		AccessExpiresAt:  tokens.AccessExpiresAt,
		RefreshExpiresAt: tokens.RefreshExpiresAt,
	}
	if p, err := h.engine.ValidateAccess(r.Context(), tokens.AccessToken, authcore.ModeJWTOnly); err == nil {
		resp.TenantID = p.TenantID
		resp.Role = string(p.Role)
	}
	h.setTokens(w, tokens)
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	err := h.engine.RevokeSession(r.Context(), p.IdentityID, p.SessionID)
	if err != nil && !errors.Is(err, authcore.ErrSessionNotFound) {
		h.fail(w, r, err)
		return
	}
	h.clearTokens(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	n, err := h.engine.RevokeAllSessions(r.Context(), p.IdentityID, "")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.clearTokens(w)
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sessions, err := h.engine.ListSessions(r.Context(), p.IdentityID, p.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string][]authcore.SessionInfo{"sessions": sessions})
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := r.PathValue("id")
	if err := h.engine.RevokeSession(r.Context(), p.IdentityID, id); err != nil {
		h.fail(w, r, err)
		return
	}
	if id == p.SessionID {
		h.clearTokens(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOrgs(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	orgs, err := h.engine.ListMemberships(r.Context(), p.IdentityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orgs == nil {
		orgs = []authcore.Membership{}
	}
	middleware.WriteJSON(w, http.StatusOK, struct {
		Orgs     []authcore.Membership `json:"orgs"`
		TenantID string                `json:"tenant_id,omitempty"`
	}{orgs, p.TenantID})
}

// bindOrg serves both select-org and switch-org. The session row and its id
// are kept either way.
func (h *Handler) bindOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		h.fail(w, r, authcore.ErrInvalidRequest)
		return
	}

	p := principal(r)
	tokens, err := h.engine.BindOrganization(r.Context(), p.IdentityID, p.SessionID, req.TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeTokens(w, r, tokens)
}
