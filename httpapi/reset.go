package httpapi

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

const forgotPasswordMessage = "if an account exists for that email, a reset link has been sent"

func (h *Handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.RequestPasswordReset(r.Context(), req.Email); err != nil {
		if errors.Is(err, authcore.ErrRateLimited) {
			h.logger.WarnContext(r.Context(), "forgot-password rate limited", "client_ip", h.clientIP(r))
		} else {
			h.logger.ErrorContext(r.Context(), "forgot-password failed", "error", err)
		}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"message": forgotPasswordMessage})
}

func (h *Handler) validateReset(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.ValidateResetToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}{v.Valid, v.Reason.String()})
}

func (h *Handler) confirmReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		h.fail(w, r, err)
		return
	}
	// Every session was revoked with the password change.
	h.clearTokens(w)
	w.WriteHeader(http.StatusNoContent)
}
