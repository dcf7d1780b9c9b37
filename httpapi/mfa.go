package httpapi

import (
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

func (h *Handler) mfaSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := h.engine.StartMFASetup(r.Context(), principal(r).IdentityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, struct {
		Secret          string    `json:"secret"`
		ProvisioningURI string    `json:"provisioning_uri"`
		SetupToken      string    `json:"setup_token"`
		ExpiresAt       time.Time `json:"expires_at"`
	}{setup.Secret, setup.ProvisioningURI, setup.SetupToken, setup.ExpiresAt})
}

func (h *Handler) mfaSetupConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SetupToken string `json:"setup_token"`
		TOTPCode   string `json:"totp_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	codes, err := h.engine.ConfirmMFASetup(r.Context(), principal(r).IdentityID, req.SetupToken, req.TOTPCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (h *Handler) mfaVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MFAToken string `json:"mfa_token"`
		TOTPCode string `json:"totp_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.completeMFA(w, r, req.MFAToken, req.TOTPCode, authcore.MFAMethodTOTP)
}

func (h *Handler) mfaBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MFAToken   string `json:"mfa_token"`
		BackupCode string `json:"backup_code"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	h.completeMFA(w, r, req.MFAToken, req.BackupCode, authcore.MFAMethodBackup)
}

func (h *Handler) completeMFA(w http.ResponseWriter, r *http.Request, token, code string, method authcore.MFAMethod) {
	res, err := h.engine.CompleteMFALogin(r.Context(), token, code, method)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeLogin(w, res)
}

func (h *Handler) mfaDisable(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.DisableMFA(r.Context(), principal(r).IdentityID, req.Password); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mfaRegenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	codes, err := h.engine.RegenerateBackupCodes(r.Context(), principal(r).IdentityID, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (h *Handler) mfaStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.MFAStatus(r.Context(), principal(r).IdentityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := struct {
		State                string     `json:"state"`
		Enabled              bool       `json:"enabled"`
		EnabledAt            *time.Time `json:"enabled_at,omitempty"`
		BackupCodesRemaining int        `json:"backup_codes_remaining"`
	}{
		State:                status.State.String(),
		Enabled:              status.State == authcore.EnrollmentEnabled,
		BackupCodesRemaining: status.BackupCodesRemaining,
	}
	if !status.EnabledAt.IsZero() {
		resp.EnabledAt = &status.EnabledAt
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}
