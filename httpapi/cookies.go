package httpapi

import (
	"net/http"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/middleware"
)

const refreshCookiePath = "/auth"

func (h *Handler) setTokens(w http.ResponseWriter, t authcore.Tokens) {
	http.SetCookie(w, h.cookie(middleware.AccessCookieName, t.AccessToken, "/", t.AccessExpiresAt))
	http.SetCookie(w, h.cookie(middleware.RefreshCookieName, t.RefreshToken, refreshCookiePath, t.RefreshExpiresAt))
}

func (h *Handler) clearTokens(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		h.cookie(middleware.AccessCookieName, "", "/", time.Time{}),
		h.cookie(middleware.RefreshCookieName, "", refreshCookiePath, time.Time{}),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (h *Handler) cookie(name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.opts.CookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: h.opts.CookieSameSite,
	}
}
