package middleware

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/authcore"
)

// Cookie names shared with the httpapi package.
const (
	AccessCookieName  = "authcore_access"
	RefreshCookieName = "authcore_refresh"
)

// Guard validates the request's access token with mode and stores the
// principal on the request context. Failures are answered with the error
// envelope and never reach next.
func Guard(engine *authcore.Engine, mode authcore.ValidationMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, authcore.ErrUnauthorized)
				return
			}

			token, ok := AccessToken(r)
			if !ok {
				WriteError(w, authcore.ErrUnauthorized)
				return
			}

			p, err := engine.ValidateAccess(r.Context(), token, mode)
			if err != nil {
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(authcore.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireOrgSelected must run inside a Guard. It rejects principals whose
// session has several memberships and no bound tenant yet.
func RequireOrgSelected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := authcore.PrincipalFromContext(r.Context())
		if !ok {
			WriteError(w, authcore.ErrUnauthorized)
			return
		}
		if p.OrgSelectionRequired {
			WriteError(w, authcore.ErrOrgSelectionRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AccessToken returns the access token carried by r, preferring the cookie.
func AccessToken(r *http.Request) (string, bool) {
	if c, err := r.Cookie(AccessCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
