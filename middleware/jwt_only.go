package middleware

import (
	"net/http"

	"github.com/MrEthical07/authcore"
)

// RequireJWTOnly returns middleware that validates with
// [authcore.ModeJWTOnly], skipping Redis entirely.
func RequireJWTOnly(engine *authcore.Engine) func(http.Handler) http.Handler {
	return Guard(engine, authcore.ModeJWTOnly)
}
