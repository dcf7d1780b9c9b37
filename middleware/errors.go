package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrEthical07/authcore"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    authcore.Code `json:"code"`
	Message string        `json:"message"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code authcore.Code) int {
	switch code {
	case authcore.CodeInvalidCredentials,
		authcore.CodeMFARequired,
		authcore.CodeMFAInvalidCode,
		authcore.CodeTokenExpired,
		authcore.CodeSessionRevoked,
		authcore.CodeSessionReused,
		authcore.CodeUnauthorized:
		return http.StatusUnauthorized
	case authcore.CodeAccountLocked:
		return http.StatusLocked
	case authcore.CodeEmailNotVerified,
		authcore.CodeNotAMember,
		authcore.CodeOrgSelectionRequired:
		return http.StatusForbidden
	case authcore.CodeRateLimited:
		return http.StatusTooManyRequests
	case authcore.CodeMFANotEnrolled,
		authcore.CodeMFAAlreadyEnabled:
		return http.StatusConflict
	case authcore.CodeTokenUsed:
		return http.StatusGone
	case authcore.CodeTokenInvalid,
		authcore.CodeInvalidRequest:
		return http.StatusBadRequest
	case authcore.CodeSessionNotFound:
		return http.StatusNotFound
	case authcore.CodePasswordPolicy:
		return http.StatusUnprocessableEntity
	case authcore.CodeUnavailable:
		return http.StatusServiceUnavailable
	case authcore.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err as an error envelope. Only the sentinel message is
// exposed; wrapped backend detail never reaches the response.
func WriteError(w http.ResponseWriter, err error) {
	code := authcore.CodeOf(err)
	msg := "internal error"
	var e *authcore.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if code == authcore.CodeInternal {
		msg = "internal error"
	}
	WriteJSON(w, StatusFor(code), errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
