// Package jwt signs and verifies short-lived access tokens. Tokens carry the
// identity, session, optional tenant binding and role, so ordinary requests
// validate without touching session storage.
package jwt
