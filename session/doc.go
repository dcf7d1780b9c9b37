// Package session provides Redis-backed session persistence with atomic
// refresh-token rotation, reuse detection and revocation.
//
// # Layout
//
// Each session is a Redis hash at "<prefix>:<sessionID>" holding the owning
// identity, bound tenant and role, the hex SHA-256 of the live refresh
// secret, timestamps in unix milliseconds, client metadata, the remember-me
// flag and, once revoked, the revocation time. A set at "<prefix>u:<identityID>"
// indexes the identity's sessions.
//
// # Atomicity
//
// Rotation, rebinding and revocation run as Lua scripts so the
// check-then-update on the refresh hash is a single step: two callers
// presenting the same refresh token cannot both rotate it. Expiry is computed
// from last activity inside the scripts at call time, not from the key TTL.
// Revoked rows are kept for a retention window so a later presentation of a
// stale token is still reported as revoked or reused rather than unknown.
//
// This package does not interpret JWTs or make membership decisions.
package session
