// Package stores provides Redis-backed, short-lived record stores for the MFA
// flows: login challenges issued between password success and MFA success,
// and setup tokens issued between setup start and confirmation.
//
// # Design
//
// Records are Redis hashes keyed by the SHA-256 of the opaque token the
// client holds, so a Redis dump never contains a usable token. Each record
// carries its own expiry timestamp in addition to the key TTL. Attempt
// counting runs in a Lua script; consumption is a single DEL whose reply
// count decides the winner when two requests race.
//
// This package does not generate tokens or make authentication decisions;
// the engine does.
package stores
