// Package middleware exposes HTTP guards that validate authcore access tokens
// and place the resulting [authcore.Principal] on the request context.
//
// # Guards
//
//   - [Guard] validates with an explicit mode; [authcore.ModeInherit] uses the
//     engine's configured mode.
//   - [RequireJWTOnly] verifies the signed token only, no Redis call.
//   - [RequireStrict] also checks that the session row is live.
//   - [RequireOrgSelected] rejects principals still waiting on org selection.
//
// Tokens are read from the authcore_access cookie first and from an
// Authorization: Bearer header otherwise.
//
// # Errors
//
// Every rejection is written with [WriteError] as a {"error":{"code","message"}}
// body. The same writer is used by the httpapi package so both layers map a
// given [authcore.Code] to the same status.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond pass/reject from Engine.ValidateAccess.
package middleware
