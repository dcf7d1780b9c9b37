// Package authcore is the authentication and session-security core of a
// multi-tenant backend: credential validation with lockout, TOTP MFA with
// backup codes, rotating refresh sessions with reuse detection, organization
// binding and single-use password reset tokens.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// the error taxonomy ([Code], [Error]) and the store interfaces that durable
// backends implement (store/postgres, store/memory). Sessions, MFA login
// challenges, setup tokens and rate counters live in Redis and are never
// exposed.
//
// # Atomicity contract
//
// Refresh rotation, backup-code consumption, reset-token consumption, MFA
// challenge consumption and lockout counting are each a single conditional
// update in their store. No operation reads state and writes it back in two
// steps.
//
// # Errors
//
// Every failure returned to callers is one of the *Error sentinels, possibly
// wrapped. Use errors.Is or [CodeOf]; backend failures wrap [ErrUnavailable].
package authcore
