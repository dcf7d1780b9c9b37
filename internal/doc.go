// Package internal holds helpers private to authcore: session identifiers,
// refresh token encoding, and opaque single-use tokens.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: backup-code helpers and the refresh flow runner
//   - rate: Redis fixed-window limiters
//   - stores: Redis MFA challenge and setup-token stores
//   - config, logging, telemetry: process wiring for cmd/authd
package internal
