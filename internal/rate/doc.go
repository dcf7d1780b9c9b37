// Package rate provides Redis-backed fixed-window limiters for the login and
// forgot-password endpoints.
//
// # Window semantics
//
// Fixed-window counters: INCR + EXPIRE on first hit. Key prefixes:
//   - rl:login:e:<key> login per email
//   - rl:login:i:<key> login per IP
//   - rl:reset:e:<key> forgot-password per email
//   - rl:reset:i:<key> forgot-password per IP
//   - rl:mfa:<identity> MFA failures per identity
package rate
