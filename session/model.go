package session

import "time"

// Session is one device login. The refresh secret itself is never stored,
// only its SHA-256.
type Session struct {
	ID         string
	IdentityID string
	TenantID   string
	Role       string

	RefreshHash [32]byte

	CreatedAt  time.Time
	LastSeenAt time.Time
	ClientIP   string
	UserAgent  string
	RememberMe bool
	RevokedAt  time.Time
}

// Policy holds the lifetimes the store enforces.
type Policy struct {
	// IdleTTL bounds sessions created without remember-me, measured from
	// last activity.
	IdleTTL time.Duration
	// RememberTTL bounds remember-me sessions, measured from last activity.
	RememberTTL time.Duration
	// RevokedRetention keeps revoked rows readable so reuse stays detectable.
	RevokedRetention time.Duration
}

func (p Policy) horizon(rememberMe bool) time.Duration {
	if rememberMe {
		return p.RememberTTL
	}
	return p.IdleTTL
}

// ExpiresAt is the moment the session stops accepting refreshes if it sees
// no further activity.
func (s *Session) ExpiresAt(p Policy) time.Time {
	return s.LastSeenAt.Add(p.horizon(s.RememberMe))
}

// Revoked reports whether the session has been revoked.
func (s *Session) Revoked() bool {
	return !s.RevokedAt.IsZero()
}

// Live reports whether the session can still be used at now.
func (s *Session) Live(p Policy, now time.Time) bool {
	return !s.Revoked() && now.Before(s.ExpiresAt(p))
}
