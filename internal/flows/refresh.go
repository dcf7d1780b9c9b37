package flows

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/authcore/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureNextSecret
	RefreshFailureNotFound
	RefreshFailureExpired
	RefreshFailureRevoked
	RefreshFailureReuse
	RefreshFailureRotate
	RefreshFailureMembership
	RefreshFailureNotAMember
	RefreshFailureIssueAccess
	RefreshFailureEncode
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure         RefreshFailureKind
	Err             error
	SessionID       string
	IdentityID      string
	Session         *session.Session
	AccessToken     string
	AccessExpiresAt time.Time
	RefreshToken    string
	RoleChanged     bool
}

type RefreshSessionStore interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Rotate(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, now time.Time) (*session.Session, error)
	Revoke(ctx context.Context, identityID, sessionID string, now time.Time) (bool, error)
	SetRole(ctx context.Context, sessionID, role string) error
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Now                func() time.Time
	DecodeRefreshToken func(string) (string, [32]byte, error)
	NewRefreshSecret   func() ([32]byte, error)
	HashRefreshSecret  func([32]byte) [32]byte
	EncodeRefreshToken func(string, [32]byte) (string, error)
	IssueAccessToken   func(sess *session.Session, orgSelectionRequired bool) (string, time.Time, error)

	// LookupRole returns the identity's current role in tenantID and false
	// when the membership no longer exists.
	LookupRole func(ctx context.Context, identityID, tenantID string) (string, bool, error)
	// OrgSelectionRequired reports whether an unbound session's identity
	// must still pick an organization.
	OrgSelectionRequired func(ctx context.Context, identityID string) (bool, error)

	Warn         func(string, ...any)
	SessionStore RefreshSessionStore
}

// membershipCheck is what the pre-rotation lookups decided.
type membershipCheck struct {
	role                 string
	checkedRole          bool
	orgSelectionRequired bool
}

// RunRefresh rotates the refresh secret on the same session row and issues
// a new access token. Membership is read before the rotation so a backend
// failure leaves the presented token valid for a retry.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	sessionID, providedSecret, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{
			Failure: RefreshFailureDecode,
			Err:     err,
		}
	}

	nextSecret, err := deps.NewRefreshSecret()
	if err != nil {
		return RefreshResult{
			Failure:   RefreshFailureNextSecret,
			Err:       err,
			SessionID: sessionID,
		}
	}

	now := deps.Now()
	providedHash := deps.HashRefreshSecret(providedSecret)

	prior, err := deps.SessionStore.Get(ctx, sessionID)
	if err != nil {
		res := RefreshResult{Err: err, SessionID: sessionID, Failure: RefreshFailureRotate}
		if errors.Is(err, session.ErrNotFound) {
			res.Failure = RefreshFailureNotFound
		}
		return res
	}

	// A stale or revoked secret cannot rotate, so only the live holder pays
	// for the membership reads.
	var check membershipCheck
	if prior.RefreshHash == providedHash && !prior.Revoked() {
		var res RefreshResult
		check, res = checkMembership(ctx, prior, now, deps)
		if res.Failure != RefreshFailureNone {
			return res
		}
	}

	sess, err := deps.SessionStore.Rotate(ctx, sessionID, providedHash, deps.HashRefreshSecret(nextSecret), now)
	if err != nil {
		res := RefreshResult{Err: err, SessionID: sessionID, IdentityID: prior.IdentityID}
		var reuse *session.ReuseError
		switch {
		case errors.As(err, &reuse):
			res.Failure = RefreshFailureReuse
			if reuse.IdentityID != "" {
				res.IdentityID = reuse.IdentityID
			}
		case errors.Is(err, session.ErrNotFound):
			res.Failure = RefreshFailureNotFound
		case errors.Is(err, session.ErrExpired):
			res.Failure = RefreshFailureExpired
		case errors.Is(err, session.ErrRevoked):
			res.Failure = RefreshFailureRevoked
		case errors.Is(err, session.ErrReused):
			res.Failure = RefreshFailureReuse
		default:
			res.Failure = RefreshFailureRotate
		}
		return res
	}

	res := RefreshResult{
		SessionID:  sess.ID,
		IdentityID: sess.IdentityID,
		Session:    sess,
	}

	if check.checkedRole && check.role != sess.Role {
		if err := deps.SessionStore.SetRole(ctx, sess.ID, check.role); err != nil && deps.Warn != nil {
			deps.Warn("refresh: role sync failed", "session_id", sess.ID, "error", err)
		}
		sess.Role = check.role
		res.RoleChanged = true
	}

	access, exp, err := deps.IssueAccessToken(sess, check.orgSelectionRequired)
	if err != nil {
		res.Failure = RefreshFailureIssueAccess
		res.Err = err
		return res
	}

	refresh, err := deps.EncodeRefreshToken(sess.ID, nextSecret)
	if err != nil {
		res.Failure = RefreshFailureEncode
		res.Err = err
		return res
	}

	res.Failure = RefreshFailureNone
	res.AccessToken = access
	res.AccessExpiresAt = exp
	res.RefreshToken = refresh
	return res
}

// checkMembership re-reads the binding of prior. A bound session whose
// membership is gone is revoked.
func checkMembership(ctx context.Context, prior *session.Session, now time.Time, deps RefreshDeps) (membershipCheck, RefreshResult) {
	var check membershipCheck
	fail := func(kind RefreshFailureKind, err error) RefreshResult {
		return RefreshResult{
			Failure:    kind,
			Err:        err,
			SessionID:  prior.ID,
			IdentityID: prior.IdentityID,
		}
	}

	if prior.TenantID == "" {
		if deps.OrgSelectionRequired == nil {
			return check, RefreshResult{}
		}
		required, err := deps.OrgSelectionRequired(ctx, prior.IdentityID)
		if err != nil {
			return check, fail(RefreshFailureMembership, err)
		}
		check.orgSelectionRequired = required
		return check, RefreshResult{}
	}

	if deps.LookupRole == nil {
		return check, RefreshResult{}
	}
	role, member, err := deps.LookupRole(ctx, prior.IdentityID, prior.TenantID)
	if err != nil {
		return check, fail(RefreshFailureMembership, err)
	}
	if !member {
		if _, revokeErr := deps.SessionStore.Revoke(ctx, prior.IdentityID, prior.ID, now); revokeErr != nil && deps.Warn != nil {
			deps.Warn("refresh: revoke after membership loss failed", "session_id", prior.ID, "error", revokeErr)
		}
		return check, fail(RefreshFailureNotAMember, nil)
	}
	check.role = role
	check.checkedRole = true
	return check, RefreshResult{}
}
