package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound means no session row matched (never existed, expired out
	// of Redis, or belongs to another identity).
	ErrNotFound = errors.New("session not found")
	// ErrExpired means the session outlived its idle or remember-me horizon.
	ErrExpired = errors.New("session expired")
	// ErrRevoked means the session was revoked before this call.
	ErrRevoked = errors.New("session revoked")
	// ErrReused means a rotated-out refresh secret was presented; the store
	// has revoked the session. Rotate returns it as a *ReuseError.
	ErrReused = errors.New("refresh token reuse detected")
	// ErrRedisUnavailable wraps backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// ReuseError reports refresh-token reuse on a session owned by IdentityID.
// It matches ErrReused under errors.Is.
type ReuseError struct {
	SessionID  string
	IdentityID string
}

func (e *ReuseError) Error() string { return ErrReused.Error() }

func (e *ReuseError) Is(target error) bool { return target == ErrReused }

// Store is a Redis-backed session store.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	policy Policy
}

// NewStore creates a session [Store]. prefix namespaces every key.
func NewStore(redisClient redis.UniversalClient, prefix string, policy Policy) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		policy: policy,
	}
}

// Policy returns the lifetimes the store enforces.
func (s *Store) Policy() Policy {
	return s.policy
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) keyPrefix() string {
	return s.prefix + ":"
}

func (s *Store) userKey(identityID string) string {
	return s.prefix + "u:" + identityID
}

// Save persists a new session and adds it to the identity's index.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" || sess.IdentityID == "" {
		return errors.New("session: id and identity required")
	}
	key := s.key(sess.ID)
	userKey := s.userKey(sess.IdentityID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", sess.IdentityID,
			"tid", sess.TenantID,
			"role", sess.Role,
			"rh", hex.EncodeToString(sess.RefreshHash[:]),
			"ca", unixMilli(sess.CreatedAt),
			"ls", unixMilli(sess.LastSeenAt),
			"ip", sess.ClientIP,
			"ua", sess.UserAgent,
			"rm", boolField(sess.RememberMe),
		)
		pipe.PExpire(ctx, key, s.policy.horizon(sess.RememberMe)+s.policy.RevokedRetention)
		pipe.SAdd(ctx, userKey, sess.ID)
		pipe.PExpire(ctx, userKey, s.policy.RememberTTL+s.policy.RevokedRetention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get loads a session regardless of its liveness.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sess, ok := parseFields(sessionID, fields)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Rotate swaps the refresh hash if providedHash is the live one and the
// session is neither revoked nor past its horizon. A mismatch revokes the
// session and returns ErrReused.
func (s *Store) Rotate(ctx context.Context, sessionID string, providedHash, nextHash [32]byte, now time.Time) (*Session, error) {
	res, err := rotateRefreshLua.Run(ctx, s.redis, []string{s.key(sessionID)},
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
		unixMilli(now),
		millis(s.policy.IdleTTL),
		millis(s.policy.RememberTTL),
		millis(s.policy.RevokedRetention),
		millis(s.policy.IdleTTL+s.policy.RevokedRetention),
		millis(s.policy.RememberTTL+s.policy.RevokedRetention),
		s.prefix+"u:",
		sessionID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.scriptResult(sessionID, res)
}

// Rebind moves the session to tenantID with role and rotates its refresh
// hash, keeping the same session row. identityID must own the session.
func (s *Store) Rebind(ctx context.Context, sessionID, identityID, tenantID, role string, nextHash [32]byte, now time.Time) (*Session, error) {
	res, err := rebindLua.Run(ctx, s.redis, []string{s.key(sessionID), s.userKey(identityID)},
		identityID,
		hex.EncodeToString(nextHash[:]),
		tenantID,
		role,
		unixMilli(now),
		millis(s.policy.IdleTTL),
		millis(s.policy.RememberTTL),
		millis(s.policy.IdleTTL+s.policy.RevokedRetention),
		millis(s.policy.RememberTTL+s.policy.RevokedRetention),
		sessionID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.scriptResult(sessionID, res)
}

// SetRole updates the role carried by a session. Missing sessions are ignored.
func (s *Store) SetRole(ctx context.Context, sessionID, role string) error {
	if err := setRoleLua.Run(ctx, s.redis, []string{s.key(sessionID)}, role).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Revoke marks one of identityID's sessions revoked. It returns
// ErrNotFound when the session does not exist or has another owner, and
// false when it was already revoked.
func (s *Store) Revoke(ctx context.Context, identityID, sessionID string, now time.Time) (bool, error) {
	res, err := revokeLua.Run(ctx, s.redis,
		[]string{s.key(sessionID), s.userKey(identityID)},
		identityID,
		unixMilli(now),
		millis(s.policy.RevokedRetention),
		sessionID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	switch res {
	case 0:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// RevokeAll revokes every session of identityID except exceptSessionID in
// one script run. An empty exceptSessionID revokes everything.
func (s *Store) RevokeAll(ctx context.Context, identityID, exceptSessionID string, now time.Time) (int, error) {
	n, err := revokeAllLua.Run(ctx, s.redis,
		[]string{s.userKey(identityID)},
		s.keyPrefix(),
		exceptSessionID,
		unixMilli(now),
		millis(s.policy.RevokedRetention),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// List returns the identity's indexed sessions, newest activity first.
// Index entries whose row has expired out of Redis are pruned.
func (s *Store) List(ctx context.Context, identityID string) ([]*Session, error) {
	userKey := s.userKey(identityID)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	out := make([]*Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		sess, ok := parseFields(ids[i], cmd.Val())
		if !ok || sess.IdentityID != identityID {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		_ = s.redis.SRem(ctx, userKey, stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out, nil
}

// Ping round-trips to Redis and reports the latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) scriptResult(sessionID string, res []interface{}) (*Session, error) {
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty script reply", ErrRedisUnavailable)
	}
	status, _ := res[0].(int64)
	switch status {
	case statusNotFound:
		return nil, ErrNotFound
	case statusExpired:
		return nil, ErrExpired
	case statusReused:
		reuse := &ReuseError{SessionID: sessionID}
		if len(res) > 1 {
			reuse.IdentityID, _ = res[1].(string)
		}
		return nil, reuse
	case statusRevoked:
		return nil, ErrRevoked
	case statusRotated:
		if len(res) < 2 {
			return nil, fmt.Errorf("%w: short script reply", ErrRedisUnavailable)
		}
		flat, _ := res[1].([]interface{})
		fields := make(map[string]string, len(flat)/2)
		for i := 0; i+1 < len(flat); i += 2 {
			k, _ := flat[i].(string)
			v, _ := flat[i+1].(string)
			fields[k] = v
		}
		sess, ok := parseFields(sessionID, fields)
		if !ok {
			return nil, ErrNotFound
		}
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown script status %d", ErrRedisUnavailable, status)
	}
}

func parseFields(sessionID string, fields map[string]string) (*Session, bool) {
	if len(fields) == 0 || fields["uid"] == "" {
		return nil, false
	}
	sess := &Session{
		ID:         sessionID,
		IdentityID: fields["uid"],
		TenantID:   fields["tid"],
		Role:       fields["role"],
		ClientIP:   fields["ip"],
		UserAgent:  fields["ua"],
		RememberMe: fields["rm"] == "1",
		CreatedAt:  parseMilli(fields["ca"]),
		LastSeenAt: parseMilli(fields["ls"]),
		RevokedAt:  parseMilli(fields["ra"]),
	}
	if raw, err := hex.DecodeString(fields["rh"]); err == nil && len(raw) == len(sess.RefreshHash) {
		copy(sess.RefreshHash[:], raw)
	}
	return sess, true
}

func unixMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func parseMilli(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
