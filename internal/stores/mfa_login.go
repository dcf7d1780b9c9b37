package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrMFALoginChallengeNotFound = errors.New("mfa challenge not found")
	ErrMFALoginChallengeExpired  = errors.New("mfa challenge expired")
	ErrMFALoginChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// MFALoginChallenge is the state carried from password success to MFA success.
type MFALoginChallenge struct {
	IdentityID string
	RememberMe bool
	ClientIP   string
	UserAgent  string
	ExpiresAt  int64
	Attempts   int
}

// MFALoginChallengeStore keeps login challenges in Redis hashes.
type MFALoginChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// recordFailureScript increments the attempt counter and deletes the
// challenge once the limit is reached.
//
// Returns: -1 missing, -2 expired, 1 exhausted (deleted), 0 recorded.
var recordFailureScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local exp = tonumber(redis.call("HGET", KEYS[1], "exp"))
if exp == nil or tonumber(ARGV[2]) > exp then
	redis.call("DEL", KEYS[1])
	return -2
end
local att = redis.call("HINCRBY", KEYS[1], "att", 1)
if att >= tonumber(ARGV[1]) then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// claimScript takes the verification lease on a challenge. A lease older
// than ARGV[2] seconds is considered abandoned.
//
// Returns: -1 missing, -2 expired, 0 held by another caller, 1 claimed.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local now = tonumber(ARGV[1])
local exp = tonumber(redis.call("HGET", KEYS[1], "exp"))
if exp == nil or now > exp then
	redis.call("DEL", KEYS[1])
	return -2
end
local lk = tonumber(redis.call("HGET", KEYS[1], "lk"))
if lk and now - lk < tonumber(ARGV[2]) then
	return 0
end
redis.call("HSET", KEYS[1], "lk", ARGV[1])
return 1
`)

func NewMFALoginChallengeStore(redisClient redis.UniversalClient, prefix string) *MFALoginChallengeStore {
	if prefix == "" {
		prefix = "amc"
	}
	return &MFALoginChallengeStore{
		redis:  redisClient,
		prefix: prefix,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (s *MFALoginChallengeStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MFALoginChallengeStore) key(tokenHash string) string {
	return s.prefix + ":" + tokenHash
}

func (s *MFALoginChallengeStore) Save(ctx context.Context, tokenHash string, record *MFALoginChallenge, ttl time.Duration) error {
	key := s.key(tokenHash)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", record.IdentityID,
			"rm", boolField(record.RememberMe),
			"ip", record.ClientIP,
			"ua", record.UserAgent,
			"exp", record.ExpiresAt,
			"att", record.Attempts,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	return nil
}

func (s *MFALoginChallengeStore) Get(ctx context.Context, tokenHash string) (*MFALoginChallenge, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	if len(fields) == 0 {
		return nil, ErrMFALoginChallengeNotFound
	}

	record := &MFALoginChallenge{
		IdentityID: fields["uid"],
		RememberMe: fields["rm"] == "1",
		ClientIP:   fields["ip"],
		UserAgent:  fields["ua"],
	}
	record.ExpiresAt, _ = strconv.ParseInt(fields["exp"], 10, 64)
	record.Attempts, _ = strconv.Atoi(fields["att"])
	if record.IdentityID == "" {
		return nil, ErrMFALoginChallengeNotFound
	}
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tokenHash)).Result()
		return nil, ErrMFALoginChallengeExpired
	}
	return record, nil
}

// Claim takes an exclusive lease on the challenge while one caller verifies
// its second factor. It returns false when another caller holds the lease.
// The winner either consumes the challenge or calls Release.
func (s *MFALoginChallengeStore) Claim(ctx context.Context, tokenHash string, lease time.Duration) (bool, error) {
	secs := int64(lease / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := claimScript.Run(ctx, s.redis, []string{s.key(tokenHash)}, s.now().Unix(), secs).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	switch res {
	case -1:
		return false, ErrMFALoginChallengeNotFound
	case -2:
		return false, ErrMFALoginChallengeExpired
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Release drops a lease taken by Claim.
func (s *MFALoginChallengeStore) Release(ctx context.Context, tokenHash string) error {
	if err := s.redis.HDel(ctx, s.key(tokenHash), "lk").Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	return nil
}

// Consume deletes the challenge. Only the caller that observes true owns
// the successful login.
func (s *MFALoginChallengeStore) Consume(ctx context.Context, tokenHash string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure counts a wrong code. exhausted is true when the challenge
// was destroyed because maxAttempts was reached.
func (s *MFALoginChallengeStore) RecordFailure(ctx context.Context, tokenHash string, maxAttempts int) (bool, error) {
	res, err := recordFailureScript.Run(ctx, s.redis, []string{s.key(tokenHash)}, maxAttempts, s.now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMFALoginChallengeBackend, err)
	}
	switch res {
	case -1:
		return false, ErrMFALoginChallengeNotFound
	case -2:
		return false, ErrMFALoginChallengeExpired
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
