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
	ErrMFASetupNotFound = errors.New("mfa setup token not found")
	ErrMFASetupBackend  = errors.New("mfa setup backend unavailable")
)

// MFASetupToken binds a pending secret to the identity that started setup.
// SecretFingerprint lets confirm detect that setup was restarted with a
// different secret after this token was issued.
type MFASetupToken struct {
	IdentityID        string
	SecretFingerprint string
	ExpiresAt         int64
}

type MFASetupTokenStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewMFASetupTokenStore(redisClient redis.UniversalClient, prefix string) *MFASetupTokenStore {
	if prefix == "" {
		prefix = "ams"
	}
	return &MFASetupTokenStore{redis: redisClient, prefix: prefix, now: time.Now}
}

func (s *MFASetupTokenStore) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MFASetupTokenStore) key(tokenHash string) string {
	return s.prefix + ":" + tokenHash
}

func (s *MFASetupTokenStore) Save(ctx context.Context, tokenHash string, record *MFASetupToken, ttl time.Duration) error {
	key := s.key(tokenHash)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", record.IdentityID,
			"fp", record.SecretFingerprint,
			"exp", record.ExpiresAt,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMFASetupBackend, err)
	}
	return nil
}

// Get returns the token without consuming it; a failed confirmation must
// leave it usable.
func (s *MFASetupTokenStore) Get(ctx context.Context, tokenHash string) (*MFASetupToken, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMFASetupBackend, err)
	}
	if len(fields) == 0 || fields["uid"] == "" {
		return nil, ErrMFASetupNotFound
	}
	record := &MFASetupToken{
		IdentityID:        fields["uid"],
		SecretFingerprint: fields["fp"],
	}
	record.ExpiresAt, _ = strconv.ParseInt(fields["exp"], 10, 64)
	if s.now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(tokenHash)).Result()
		return nil, ErrMFASetupNotFound
	}
	return record, nil
}

func (s *MFASetupTokenStore) Delete(ctx context.Context, tokenHash string) error {
	if err := s.redis.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMFASetupBackend, err)
	}
	return nil
}
