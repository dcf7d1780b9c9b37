package stores

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMFALoginChallengeRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFALoginChallengeStore(rdb, "test:mc")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFALoginChallenge{
		IdentityID: "u1",
		RememberMe: true,
		ClientIP:   "203.0.113.9",
		UserAgent:  "ua",
		ExpiresAt:  clock.Now().Add(time.Minute).Unix(),
	}, time.Minute))

	got, err := s.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.IdentityID)
	assert.True(t, got.RememberMe)
	assert.Equal(t, "203.0.113.9", got.ClientIP)
	assert.Equal(t, "ua", got.UserAgent)
	assert.Zero(t, got.Attempts)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrMFALoginChallengeNotFound)
}

func TestMFALoginChallengeExpiry(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFALoginChallengeStore(rdb, "")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFALoginChallenge{IdentityID: "u1", ExpiresAt: clock.Now().Add(time.Minute).Unix()}, time.Hour))
	clock.Advance(time.Minute + time.Second)

	_, err := s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrMFALoginChallengeExpired)
	_, err = s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrMFALoginChallengeNotFound, "expired challenges are removed")
}

func TestMFALoginChallengeAttemptsExhaust(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFALoginChallengeStore(rdb, "test:mc")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFALoginChallenge{IdentityID: "u1", ExpiresAt: clock.Now().Add(time.Minute).Unix()}, time.Minute))

	for i := 0; i < 2; i++ {
		exhausted, err := s.RecordFailure(ctx, "h1", 3)
		require.NoError(t, err)
		assert.False(t, exhausted)
	}
	got, err := s.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	exhausted, err := s.RecordFailure(ctx, "h1", 3)
	require.NoError(t, err)
	assert.True(t, exhausted)

	_, err = s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrMFALoginChallengeNotFound)
	_, err = s.RecordFailure(ctx, "h1", 3)
	require.ErrorIs(t, err, ErrMFALoginChallengeNotFound)
}

func TestMFALoginChallengeConsumeOnce(t *testing.T) {
	_, rdb := newTestRedis(t)
	s := NewMFALoginChallengeStore(rdb, "test:mc")
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFALoginChallenge{IdentityID: "u1", ExpiresAt: time.Now().Add(time.Minute).Unix()}, time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, "h1")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMFALoginChallengeClaimIsExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFALoginChallengeStore(rdb, "test:mc")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFALoginChallenge{IdentityID: "u1", ExpiresAt: clock.Now().Add(5 * time.Minute).Unix()}, 5*time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, "h1", 10*time.Second)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, s.Release(ctx, "h1"))
	ok, err := s.Claim(ctx, "h1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "released lease can be taken again")

	clock.Advance(11 * time.Second)
	ok, err = s.Claim(ctx, "h1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "abandoned lease expires")

	_, err = s.Claim(ctx, "missing", 10*time.Second)
	require.ErrorIs(t, err, ErrMFALoginChallengeNotFound)

	clock.Advance(5 * time.Minute)
	_, err = s.Claim(ctx, "h1", 10*time.Second)
	require.ErrorIs(t, err, ErrMFALoginChallengeExpired)
}

func TestMFALoginChallengeBackendErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewMFALoginChallengeStore(rdb, "test:mc")
	mr.Close()

	_, err := s.Get(context.Background(), "h1")
	require.True(t, errors.Is(err, ErrMFALoginChallengeBackend))
	_, err = s.Consume(context.Background(), "h1")
	require.ErrorIs(t, err, ErrMFALoginChallengeBackend)
}

func TestMFASetupTokenLifecycle(t *testing.T) {
	mr, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFASetupTokenStore(rdb, "test:ms")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFASetupToken{
		IdentityID:        "u1",
		SecretFingerprint: "fp",
		ExpiresAt:         clock.Now().Add(15 * time.Minute).Unix(),
	}, 15*time.Minute))
	assert.True(t, mr.Exists("test:ms:h1"))
	assert.Equal(t, 15*time.Minute, mr.TTL("test:ms:h1"))

	for i := 0; i < 2; i++ {
		got, err := s.Get(ctx, "h1")
		require.NoError(t, err, "get does not consume")
		assert.Equal(t, "u1", got.IdentityID)
		assert.Equal(t, "fp", got.SecretFingerprint)
	}

	require.NoError(t, s.Delete(ctx, "h1"))
	_, err := s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrMFASetupNotFound)
}

func TestMFASetupTokenExpiry(t *testing.T) {
	_, rdb := newTestRedis(t)
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	s := NewMFASetupTokenStore(rdb, "")
	s.SetClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "h1", &MFASetupToken{IdentityID: "u1", ExpiresAt: clock.Now().Add(time.Minute).Unix()}, time.Hour))
	clock.Advance(2 * time.Minute)
	_, err := s.Get(ctx, "h1")
	require.ErrorIs(t, err, ErrMFASetupNotFound)
}
