package postgres

import (
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/authcore"
)

// newTestStore connects to AUTHCORE_TEST_DATABASE_URL, migrates it and
// truncates every table. Tests skip when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AUTHCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AUTHCORE_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(dsn, "up"))

	ctx := context.Background()
	pool, err := Open(ctx, dsn, PoolConfig{MaxConns: 30})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE login_attempts, password_reset_tokens, mfa_backup_codes,
		mfa_enrollments, memberships, organizations, identities`)
	require.NoError(t, err)

	s := New(pool)
	require.NoError(t, s.CreateIdentity(ctx, authcore.Identity{
		ID:            "u1",
		Email:         "Alice@Example.com",
		PasswordHash:  "$argon2id$stub",
		EmailVerified: true,
	}))
	return s
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "", PoolConfig{})
	require.Error(t, err)
	require.Error(t, Migrate("", "up"))
	require.Error(t, Migrate("postgres://localhost/db", "sideways"))
}

func TestIdentityLookupAndLockout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	identity, err := s.IdentityByEmail(ctx, " alice@EXAMPLE.com ")
	require.NoError(t, err)
	assert.Equal(t, "u1", identity.ID)
	assert.Equal(t, authcore.ProviderPassword, identity.Provider)
	assert.True(t, identity.LockedUntil.IsZero())

	_, err = s.IdentityByID(ctx, "nope")
	require.ErrorIs(t, err, authcore.ErrIdentityNotFound)

	lockUntil := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	for i := 1; i < 3; i++ {
		res, err := s.RecordLoginFailure(ctx, "u1", 3, lockUntil)
		require.NoError(t, err)
		assert.Equal(t, i, res.FailedLogins)
		assert.False(t, res.Locked)
	}
	res, err := s.RecordLoginFailure(ctx, "u1", 3, lockUntil)
	require.NoError(t, err)
	assert.True(t, res.Locked)

	identity, err = s.IdentityByID(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, identity.FailedLogins)
	assert.True(t, identity.LockedUntil.Equal(lockUntil))

	require.NoError(t, s.ResetLoginFailures(ctx, "u1"))
	identity, err = s.IdentityByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, identity.LockedUntil.IsZero())

	_, err = s.RecordLoginFailure(ctx, "nope", 3, lockUntil)
	require.ErrorIs(t, err, authcore.ErrIdentityNotFound)
}

func TestConcurrentLoginFailuresAreCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var locks atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RecordLoginFailure(ctx, "u1", 5, time.Now().Add(time.Hour))
			if err == nil && res.Locked {
				locks.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(4), locks.Load())
}

func TestMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateOrganization(ctx, authcore.Organization{ID: "t2", Name: "Globex"}))
	require.NoError(t, s.CreateOrganization(ctx, authcore.Organization{ID: "t1", Name: "Acme", Slug: "acme"}))
	require.NoError(t, s.Grant(ctx, "u1", "t2", authcore.RoleMember))
	require.NoError(t, s.Grant(ctx, "u1", "t1", authcore.RoleOwner))

	list, err := s.Memberships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Acme", list[0].Org.Name)
	assert.Equal(t, "acme", list[0].Org.Slug)
	assert.Equal(t, authcore.RoleOwner, list[0].Role)

	require.NoError(t, s.Grant(ctx, "u1", "t2", authcore.RoleAdmin))
	m, err := s.Membership(ctx, "u1", "t2")
	require.NoError(t, err)
	assert.Equal(t, authcore.RoleAdmin, m.Role)

	require.NoError(t, s.Revoke(ctx, "u1", "t2"))
	_, err = s.Membership(ctx, "u1", "t2")
	require.ErrorIs(t, err, authcore.ErrMembershipNotFound)

	empty, err := s.Memberships(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func codeHashes(n int) []authcore.BackupCodeHash {
	out := make([]authcore.BackupCodeHash, n)
	for i := range out {
		out[i] = sha256.Sum256([]byte{byte(i)})
	}
	return out
}

func TestEnrollmentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.Enrollment(ctx, "u1")
	require.ErrorIs(t, err, authcore.ErrEnrollmentNotFound)

	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("secret-a")))
	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("secret-b")))

	err = s.EnableEnrollment(ctx, "u1", []byte("secret-a"), 10, codeHashes(3), now)
	require.ErrorIs(t, err, authcore.ErrEnrollmentConflict, "stale secret")

	require.NoError(t, s.EnableEnrollment(ctx, "u1", []byte("secret-b"), 10, codeHashes(3), now))
	row, err := s.Enrollment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, authcore.EnrollmentEnabled, row.State)
	assert.Equal(t, int64(10), row.LastUsedStep)
	assert.True(t, row.EnabledAt.Equal(now))

	require.ErrorIs(t, s.SavePendingEnrollment(ctx, "u1", []byte("secret-c")), authcore.ErrEnrollmentConflict)
	require.ErrorIs(t, s.EnableEnrollment(ctx, "u1", []byte("secret-b"), 11, codeHashes(3), now), authcore.ErrEnrollmentConflict)

	ok, err := s.AdvanceTOTPStep(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AdvanceTOTPStep(ctx, "u1", 11)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.UnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.DeleteEnrollment(ctx, "u1"))
	require.ErrorIs(t, s.DeleteEnrollment(ctx, "u1"), authcore.ErrEnrollmentNotFound)
	_, err = s.AdvanceTOTPStep(ctx, "u1", 12)
	require.ErrorIs(t, err, authcore.ErrEnrollmentNotFound)
}

func TestBackupCodeConsumedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	codes := codeHashes(10)

	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("secret")))
	require.NoError(t, s.EnableEnrollment(ctx, "u1", []byte("secret"), 1, codes, time.Now()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeBackupCode(ctx, "u1", codes[0], time.Now())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	require.NoError(t, s.ReplaceBackupCodes(ctx, "u1", codeHashes(2)))
	n, err := s.UnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ok, err := s.ConsumeBackupCode(ctx, "u1", codes[5], time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "regenerated batch replaces the old one")

	require.ErrorIs(t, s.ReplaceBackupCodes(ctx, "nobody", codes), authcore.ErrEnrollmentNotFound)
}

func TestResetTokenLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	live := authcore.ResetToken{Hash: sha256.Sum256([]byte("live")), IdentityID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	stale := authcore.ResetToken{Hash: sha256.Sum256([]byte("stale")), IdentityID: "u1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.CreateResetToken(ctx, live))
	require.NoError(t, s.CreateResetToken(ctx, stale))

	var wins, used atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, state, err := s.ConsumeResetToken(ctx, live.Hash, now)
			if err != nil {
				return
			}
			switch state {
			case authcore.ResetValid:
				wins.Add(1)
			case authcore.ResetUsed:
				used.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(7), used.Load())

	row, err := s.ResetToken(ctx, live.Hash)
	require.NoError(t, err)
	assert.Equal(t, authcore.ResetUsed, row.State(now))

	_, state, err := s.ConsumeResetToken(ctx, stale.Hash, now)
	require.NoError(t, err)
	assert.Equal(t, authcore.ResetExpired, state)

	_, state, err = s.ConsumeResetToken(ctx, sha256.Sum256([]byte("missing")), now)
	require.ErrorIs(t, err, authcore.ErrResetTokenNotFound)
	assert.Equal(t, authcore.ResetInvalid, state)
}

func TestAttemptSinkRecordsLoginEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sink := NewAttemptSink(s.db, nil)
	now := time.Now().UTC().Truncate(time.Microsecond)

	sink.Emit(ctx, authcore.AuditEvent{ID: "not-a-uuid", EventType: "login_failure", UserID: "u1", IP: "203.0.113.1", Timestamp: now, Metadata: map[string]string{"reason": "bad_password"}})
	sink.Emit(ctx, authcore.AuditEvent{EventType: "refresh_success", UserID: "u1", Timestamp: now})
	sink.Emit(ctx, authcore.AuditEvent{EventType: "login_success", UserID: "u1", Success: true, Timestamp: now.Add(time.Second)})

	attempts, err := sink.RecentAttempts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "login_success", attempts[0].EventType)
	assert.True(t, attempts[0].Success)
	assert.Equal(t, "bad_password", attempts[1].Error)
	assert.Equal(t, "203.0.113.1", attempts[1].IP)
}
