package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLoginFailureLocksAtThreshold(t *testing.T) {
	s := New()
	s.PutIdentity(authcore.Identity{ID: "u1", Email: "A@Example.com"})
	ctx := context.Background()
	until := time.Unix(1_000, 0)

	for i := 1; i < 3; i++ {
		res, err := s.RecordLoginFailure(ctx, "u1", 3, until)
		require.NoError(t, err)
		assert.False(t, res.Locked)
		assert.Equal(t, i, res.FailedLogins)
	}
	res, err := s.RecordLoginFailure(ctx, "u1", 3, until)
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, until, res.LockedUntil)

	identity, err := s.IdentityByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, identity.FailedLogins)
	assert.Equal(t, until, identity.LockedUntil)
}

func TestRecordLoginFailureConcurrentCountsEveryAttempt(t *testing.T) {
	s := New()
	s.PutIdentity(authcore.Identity{ID: "u1", Email: "a@example.com"})

	var locks atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RecordLoginFailure(context.Background(), "u1", 10, time.Now().Add(time.Minute))
			if err == nil && res.Locked {
				locks.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), locks.Load())
}

func TestMembershipsSortedAndMissing(t *testing.T) {
	s := New()
	s.PutOrganization(authcore.Organization{ID: "t2", Name: "Beta"})
	s.PutOrganization(authcore.Organization{ID: "t1", Name: "Alpha"})
	s.Grant("u1", "t2", authcore.RoleMember)
	s.Grant("u1", "t1", authcore.RoleOwner)
	ctx := context.Background()

	orgs, err := s.Memberships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, "Alpha", orgs[0].Org.Name)
	assert.Equal(t, authcore.RoleOwner, orgs[0].Role)

	_, err = s.Membership(ctx, "u1", "t3")
	assert.ErrorIs(t, err, authcore.ErrMembershipNotFound)

	s.Revoke("u1", "t1")
	_, err = s.Membership(ctx, "u1", "t1")
	assert.ErrorIs(t, err, authcore.ErrMembershipNotFound)
}

func TestEnrollmentLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(2_000, 0)

	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("sealed-a")))
	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("sealed-b")))

	err := s.EnableEnrollment(ctx, "u1", []byte("sealed-a"), 10, nil, now)
	assert.ErrorIs(t, err, authcore.ErrEnrollmentConflict)

	codes := []authcore.BackupCodeHash{{1}, {2}}
	require.NoError(t, s.EnableEnrollment(ctx, "u1", []byte("sealed-b"), 10, codes, now))

	row, err := s.Enrollment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, authcore.EnrollmentEnabled, row.State)
	assert.Equal(t, int64(10), row.LastUsedStep)

	assert.ErrorIs(t, s.SavePendingEnrollment(ctx, "u1", []byte("sealed-c")), authcore.ErrEnrollmentConflict)

	ok, err := s.AdvanceTOTPStep(ctx, "u1", 10)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AdvanceTOTPStep(ctx, "u1", 11)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteEnrollment(ctx, "u1"))
	_, err = s.Enrollment(ctx, "u1")
	assert.ErrorIs(t, err, authcore.ErrEnrollmentNotFound)
	n, err := s.UnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsumeBackupCodeOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SavePendingEnrollment(ctx, "u1", []byte("x")))
	code := authcore.BackupCodeHash{7}
	require.NoError(t, s.EnableEnrollment(ctx, "u1", []byte("x"), 1, []authcore.BackupCodeHash{code, {8}}, time.Now()))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeBackupCode(ctx, "u1", code, time.Now())
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	n, err := s.UnusedBackupCodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ReplaceBackupCodes(ctx, "u1", []authcore.BackupCodeHash{{9}}))
	ok, err := s.ConsumeBackupCode(ctx, "u1", authcore.BackupCodeHash{8}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsumeResetTokenStates(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(5_000, 0)
	live := [32]byte{1}
	stale := [32]byte{2}

	require.NoError(t, s.CreateResetToken(ctx, authcore.ResetToken{Hash: live, IdentityID: "u1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.CreateResetToken(ctx, authcore.ResetToken{Hash: stale, IdentityID: "u1", ExpiresAt: now.Add(-time.Second)}))

	_, state, err := s.ConsumeResetToken(ctx, live, now)
	require.NoError(t, err)
	assert.Equal(t, authcore.ResetValid, state)

	_, state, err = s.ConsumeResetToken(ctx, live, now)
	require.NoError(t, err)
	assert.Equal(t, authcore.ResetUsed, state)

	_, state, err = s.ConsumeResetToken(ctx, stale, now)
	require.NoError(t, err)
	assert.Equal(t, authcore.ResetExpired, state)

	_, state, err = s.ConsumeResetToken(ctx, [32]byte{3}, now)
	assert.ErrorIs(t, err, authcore.ErrResetTokenNotFound)
	assert.Equal(t, authcore.ResetInvalid, state)
}
