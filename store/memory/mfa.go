package memory

import (
	"bytes"
	"context"
	"time"

	"github.com/MrEthical07/authcore"
)

func (s *Store) Enrollment(_ context.Context, identityID string) (authcore.MFAEnrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok {
		return authcore.MFAEnrollment{}, authcore.ErrEnrollmentNotFound
	}
	row := e.row
	row.SealedSecret = bytes.Clone(e.row.SealedSecret)
	return row, nil
}

func (s *Store) SavePendingEnrollment(_ context.Context, identityID string, sealedSecret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.enrollments[identityID]; ok && e.row.State == authcore.EnrollmentEnabled {
		return authcore.ErrEnrollmentConflict
	}
	s.enrollments[identityID] = &enrollment{row: authcore.MFAEnrollment{
		IdentityID:   identityID,
		SealedSecret: bytes.Clone(sealedSecret),
		State:        authcore.EnrollmentSetupStarted,
	}}
	return nil
}

func (s *Store) EnableEnrollment(_ context.Context, identityID string, sealedSecret []byte, step int64, codes []authcore.BackupCodeHash, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok || !e.row.State.CanTransition(authcore.EnrollmentEnabled) || !bytes.Equal(e.row.SealedSecret, sealedSecret) {
		return authcore.ErrEnrollmentConflict
	}
	e.row.State = authcore.EnrollmentEnabled
	e.row.EnabledAt = now
	e.row.LastUsedStep = step
	e.codes = newCodes(codes)
	return nil
}

func (s *Store) AdvanceTOTPStep(_ context.Context, identityID string, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok {
		return false, authcore.ErrEnrollmentNotFound
	}
	if step <= e.row.LastUsedStep {
		return false, nil
	}
	e.row.LastUsedStep = step
	return true, nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, identityID string, code authcore.BackupCodeHash, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok {
		return false, nil
	}
	for i := range e.codes {
		if e.codes[i].hash == code && e.codes[i].usedAt.IsZero() {
			e.codes[i].usedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, identityID string, codes []authcore.BackupCodeHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok {
		return authcore.ErrEnrollmentNotFound
	}
	e.codes = newCodes(codes)
	return nil
}

func (s *Store) UnusedBackupCodes(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrollments[identityID]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, c := range e.codes {
		if c.usedAt.IsZero() {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteEnrollment(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[identityID]; !ok {
		return authcore.ErrEnrollmentNotFound
	}
	delete(s.enrollments, identityID)
	return nil
}

func newCodes(hashes []authcore.BackupCodeHash) []backupCode {
	out := make([]backupCode, len(hashes))
	for i, h := range hashes {
		out[i] = backupCode{hash: h}
	}
	return out
}

func (s *Store) CreateResetToken(_ context.Context, token authcore.ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[token.Hash] = token
	return nil
}

func (s *Store) ResetToken(_ context.Context, hash [32]byte) (authcore.ResetToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[hash]
	if !ok {
		return authcore.ResetToken{}, authcore.ErrResetTokenNotFound
	}
	return t, nil
}

func (s *Store) ConsumeResetToken(_ context.Context, hash [32]byte, now time.Time) (authcore.ResetToken, authcore.ResetState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.resets[hash]
	if !ok {
		return authcore.ResetToken{}, authcore.ResetInvalid, authcore.ErrResetTokenNotFound
	}
	if state := t.State(now); state != authcore.ResetValid {
		return t, state, nil
	}
	t.UsedAt = now
	s.resets[hash] = t
	return t, authcore.ResetValid, nil
}
