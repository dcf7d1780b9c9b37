package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authcore"
)

const (
	stateSetupStarted = 1
	stateEnabled      = 2
)

func (s *Store) Enrollment(ctx context.Context, identityID string) (authcore.MFAEnrollment, error) {
	var (
		row       = authcore.MFAEnrollment{IdentityID: identityID}
		state     int16
		enabledAt *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT sealed_secret, state, enabled_at, last_used_step
		 FROM mfa_enrollments WHERE identity_id = $1`,
		identityID).Scan(&row.SealedSecret, &state, &enabledAt, &row.LastUsedStep)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.MFAEnrollment{}, authcore.ErrEnrollmentNotFound
		}
		return authcore.MFAEnrollment{}, err
	}
	switch state {
	case stateEnabled:
		row.State = authcore.EnrollmentEnabled
	case stateSetupStarted:
		row.State = authcore.EnrollmentSetupStarted
	}
	if enabledAt != nil {
		row.EnabledAt = *enabledAt
	}
	return row, nil
}

func (s *Store) SavePendingEnrollment(ctx context.Context, identityID string, sealedSecret []byte) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO mfa_enrollments (identity_id, sealed_secret, state, last_used_step)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (identity_id) DO UPDATE
		 SET sealed_secret = EXCLUDED.sealed_secret, state = EXCLUDED.state, enabled_at = NULL, last_used_step = 0
		 WHERE mfa_enrollments.state <> $4`,
		identityID, sealedSecret, stateSetupStarted, stateEnabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrEnrollmentConflict
	}
	return nil
}

func (s *Store) EnableEnrollment(ctx context.Context, identityID string, sealedSecret []byte, step int64, codes []authcore.BackupCodeHash, now time.Time) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE mfa_enrollments SET state = $3, enabled_at = $4, last_used_step = $5
			 WHERE identity_id = $1 AND state = $2 AND sealed_secret = $6`,
			identityID, stateSetupStarted, stateEnabled, now, step, sealedSecret)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return authcore.ErrEnrollmentConflict
		}
		return replaceCodes(ctx, tx, identityID, codes)
	})
}

func (s *Store) AdvanceTOTPStep(ctx context.Context, identityID string, step int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE mfa_enrollments SET last_used_step = $2
		 WHERE identity_id = $1 AND last_used_step < $2`,
		identityID, step)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mfa_enrollments WHERE identity_id = $1)`,
		identityID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, authcore.ErrEnrollmentNotFound
	}
	return false, nil
}

func (s *Store) ConsumeBackupCode(ctx context.Context, identityID string, code authcore.BackupCodeHash, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE mfa_backup_codes SET used_at = $3
		 WHERE identity_id = $1 AND code_hash = $2 AND used_at IS NULL`,
		identityID, code[:], now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, identityID string, codes []authcore.BackupCodeHash) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT TRUE FROM mfa_enrollments WHERE identity_id = $1 FOR UPDATE`,
			identityID).Scan(&exists)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return authcore.ErrEnrollmentNotFound
			}
			return err
		}
		return replaceCodes(ctx, tx, identityID, codes)
	})
}

func (s *Store) UnusedBackupCodes(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM mfa_backup_codes WHERE identity_id = $1 AND used_at IS NULL`,
		identityID).Scan(&n)
	return n, err
}

func (s *Store) DeleteEnrollment(ctx context.Context, identityID string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE identity_id = $1`, identityID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM mfa_enrollments WHERE identity_id = $1`, identityID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return authcore.ErrEnrollmentNotFound
		}
		return nil
	})
}

func replaceCodes(ctx context.Context, tx pgx.Tx, identityID string, codes []authcore.BackupCodeHash) error {
	if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE identity_id = $1`, identityID); err != nil {
		return err
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"mfa_backup_codes"},
		[]string{"identity_id", "code_hash"},
		pgx.CopyFromSlice(len(codes), func(i int) ([]any, error) {
			return []any{identityID, codes[i][:]}, nil
		}),
	)
	return err
}
