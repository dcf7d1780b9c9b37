package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrEthical07/authcore"
)

func (s *Store) CreateResetToken(ctx context.Context, token authcore.ResetToken) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO password_reset_tokens (token_hash, identity_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		token.Hash[:], token.IdentityID, token.CreatedAt, token.ExpiresAt)
	return err
}

func (s *Store) ResetToken(ctx context.Context, hash [32]byte) (authcore.ResetToken, error) {
	return scanResetToken(hash, s.db.QueryRow(ctx,
		`SELECT identity_id, created_at, expires_at, used_at
		 FROM password_reset_tokens WHERE token_hash = $1`,
		hash[:]))
}

// ConsumeResetToken marks the token used in one conditional update. When the
// update matches nothing the row is re-read to report why.
func (s *Store) ConsumeResetToken(ctx context.Context, hash [32]byte, now time.Time) (authcore.ResetToken, authcore.ResetState, error) {
	t, err := scanResetToken(hash, s.db.QueryRow(ctx,
		`UPDATE password_reset_tokens SET used_at = $2
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		 RETURNING identity_id, created_at, expires_at, used_at`,
		hash[:], now))
	if err == nil {
		return t, authcore.ResetValid, nil
	}
	if !errors.Is(err, authcore.ErrResetTokenNotFound) {
		return authcore.ResetToken{}, authcore.ResetInvalid, err
	}

	t, err = s.ResetToken(ctx, hash)
	if err != nil {
		return authcore.ResetToken{}, authcore.ResetInvalid, err
	}
	state := t.State(now)
	if state == authcore.ResetValid {
		// The update missed a row that now reads as valid; refuse it.
		state = authcore.ResetInvalid
	}
	return t, state, nil
}

func scanResetToken(hash [32]byte, row pgx.Row) (authcore.ResetToken, error) {
	t := authcore.ResetToken{Hash: hash}
	var usedAt *time.Time
	if err := row.Scan(&t.IdentityID, &t.CreatedAt, &t.ExpiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.ResetToken{}, authcore.ErrResetTokenNotFound
		}
		return authcore.ResetToken{}, err
	}
	if usedAt != nil {
		t.UsedAt = *usedAt
	}
	return t, nil
}
