// Package postgres implements the authcore store interfaces on PostgreSQL
// through a pgx connection pool. Conditional operations are single UPDATE
// statements with the condition in the WHERE clause; multi-row changes run in
// one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrEthical07/authcore"
)

// PoolConfig tunes the connection pool. Zero fields keep the defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open creates a pool for dsn and pings it.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, errors.New("database url is not set")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Store implements IdentityStore, MembershipStore, EnrollmentStore and
// ResetTokenStore.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ authcore.IdentityStore   = (*Store)(nil)
	_ authcore.MembershipStore = (*Store)(nil)
	_ authcore.EnrollmentStore = (*Store)(nil)
	_ authcore.ResetTokenStore = (*Store)(nil)
)

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const identityColumns = `id, email, password_hash, email_verified, provider, failed_logins, locked_until`

func scanIdentity(row pgx.Row) (authcore.Identity, error) {
	var (
		identity    authcore.Identity
		lockedUntil *time.Time
	)
	err := row.Scan(
		&identity.ID, &identity.Email, &identity.PasswordHash, &identity.EmailVerified,
		&identity.Provider, &identity.FailedLogins, &lockedUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.Identity{}, authcore.ErrIdentityNotFound
		}
		return authcore.Identity{}, err
	}
	if lockedUntil != nil {
		identity.LockedUntil = *lockedUntil
	}
	return identity, nil
}

func (s *Store) IdentityByEmail(ctx context.Context, email string) (authcore.Identity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(email) = lower($1)`,
		strings.TrimSpace(email))
	return scanIdentity(row)
}

func (s *Store) IdentityByID(ctx context.Context, id string) (authcore.Identity, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return scanIdentity(row)
}

// RecordLoginFailure increments the counter under the row lock. Reaching
// threshold sets locked_until and resets the counter in the same statement.
func (s *Store) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (authcore.LockoutResult, error) {
	row := s.db.QueryRow(ctx, `
		WITH cur AS (
			SELECT id, failed_logins + 1 AS n FROM identities WHERE id = $1 FOR UPDATE
		)
		UPDATE identities i SET
			failed_logins = CASE WHEN $2::int > 0 AND cur.n >= $2::int THEN 0 ELSE cur.n END,
			locked_until  = CASE WHEN $2::int > 0 AND cur.n >= $2::int THEN $3 ELSE i.locked_until END
		FROM cur
		WHERE i.id = cur.id
		RETURNING cur.n, ($2::int > 0 AND cur.n >= $2::int)`,
		id, threshold, lockUntil)

	var res authcore.LockoutResult
	if err := row.Scan(&res.FailedLogins, &res.Locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.LockoutResult{}, authcore.ErrIdentityNotFound
		}
		return authcore.LockoutResult{}, err
	}
	if res.Locked {
		res.LockedUntil = lockUntil
	}
	return res, nil
}

func (s *Store) ResetLoginFailures(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE identities SET failed_logins = 0, locked_until = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrIdentityNotFound
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE identities SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return authcore.ErrIdentityNotFound
	}
	return nil
}

// CreateIdentity inserts identity. It is used by provisioning tooling and
// tests; sign-up is outside this module.
func (s *Store) CreateIdentity(ctx context.Context, identity authcore.Identity) error {
	provider := identity.Provider
	if provider == "" {
		provider = authcore.ProviderPassword
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO identities (id, email, password_hash, email_verified, provider)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, strings.ToLower(strings.TrimSpace(identity.Email)),
		identity.PasswordHash, identity.EmailVerified, provider,
	)
	return err
}

func (s *Store) CreateOrganization(ctx context.Context, org authcore.Organization) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO organizations (id, name, slug) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, slug = EXCLUDED.slug`,
		org.ID, org.Name, org.Slug,
	)
	return err
}

// Grant adds or updates identityID's role in tenantID.
func (s *Store) Grant(ctx context.Context, identityID, tenantID string, role authcore.Role) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO memberships (identity_id, tenant_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (identity_id, tenant_id) DO UPDATE SET role = EXCLUDED.role`,
		identityID, tenantID, string(role),
	)
	return err
}

func (s *Store) Revoke(ctx context.Context, identityID, tenantID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM memberships WHERE identity_id = $1 AND tenant_id = $2`, identityID, tenantID)
	return err
}

// Memberships returns identityID's organizations ordered by name.
func (s *Store) Memberships(ctx context.Context, identityID string) ([]authcore.Membership, error) {
	rows, err := s.db.Query(ctx,
		`SELECT o.id, o.name, o.slug, m.role
		 FROM memberships m
		 JOIN organizations o ON o.id = m.tenant_id
		 WHERE m.identity_id = $1
		 ORDER BY o.name, o.id`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []authcore.Membership{}
	for rows.Next() {
		m := authcore.Membership{IdentityID: identityID}
		var role string
		if err := rows.Scan(&m.Org.ID, &m.Org.Name, &m.Org.Slug, &role); err != nil {
			return nil, err
		}
		m.Role = authcore.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Membership(ctx context.Context, identityID, tenantID string) (authcore.Membership, error) {
	m := authcore.Membership{IdentityID: identityID}
	var role string
	err := s.db.QueryRow(ctx,
		`SELECT o.id, o.name, o.slug, m.role
		 FROM memberships m
		 JOIN organizations o ON o.id = m.tenant_id
		 WHERE m.identity_id = $1 AND m.tenant_id = $2`,
		identityID, tenantID).Scan(&m.Org.ID, &m.Org.Name, &m.Org.Slug, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authcore.Membership{}, authcore.ErrMembershipNotFound
		}
		return authcore.Membership{}, err
	}
	m.Role = authcore.Role(role)
	return m, nil
}
