package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the users and api_keys tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id             UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    email          TEXT         NOT NULL UNIQUE,
    password_hash  TEXT         NOT NULL DEFAULT '',
    name           TEXT         NOT NULL DEFAULT '',
    is_active      BOOLEAN      NOT NULL DEFAULT true,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
    id            UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id       UUID         NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name          TEXT         NOT NULL DEFAULT '',
    key_hash      TEXT         NOT NULL UNIQUE,
    last_used_at  TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at    TIMESTAMPTZ,
    is_active     BOOLEAN      NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys (user_id);
`

const userColumns = `id, email, password_hash, name, is_active, created_at, updated_at`

const keyColumns = `id, user_id, name, key_hash, last_used_at, created_at, expires_at, is_active`

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using the given connection pool.
// The caller is responsible for calling [PostgresStore.Migrate] to ensure
// the schema exists before issuing queries.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("auth: migrate: %w", err)
	}
	return nil
}

// CreateUser implements [Store].
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	const q = `
		INSERT INTO users (email, password_hash, name)
		VALUES ($1,$2,$3)
		RETURNING id, is_active, created_at, updated_at`

	err := s.pool.QueryRow(ctx, q, u.Email, u.PasswordHash, u.Name).
		Scan(&u.ID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("auth: create user: %w", err)
	}
	return nil
}

// GetUser implements [Store].
func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail implements [Store].
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	u, err := scanUser(s.pool.QueryRow(ctx, q, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: get user by email: %w", err)
	}
	return u, nil
}

// CreateAPIKey implements [Store].
func (s *PostgresStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	const q = `
		INSERT INTO api_keys (user_id, name, key_hash, expires_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id, is_active, created_at`

	err := s.pool.QueryRow(ctx, q, k.UserID, k.Name, k.KeyHash, k.ExpiresAt).
		Scan(&k.ID, &k.IsActive, &k.CreatedAt)
	if err != nil {
		return fmt.Errorf("auth: create api key: %w", err)
	}
	return nil
}

// ListAPIKeys implements [Store].
func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	q := `SELECT ` + keyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: list api keys: %w", err)
	}

	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (APIKey, error) {
		k, err := scanKey(row)
		if err != nil {
			return APIKey{}, err
		}
		return *k, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: scan api keys: %w", err)
	}
	if keys == nil {
		keys = []APIKey{}
	}
	return keys, nil
}

// GetAPIKeyByHash implements [Store].
func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	q := `SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = $1`
	k, err := scanKey(s.pool.QueryRow(ctx, q, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: get api key: %w", err)
	}
	return k, nil
}

// DeleteAPIKey implements [Store].
func (s *PostgresStore) DeleteAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return fmt.Errorf("auth: delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAPIKey implements [Store].
func (s *PostgresStore) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("auth: touch api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.LastUsedAt, &k.CreatedAt, &k.ExpiresAt, &k.IsActive)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
