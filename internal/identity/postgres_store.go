package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed identity store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the identity tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id             VARCHAR(64) PRIMARY KEY,
			name           VARCHAR(255) NOT NULL,
			email          VARCHAR(255) NOT NULL UNIQUE,
			role           VARCHAR(20) NOT NULL,
			email_verified BOOLEAN NOT NULL DEFAULT FALSE,
			phone_verified BOOLEAN NOT NULL DEFAULT FALSE,
			age_verified   BOOLEAN NOT NULL DEFAULT FALSE,
			id_verified    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ DEFAULT NOW(),
			updated_at     TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id         VARCHAR(64) PRIMARY KEY,
			hash       VARCHAR(64) NOT NULL UNIQUE,
			user_id    VARCHAR(64) NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			last_used  TIMESTAMPTZ,
			revoked    BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`)
	return err
}

func (p *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, email_verified, phone_verified, age_verified, id_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, user.ID, user.Name, user.Email, user.Role,
		user.EmailVerified, user.PhoneVerified, user.AgeVerified, user.IDVerified,
		user.CreatedAt, user.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateEmail
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, email_verified, phone_verified, age_verified, id_verified, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, `
		SELECT id, name, email, role, email_verified, phone_verified, age_verified, id_verified, created_at, updated_at
		FROM users WHERE email = $1
	`, email))
}

func (p *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	u := &User{}
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role,
		&u.EmailVerified, &u.PhoneVerified, &u.AgeVerified, &u.IDVerified,
		&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, user *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			name           = $2,
			role           = $3,
			email_verified = $4,
			phone_verified = $5,
			age_verified   = $6,
			id_verified    = $7,
			updated_at     = $8
		WHERE id = $1
	`, user.ID, user.Name, user.Role,
		user.EmailVerified, user.PhoneVerified, user.AgeVerified, user.IDVerified,
		user.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) CreateKey(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5)
	`, key.ID, key.Hash, key.UserID, key.CreatedAt, key.Revoked)
	return err
}

func (p *PostgresStore) GetKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	k := &APIKey{}
	var lastUsed sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, hash, user_id, created_at, last_used, revoked
		FROM api_keys WHERE hash = $1
	`, hash).Scan(&k.ID, &k.Hash, &k.UserID, &k.CreatedAt, &lastUsed, &k.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	k.LastUsed = lastUsed.Time
	return k, nil
}

func (p *PostgresStore) UpdateKey(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $2, revoked = $3 WHERE id = $1
	`, key.ID, key.LastUsed, key.Revoked)
	return err
}

func (p *PostgresStore) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, user_id, created_at, last_used, revoked
		FROM api_keys WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Hash, &k.UserID, &k.CreatedAt, &lastUsed, &k.Revoked); err != nil {
			return nil, err
		}
		k.LastUsed = lastUsed.Time
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
