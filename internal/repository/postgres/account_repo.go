package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// GetAdminByEmail selects an admin by email.
func (r *AccountRepo) GetAdminByEmail(ctx context.Context, email string) (*model.AdminRecord, error) {
	const q = `
SELECT id, email, encrypted_password, role_id, is_enabled
FROM admins WHERE email=$1 LIMIT 1`
	var a model.AdminRecord
	err := r.db.Pool.QueryRow(ctx, q, email).Scan(&a.ID, &a.Email, &a.EncryptedPassword, &a.RoleID, &a.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetUserByUsername selects a regular user by login name.
func (r *AccountRepo) GetUserByUsername(ctx context.Context, username string) (*model.UserRecord, error) {
	const q = `
SELECT id, user_name, encrypted_password, first_name, last_name
FROM users WHERE user_name=$1 LIMIT 1`
	var u model.UserRecord
	err := r.db.Pool.QueryRow(ctx, q, username).Scan(&u.ID, &u.Username, &u.EncryptedPassword, &u.FirstName, &u.LastName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// Ping checks database connectivity.
func (r *AccountRepo) Ping(ctx context.Context) error { return r.db.Pool.Ping(ctx) }

// Close closes the pool.
func (r *AccountRepo) Close() { r.db.Close() }
