// Package sqlite contains a SQLite implementation of the account repository,
// used for local development against a copy of the application database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/and161185/sqlchat-gateway/internal/errs"
	"github.com/and161185/sqlchat-gateway/internal/model"
)

// AccountRepo implements AccountRepository on top of database/sql and modernc.org/sqlite.
type AccountRepo struct{ db *sql.DB }

// Open opens a SQLite database. dsn may carry a "sqlite:" or "sqlite://" scheme prefix.
func Open(ctx context.Context, dsn string) (*AccountRepo, error) {
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "sqlite:")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &AccountRepo{db: db}, nil
}

// NewAccountRepo wraps an already opened database.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{db: db} }

// GetAdminByEmail selects an admin by email.
func (r *AccountRepo) GetAdminByEmail(ctx context.Context, email string) (*model.AdminRecord, error) {
	const q = `
SELECT id, email, encrypted_password, role_id, is_enabled
FROM admins WHERE email = ? LIMIT 1`
	var (
		a       model.AdminRecord
		mail    sql.NullString
		enabled sql.NullBool
		roleID  sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, q, email).Scan(&a.ID, &mail, &a.EncryptedPassword, &roleID, &enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	a.Email = nullable(mail)
	a.RoleID = roleID.Int64
	a.Enabled = enabled.Valid && enabled.Bool
	return &a, nil
}

// GetUserByUsername selects a regular user by login name.
func (r *AccountRepo) GetUserByUsername(ctx context.Context, username string) (*model.UserRecord, error) {
	const q = `
SELECT id, user_name, encrypted_password, first_name, last_name
FROM users WHERE user_name = ? LIMIT 1`
	var (
		u                 model.UserRecord
		name, first, last sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, username).Scan(&u.ID, &name, &u.EncryptedPassword, &first, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.Username = nullable(name)
	u.FirstName = nullable(first)
	u.LastName = nullable(last)
	return &u, nil
}

// Ping checks database connectivity.
func (r *AccountRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

// Close closes the database.
func (r *AccountRepo) Close() { _ = r.db.Close() }

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
