package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	db       Querier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// Querier is the subset of *pgxpool.Pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(q Querier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{db: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, key string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM login_attempts WHERE login_key=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, key, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if wait := time.Until(blockedUntil); wait > 0 {
			return false, wait, nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (key, ip).
func (l *PG) Success(ctx context.Context, key string, ipHash []byte) error {
	const q = `
INSERT INTO login_attempts (login_key, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (login_key, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.db.Exec(ctx, q, key, ipHash)
	return err
}

// Failure records a failed attempt; blocks (key, ip) once maxFails is reached within window.
func (l *PG) Failure(ctx context.Context, key string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO login_attempts (login_key, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (login_key, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - login_attempts.updated_at > $3::interval THEN 1 ELSE login_attempts.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, q, key, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE login_attempts SET blocked_until=$3 WHERE login_key=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, upd, key, ipHash, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
