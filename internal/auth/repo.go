package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// Repository defines the credential and lockout persistence the gate needs.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (Account, error)
	// RecordFailedLogin increments the counter in one statement. A lapsed lock restarts the
	// count at 1; reaching maxAttempts opens a lock window ending at lockUntil.
	RecordFailedLogin(ctx context.Context, id int64, now time.Time, maxAttempts int, lockUntil time.Time) (int, *time.Time, error)
	RecordSuccessfulLogin(ctx context.Context, id int64, now time.Time) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches an account by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rbac.PrincipalColumns()+`, password_hash FROM users WHERE lower(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	var (
		a           Account
		role        string
		lockedUntil pgtype.Timestamptz
		lastLogin   pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.Email, &role, &a.Overrides, &a.IsActive, &a.LoginAttempts, &lockedUntil, &lastLogin, &a.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	a.Role = rbac.Role(role)
	a.LockedUntil = optionalTime(lockedUntil)
	a.LastLoginAt = optionalTime(lastLogin)
	return a, nil
}

const recordFailedLogin = `
WITH next AS (
	SELECT id,
		CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1 ELSE login_attempts + 1 END AS attempts,
		locked_until
	FROM users WHERE id = $1
	FOR UPDATE
)
UPDATE users u SET
	login_attempts = next.attempts,
	locked_until = CASE
		WHEN next.locked_until > $2 THEN next.locked_until
		WHEN next.attempts >= $3 THEN $4::timestamptz
		ELSE NULL
	END,
	updated_at = $2
FROM next
WHERE u.id = next.id
RETURNING u.login_attempts, u.locked_until`

// RecordFailedLogin implements Repository.
func (r *PGRepository) RecordFailedLogin(ctx context.Context, id int64, now time.Time, maxAttempts int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts    int
		lockedUntil pgtype.Timestamptz
	)
	err := r.pool.QueryRow(ctx, recordFailedLogin, id, now, maxAttempts, lockUntil).Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, shared.ErrNotFound
		}
		return 0, nil, err
	}
	return attempts, optionalTime(lockedUntil), nil
}

// RecordSuccessfulLogin clears the counter and lock and stamps the login time.
func (r *PGRepository) RecordSuccessfulLogin(ctx context.Context, id int64, now time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE users SET login_attempts = 0, locked_until = NULL, last_login_at = $2, updated_at = $2 WHERE id = $1`, id, now)
	return err
}

// UnlockExpired clears lock windows that ended before now and returns how many rows changed.
func (r *PGRepository) UnlockExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET login_attempts = 0, locked_until = NULL, updated_at = $1
WHERE locked_until IS NOT NULL AND locked_until <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func optionalTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

var _ Repository = (*PGRepository)(nil)
