package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fnbcost/fnbcost/internal/platform/db"
	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// List returns one page of principals and the total match count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]rbac.Principal, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Role != "" {
		args = append(args, string(filter.Role))
		conds = append(conds, fmt.Sprintf("role = $%d", len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+strings.ToLower(search)+"%")
		conds = append(conds, fmt.Sprintf("LOWER(email) LIKE $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM users%s ORDER BY id LIMIT $%d OFFSET $%d`,
		rbac.PrincipalColumns(), where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []rbac.Principal
	for rows.Next() {
		p, err := rbac.ScanPrincipal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// Get fetches one principal.
func (r *Repository) Get(ctx context.Context, id int64) (rbac.Principal, error) {
	p, err := rbac.ScanPrincipal(r.pool.QueryRow(ctx, `SELECT `+rbac.PrincipalColumns()+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Principal{}, shared.ErrMissing("user %d not found", id)
		}
		return rbac.Principal{}, err
	}
	return p, nil
}

// SetLock opens a lock window ending at until, or clears it when until is nil. Clearing
// also resets the failed attempt counter.
func (r *Repository) SetLock(ctx context.Context, id int64, until *time.Time) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if until == nil {
		tag, err = r.pool.Exec(ctx, `UPDATE users SET locked_until = NULL, login_attempts = 0, updated_at = NOW() WHERE id = $1`, id)
	} else {
		tag, err = r.pool.Exec(ctx, `UPDATE users SET locked_until = $2, updated_at = NOW() WHERE id = $1`, id, *until)
	}
	return affected(tag, err, id)
}

// SetRole changes the principal's role.
func (r *Repository) SetRole(ctx context.Context, id int64, role rbac.Role) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
	return affected(tag, err, id)
}

// SetOverrides replaces the principal's permission overrides.
func (r *Repository) SetOverrides(ctx context.Context, id int64, perms []string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET permission_overrides = $2, updated_at = NOW() WHERE id = $1`, id, perms)
	return affected(tag, err, id)
}

// Create inserts an active user. A duplicate email is a conflict.
func (r *Repository) Create(ctx context.Context, email, passwordHash string, role rbac.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO users (email, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		strings.ToLower(strings.TrimSpace(email)), passwordHash, string(role)).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, shared.ErrConflict("user %s already exists", email)
		}
		return 0, err
	}
	return id, nil
}

func affected(tag pgconn.CommandTag, err error, id int64) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrMissing("user %d not found", id)
	}
	return nil
}
