package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
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

// Assignments loads the stored role→permission table.
func (r *Repository) Assignments(ctx context.Context) (map[rbac.Role][]string, error) {
	return rbac.NewRepository(r.pool).RoleAssignments(ctx)
}

// ReplacePermissions swaps the permissions bundled in role for perms in one transaction.
func (r *Repository) ReplacePermissions(ctx context.Context, role rbac.Role, perms []string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var roleID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE name = $1 FOR UPDATE`, string(role)).Scan(&roleID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return shared.ErrMissing("role %s not found", role)
			}
			return fmt.Errorf("roles: lock role: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return fmt.Errorf("roles: clear permissions: %w", err)
		}
		if len(perms) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = ANY($2)`, roleID, perms)
		if err != nil {
			return fmt.Errorf("roles: insert permissions: %w", err)
		}
		if int(tag.RowsAffected()) != len(perms) {
			return shared.ErrConflict("permission catalogue is out of date; run fnbctl seed")
		}
		return nil
	})
}
