package rbac

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/fnbcost/fnbcost/internal/platform/db"
)

// SeedResult counts rows written by Seed.
type SeedResult struct {
	Permissions int `json:"permissions"`
	Roles       int `json:"roles"`
	Assignments int `json:"assignments"`
}

// Seed upserts the registry into the permissions table, creates every role and adds the
// given matrix assignments. Existing assignments are kept.
func (r *PGRepository) Seed(ctx context.Context, registry *Registry, matrix map[Role][]string) (SeedResult, error) {
	if err := registry.VerifyAssignments(matrix); err != nil {
		return SeedResult{}, err
	}
	var res SeedResult
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, def := range registry.Definitions() {
			if _, err := tx.Exec(ctx, `INSERT INTO permissions (name, resource, action, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`,
				def.Name, def.Resource(), def.Action(), def.Description); err != nil {
				return fmt.Errorf("rbac: seed permission %s: %w", def.Name, err)
			}
			res.Permissions++
		}
		for _, role := range Roles() {
			if _, err := tx.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, string(role)); err != nil {
				return fmt.Errorf("rbac: seed role %s: %w", role, err)
			}
			res.Roles++
		}
		roles := make([]string, 0, len(matrix))
		for role := range matrix {
			roles = append(roles, string(role))
		}
		sort.Strings(roles)
		for _, role := range roles {
			tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT ro.id, p.id FROM roles ro, permissions p
WHERE ro.name = $1 AND p.name = ANY($2)
ON CONFLICT DO NOTHING`, role, matrix[Role(role)])
			if err != nil {
				return fmt.Errorf("rbac: seed assignments of %s: %w", role, err)
			}
			res.Assignments += int(tag.RowsAffected())
		}
		return nil
	})
	return res, err
}
