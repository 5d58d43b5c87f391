package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fnbcost/fnbcost/internal/shared"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const principalColumns = `id, email, role, permission_overrides, is_active, login_attempts, locked_until, last_login_at`

// ScanPrincipal reads a principal row selected with the standard column list.
func ScanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p           Principal
		role        string
		lockedUntil pgtype.Timestamptz
		lastLogin   pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.Email, &role, &p.Overrides, &p.IsActive, &p.LoginAttempts, &lockedUntil, &lastLogin); err != nil {
		return Principal{}, err
	}
	p.Role = Role(role)
	p.LockedUntil = optionalTime(lockedUntil)
	p.LastLoginAt = optionalTime(lastLogin)
	return p, nil
}

// PrincipalColumns is the column list ScanPrincipal expects.
func PrincipalColumns() string {
	return principalColumns
}

// GetPrincipal fetches a principal by ID.
func (r *PGRepository) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	p, err := ScanPrincipal(r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, shared.ErrMissing("principal %d not found", id)
		}
		return Principal{}, err
	}
	return p, nil
}

// RolePermissions lists permission names bundled in role.
func (r *PGRepository) RolePermissions(ctx context.Context, role Role) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.name
FROM role_permissions rp
JOIN roles ro ON ro.id = rp.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ro.name = $1
ORDER BY p.name`, string(role))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// RoleAssignments loads the whole role→permission table.
func (r *PGRepository) RoleAssignments(ctx context.Context) (map[Role][]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT ro.name, p.name
FROM role_permissions rp
JOIN roles ro ON ro.id = rp.role_id
JOIN permissions p ON p.id = rp.permission_id
ORDER BY ro.name, p.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Role][]string)
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return nil, err
		}
		out[Role(role)] = append(out[Role(role)], perm)
	}
	return out, rows.Err()
}

// ListPermissions returns all stored permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource, action, description FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// PropertyGrants lists every grant principalID holds on propertyID, expired ones included.
func (r *PGRepository) PropertyGrants(ctx context.Context, principalID, propertyID int64) ([]PropertyAccessGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT principal_id, property_id, access_level, expires_at
FROM property_access_grants
WHERE principal_id = $1 AND property_id = $2`, principalID, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []PropertyAccessGrant
	for rows.Next() {
		var (
			g       PropertyAccessGrant
			level   string
			expires pgtype.Timestamptz
		)
		if err := rows.Scan(&g.PrincipalID, &g.PropertyID, &level, &expires); err != nil {
			return nil, err
		}
		g.Level = ParseAccessLevel(level)
		g.ExpiresAt = optionalTime(expires)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// PropertyRelation returns the level implied by owning or managing the property.
func (r *PGRepository) PropertyRelation(ctx context.Context, principalID, propertyID int64) (AccessLevel, error) {
	var relation pgtype.Text
	err := r.pool.QueryRow(ctx, `SELECT CASE
	WHEN owner_id = $1 THEN 'owner'
	WHEN manager_id = $1 THEN 'management'
END
FROM properties WHERE id = $2`, principalID, propertyID).Scan(&relation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AccessNone, nil
		}
		return AccessNone, err
	}
	if !relation.Valid {
		return AccessNone, nil
	}
	return ParseAccessLevel(relation.String), nil
}

func optionalTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

var _ Repository = (*PGRepository)(nil)
