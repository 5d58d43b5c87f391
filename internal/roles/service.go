package roles

import (
	"context"
	"log/slog"

	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/realtime"
	"github.com/fnbcost/fnbcost/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	Assignments(ctx context.Context) (map[rbac.Role][]string, error)
	ReplacePermissions(ctx context.Context, role rbac.Role, perms []string) error
}

// Invalidator drops the cached permission set of a role.
type Invalidator interface {
	InvalidateRole(role rbac.Role)
}

// Notifier pushes invalidation events to connected clients.
type Notifier interface {
	Broadcast(ev realtime.Event) int
}

// Service handles role business logic.
type Service struct {
	repo     RepositoryPort
	cache    Invalidator
	notifier Notifier
	registry *rbac.Registry
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, notifier Notifier, registry *rbac.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = rbac.DefaultRegistry()
	}
	return &Service{repo: repo, cache: cache, notifier: notifier, registry: registry, logger: logger}
}

// ListRoles returns the role matrix in privilege order.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	assignments, err := s.repo.Assignments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Role, 0, len(rbac.Roles()))
	for _, name := range rbac.Roles() {
		if name == rbac.RoleSuperAdmin {
			out = append(out, Role{Name: name, Permissions: s.registry.Names(), Implicit: true})
			continue
		}
		perms := rbac.NewPermissionSet(assignments[name]...).Sorted()
		out = append(out, Role{Name: name, Permissions: perms})
	}
	return out, nil
}

// ReplacePermissions sets the permissions bundled in role and returns the role before and
// after the change.
func (s *Service) ReplacePermissions(ctx context.Context, role rbac.Role, perms []string) (Role, Role, error) {
	if !role.Valid() {
		return Role{}, Role{}, shared.ErrMissing("role %s not found", role)
	}
	if role == rbac.RoleSuperAdmin {
		return Role{}, Role{}, shared.ErrConflict("super_admin holds every permission implicitly")
	}
	normalized := rbac.NewPermissionSet(perms...).Sorted()
	if err := s.registry.Validate(normalized...); err != nil {
		return Role{}, Role{}, err
	}
	assignments, err := s.repo.Assignments(ctx)
	if err != nil {
		return Role{}, Role{}, err
	}
	before := Role{Name: role, Permissions: rbac.NewPermissionSet(assignments[role]...).Sorted()}
	if err := s.repo.ReplacePermissions(ctx, role, normalized); err != nil {
		return Role{}, Role{}, err
	}
	s.cache.InvalidateRole(role)
	if s.notifier != nil {
		delivered := s.notifier.Broadcast(realtime.Event{
			Type:            realtime.EventRoleUpdated,
			AffectedRole:    role,
			Action:          "role_permissions_replaced",
			Message:         "permissions of " + string(role) + " changed",
			RequiresRefresh: true,
		})
		s.logger.Info("role permissions replaced",
			slog.String("role", string(role)),
			slog.Int("permissions", len(normalized)),
			slog.Int("notified", delivered))
	}
	return before, Role{Name: role, Permissions: normalized}, nil
}
