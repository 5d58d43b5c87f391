package users

import (
	"context"
	"log/slog"
	"time"

	"github.com/fnbcost/fnbcost/internal/rbac"
	"github.com/fnbcost/fnbcost/internal/realtime"
	"github.com/fnbcost/fnbcost/internal/shared"
)

const (
	defaultLockDuration = 30 * time.Minute
	maxLockDuration     = 30 * 24 * time.Hour
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	List(ctx context.Context, filter ListFilter) ([]rbac.Principal, int, error)
	Get(ctx context.Context, id int64) (rbac.Principal, error)
	SetLock(ctx context.Context, id int64, until *time.Time) error
	SetRole(ctx context.Context, id int64, role rbac.Role) error
	SetOverrides(ctx context.Context, id int64, perms []string) error
}

// Invalidator drops cached authorization state for a principal.
type Invalidator interface {
	InvalidatePrincipal(id int64)
}

// SessionRevoker ends every session of a principal.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, principalID int64) (int, error)
}

// Notifier pushes invalidation events to connected clients.
type Notifier interface {
	Broadcast(ev realtime.Event) int
}

// Service handles user administration. Every change invalidates the principal's cached
// permissions and notifies connected clients.
type Service struct {
	repo     RepositoryPort
	cache    Invalidator
	sessions SessionRevoker
	notifier Notifier
	registry *rbac.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, sessions SessionRevoker, notifier Notifier, registry *rbac.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = rbac.DefaultRegistry()
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		sessions: sessions,
		notifier: notifier,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// ListUsers returns one page of users.
func (s *Service) ListUsers(ctx context.Context, filter ListFilter) ([]User, shared.Pagination, error) {
	if filter.Role != "" && !filter.Role.Valid() {
		verr := shared.ErrValidation("unknown role %q", filter.Role)
		verr.Fields = map[string]string{"role": "unknown role"}
		return nil, shared.Pagination{}, verr
	}
	principals, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	now := s.now().UTC()
	out := make([]User, 0, len(principals))
	for _, p := range principals {
		out = append(out, FromPrincipal(p, now))
	}
	return out, shared.NewPagination(filter.Page, filter.Limit, total), nil
}

// LockRequest toggles an account lock. Duration applies when locking.
type LockRequest struct {
	Locked   bool
	Duration time.Duration
}

// SetLock locks or unlocks id on behalf of actor. Locking ends every session of the user.
func (s *Service) SetLock(ctx context.Context, actor rbac.Principal, id int64, req LockRequest) (User, User, error) {
	if req.Locked && actor.ID == id {
		return User{}, User{}, shared.ErrConflict("cannot lock your own account")
	}
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, User{}, err
	}
	if err := guardSuperAdmin(actor, target.Role); err != nil {
		return User{}, User{}, err
	}
	now := s.now().UTC()
	before := FromPrincipal(target, now)

	var until *time.Time
	if req.Locked {
		duration := req.Duration
		if duration <= 0 {
			duration = defaultLockDuration
		}
		if duration > maxLockDuration {
			duration = maxLockDuration
		}
		t := now.Add(duration)
		until = &t
	}
	if err := s.repo.SetLock(ctx, id, until); err != nil {
		return User{}, User{}, err
	}
	target.LockedUntil = until
	if !req.Locked {
		target.LoginAttempts = 0
	}
	s.cache.InvalidatePrincipal(id)

	action := "account_unlocked"
	if req.Locked {
		action = "account_locked"
		revoked, err := s.sessions.RevokeAll(ctx, id)
		if err != nil {
			s.logger.Error("revoke sessions of locked user", slog.Int64("user_id", id), slog.Any("error", err))
		} else {
			s.logger.Info("sessions revoked on lock", slog.Int64("user_id", id), slog.Int("count", revoked))
		}
	}
	s.notify(realtime.Event{
		Type:                realtime.EventPermissionUpdated,
		AffectedPrincipalID: id,
		Action:              action,
		RequiresRefresh:     true,
	})
	return before, FromPrincipal(target, now), nil
}

// UpdateRole moves id to role.
func (s *Service) UpdateRole(ctx context.Context, actor rbac.Principal, id int64, role rbac.Role) (User, User, error) {
	if !role.Valid() {
		verr := shared.ErrValidation("unknown role %q", role)
		verr.Fields = map[string]string{"role": "unknown role"}
		return User{}, User{}, verr
	}
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, User{}, err
	}
	if err := guardSuperAdmin(actor, target.Role, role); err != nil {
		return User{}, User{}, err
	}
	now := s.now().UTC()
	before := FromPrincipal(target, now)
	if target.Role == role {
		return before, before, nil
	}
	if err := s.repo.SetRole(ctx, id, role); err != nil {
		return User{}, User{}, err
	}
	target.Role = role
	s.cache.InvalidatePrincipal(id)
	s.notify(realtime.Event{
		Type:                realtime.EventRoleUpdated,
		AffectedPrincipalID: id,
		Action:              "role_changed",
		Message:             "role changed to " + string(role),
		RequiresRefresh:     true,
	})
	return before, FromPrincipal(target, now), nil
}

// ReplaceOverrides sets id's permission overrides to perms.
func (s *Service) ReplaceOverrides(ctx context.Context, actor rbac.Principal, id int64, perms []string) (User, User, error) {
	normalized := rbac.NewPermissionSet(perms...).Sorted()
	if err := s.registry.Validate(normalized...); err != nil {
		return User{}, User{}, err
	}
	target, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, User{}, err
	}
	if err := guardSuperAdmin(actor, target.Role); err != nil {
		return User{}, User{}, err
	}
	now := s.now().UTC()
	before := FromPrincipal(target, now)
	if err := s.repo.SetOverrides(ctx, id, normalized); err != nil {
		return User{}, User{}, err
	}
	target.Overrides = normalized
	s.cache.InvalidatePrincipal(id)
	s.notify(realtime.Event{
		Type:                realtime.EventPermissionUpdated,
		AffectedPrincipalID: id,
		Action:              "overrides_replaced",
		RequiresRefresh:     true,
	})
	return before, FromPrincipal(target, now), nil
}

func (s *Service) notify(ev realtime.Event) {
	if s.notifier == nil {
		return
	}
	delivered := s.notifier.Broadcast(ev)
	s.logger.Debug("invalidation broadcast",
		slog.String("type", string(ev.Type)),
		slog.String("action", ev.Action),
		slog.Int64("principal_id", ev.AffectedPrincipalID),
		slog.Int("delivered", delivered))
}

// guardSuperAdmin keeps super admin accounts and grants in super admin hands.
func guardSuperAdmin(actor rbac.Principal, roles ...rbac.Role) error {
	if actor.Role == rbac.RoleSuperAdmin {
		return nil
	}
	for _, role := range roles {
		if role == rbac.RoleSuperAdmin {
			return shared.ErrForbidden("only a super admin may manage super admin accounts")
		}
	}
	return nil
}
