package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Repository is the read side the resolver needs from persistence.
type Repository interface {
	GetPrincipal(ctx context.Context, id int64) (Principal, error)
	RolePermissions(ctx context.Context, role Role) ([]string, error)
	PropertyGrants(ctx context.Context, principalID, propertyID int64) ([]PropertyAccessGrant, error)
	PropertyRelation(ctx context.Context, principalID, propertyID int64) (AccessLevel, error)
}

// Resolver computes effective permissions. Role permission sets and principal records are
// cached until explicitly invalidated.
type Resolver struct {
	repo     Repository
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	roles      map[Role]PermissionSet
	principals map[int64]Principal
	generation uint64

	group singleflight.Group
}

// NewResolver constructs a Resolver.
func NewResolver(repo Repository, registry *Registry, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Resolver{
		repo:       repo,
		registry:   registry,
		logger:     logger,
		now:        time.Now,
		roles:      make(map[Role]PermissionSet),
		principals: make(map[int64]Principal),
	}
}

// Registry exposes the permission registry the resolver validates against.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Principal returns the cached principal record, loading it on a miss.
func (r *Resolver) Principal(ctx context.Context, id int64) (Principal, error) {
	r.mu.RLock()
	p, ok := r.principals[id]
	gen := r.generation
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	key := "principal:" + strconv.FormatInt(id, 10) + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		loaded, err := r.repo.GetPrincipal(ctx, id)
		if err != nil {
			return Principal{}, err
		}
		r.mu.Lock()
		if r.generation == gen {
			r.principals[id] = loaded
		}
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return Principal{}, err
	}
	return v.(Principal), nil
}

// RolePermissions returns the cached permission set bundled in role.
func (r *Resolver) RolePermissions(ctx context.Context, role Role) (PermissionSet, error) {
	if role == RoleSuperAdmin {
		return PermissionSet{wildcard: {}}, nil
	}
	r.mu.RLock()
	set, ok := r.roles[role]
	gen := r.generation
	r.mu.RUnlock()
	if ok {
		return set, nil
	}
	key := "role:" + string(role) + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := r.group.Do(key, func() (any, error) {
		names, err := r.repo.RolePermissions(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("rbac: load role %s: %w", role, err)
		}
		loaded := NewPermissionSet(names...)
		r.mu.Lock()
		if r.generation == gen {
			r.roles[role] = loaded
		}
		r.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(PermissionSet), nil
}

// EffectivePermissions returns role permissions ∪ overrides. super_admin yields the wildcard.
func (r *Resolver) EffectivePermissions(ctx context.Context, p Principal) (PermissionSet, error) {
	if !p.IsActive {
		return PermissionSet{}, nil
	}
	rolePerms, err := r.RolePermissions(ctx, p.Role)
	if err != nil {
		return nil, err
	}
	effective := make(PermissionSet, len(rolePerms)+len(p.Overrides))
	for name := range rolePerms {
		effective[name] = struct{}{}
	}
	for _, name := range normalizePermissions(p.Overrides) {
		effective[name] = struct{}{}
	}
	return effective, nil
}

// Snapshot lists the effective permissions for embedding in a session. The super_admin
// wildcard expands to every registered permission.
func (r *Resolver) Snapshot(ctx context.Context, p Principal) ([]string, error) {
	if p.IsActive && p.Role == RoleSuperAdmin {
		return r.registry.Names(), nil
	}
	set, err := r.EffectivePermissions(ctx, p)
	if err != nil {
		return nil, err
	}
	return set.Sorted(), nil
}

// HasPermission reports whether p holds name. It never fails: lookup errors deny.
func (r *Resolver) HasPermission(ctx context.Context, p *Principal, name string) bool {
	return r.HasAll(ctx, p, name)
}

// HasAny reports whether p holds at least one of names.
func (r *Resolver) HasAny(ctx context.Context, p *Principal, names ...string) bool {
	set, ok := r.effectiveOrDeny(ctx, p)
	if !ok {
		return false
	}
	for _, name := range names {
		if set.Has(name) {
			return true
		}
	}
	return false
}

// HasAll reports whether p holds every one of names.
func (r *Resolver) HasAll(ctx context.Context, p *Principal, names ...string) bool {
	set, ok := r.effectiveOrDeny(ctx, p)
	if !ok {
		return false
	}
	for _, name := range names {
		if !set.Has(name) {
			return false
		}
	}
	return true
}

// Satisfies evaluates a tagged requirement. An empty requirement is satisfied by any
// active principal.
func (r *Resolver) Satisfies(ctx context.Context, p *Principal, req Requirement) bool {
	if req.Empty() {
		return p != nil && p.IsActive
	}
	if req.Mode == ModeAll {
		return r.HasAll(ctx, p, req.Names...)
	}
	return r.HasAny(ctx, p, req.Names...)
}

func (r *Resolver) effectiveOrDeny(ctx context.Context, p *Principal) (PermissionSet, bool) {
	if p == nil || !p.IsActive {
		return nil, false
	}
	set, err := r.EffectivePermissions(ctx, *p)
	if err != nil {
		r.logger.Error("rbac effective permissions", slog.Int64("principal_id", p.ID), slog.Any("error", err))
		return nil, false
	}
	return set, true
}

// AccessLevel returns the highest active access level principalID holds on propertyID.
func (r *Resolver) AccessLevel(ctx context.Context, principalID, propertyID int64) (AccessLevel, error) {
	p, err := r.Principal(ctx, principalID)
	if err != nil {
		return AccessNone, err
	}
	if !p.IsActive {
		return AccessNone, nil
	}
	if p.Role == RoleSuperAdmin {
		return AccessOwner, nil
	}
	now := r.now()
	best, err := r.repo.PropertyRelation(ctx, principalID, propertyID)
	if err != nil {
		return AccessNone, err
	}
	grants, err := r.repo.PropertyGrants(ctx, principalID, propertyID)
	if err != nil {
		return AccessNone, err
	}
	for _, g := range grants {
		if g.ActiveAt(now) && g.Level > best {
			best = g.Level
		}
	}
	return best, nil
}

// CanAccessProperty reports whether principalID holds at least required on propertyID.
func (r *Resolver) CanAccessProperty(ctx context.Context, principalID, propertyID int64, required AccessLevel) bool {
	level, err := r.AccessLevel(ctx, principalID, propertyID)
	if err != nil {
		r.logger.Error("rbac property access",
			slog.Int64("principal_id", principalID),
			slog.Int64("property_id", propertyID),
			slog.Any("error", err))
		return false
	}
	return level != AccessNone && level >= required
}

// InvalidateRole drops the cached permission set for role.
func (r *Resolver) InvalidateRole(role Role) {
	r.mu.Lock()
	delete(r.roles, role)
	r.generation++
	r.mu.Unlock()
}

// InvalidatePrincipal drops the cached record for id.
func (r *Resolver) InvalidatePrincipal(id int64) {
	r.mu.Lock()
	delete(r.principals, id)
	r.generation++
	r.mu.Unlock()
}

// InvalidateAll empties both caches.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.roles = make(map[Role]PermissionSet)
	r.principals = make(map[int64]Principal)
	r.generation++
	r.mu.Unlock()
}
