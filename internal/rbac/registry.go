package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fnbcost/fnbcost/internal/shared"
)

// Control plane permissions.
const (
	PermUsersView              = "users.view"
	PermUsersLock              = "users.lock"
	PermUsersRoleUpdate        = "users.role.update"
	PermUsersPermissionsUpdate = "users.permissions.update"

	PermRolesView              = "roles.view"
	PermRolesPermissionsUpdate = "roles.permissions.update"

	PermPermissionsView = "permissions.view"

	PermSessionsManage = "sessions.manage"

	PermAuditView    = "audit.view"
	PermAuditViewAll = "audit.view_all"
)

// Business permissions consumed by the cost-tracking handlers.
const (
	PermOutletsView            = "outlets.view"
	PermOutletsManage          = "outlets.manage"
	PermCategoriesManage       = "categories.manage"
	PermCurrenciesCreate       = "system.currencies.create"
	PermCurrenciesUpdate       = "system.currencies.update"
	PermCostEntriesView        = "cost_entries.view"
	PermCostEntriesCreate      = "cost_entries.create"
	PermCostEntriesApprove     = "cost_entries.approve"
	PermFinancialSummariesView = "financial_summaries.view"
)

// Definition describes one registered permission.
type Definition struct {
	Name        string
	Description string
}

// Resource is the dot-scoped prefix of the permission name.
func (d Definition) Resource() string {
	if idx := strings.LastIndex(d.Name, "."); idx > 0 {
		return d.Name[:idx]
	}
	return d.Name
}

// Action is the final segment of the permission name.
func (d Definition) Action() string {
	if idx := strings.LastIndex(d.Name, "."); idx >= 0 {
		return d.Name[idx+1:]
	}
	return d.Name
}

var defaultDefinitions = []Definition{
	{PermUsersView, "View users"},
	{PermUsersLock, "Lock and unlock user accounts"},
	{PermUsersRoleUpdate, "Change a user's role"},
	{PermUsersPermissionsUpdate, "Change a user's permission overrides"},
	{PermRolesView, "View roles"},
	{PermRolesPermissionsUpdate, "Change the permissions bundled in a role"},
	{PermPermissionsView, "View permissions"},
	{PermSessionsManage, "List and revoke sessions of other users"},
	{PermAuditView, "View own audit trail"},
	{PermAuditViewAll, "View and export the full audit trail"},
	{PermOutletsView, "View outlets"},
	{PermOutletsManage, "Manage outlets"},
	{PermCategoriesManage, "Manage cost categories"},
	{PermCurrenciesCreate, "Create currencies"},
	{PermCurrenciesUpdate, "Update currencies"},
	{PermCostEntriesView, "View cost entries"},
	{PermCostEntriesCreate, "Record cost entries"},
	{PermCostEntriesApprove, "Approve cost entries"},
	{PermFinancialSummariesView, "View financial summaries"},
}

// Registry is the closed set of permission identifiers known to the application.
type Registry struct {
	byName map[string]Definition
	order  []string
}

// NewRegistry builds a registry from the supplied definitions.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{byName: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		name := strings.ToLower(strings.TrimSpace(def.Name))
		if name == "" {
			continue
		}
		if _, exists := r.byName[name]; exists {
			continue
		}
		def.Name = name
		r.byName[name] = def
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r
}

// DefaultRegistry returns the registry of all permissions this application checks.
func DefaultRegistry() *Registry {
	return NewRegistry(defaultDefinitions...)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Names returns every registered name in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions returns every registered definition in lexical order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Validate returns a ValidationError naming every unknown permission.
func (r *Registry) Validate(names ...string) error {
	var unknown []string
	for _, name := range names {
		if !r.Has(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	err := shared.ErrValidation("unknown permissions: %s", strings.Join(unknown, ", "))
	err.Fields = map[string]string{"permissions": "unknown permission names"}
	return err
}

// ValidateRequirement checks a route requirement against the registry.
func (r *Registry) ValidateRequirement(req Requirement) error {
	return r.Validate(req.Names...)
}

// VerifyAssignments checks a role→permission table loaded at startup.
func (r *Registry) VerifyAssignments(assignments map[Role][]string) error {
	var problems []string
	roles := make([]string, 0, len(assignments))
	for role := range assignments {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, name := range roles {
		role := Role(name)
		if !role.Valid() {
			problems = append(problems, fmt.Sprintf("unknown role %q", name))
			continue
		}
		for _, perm := range assignments[role] {
			if !r.Has(perm) {
				problems = append(problems, fmt.Sprintf("role %s: unknown permission %q", name, perm))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("rbac: role assignments do not match registry: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DefaultRoleMatrix is the seeded role→permission table. super_admin needs no rows.
func DefaultRoleMatrix() map[Role][]string {
	return map[Role][]string{
		RolePropertyAdmin: {
			PermUsersView, PermUsersRoleUpdate, PermUsersPermissionsUpdate,
			PermRolesView, PermPermissionsView,
			PermSessionsManage, PermAuditView, PermAuditViewAll,
			PermOutletsView, PermOutletsManage, PermCategoriesManage,
			PermCostEntriesView, PermCostEntriesCreate, PermCostEntriesApprove,
			PermFinancialSummariesView,
		},
		RolePropertyManager: {
			PermUsersView, PermAuditView,
			PermOutletsView, PermOutletsManage,
			PermCostEntriesView, PermCostEntriesCreate, PermCostEntriesApprove,
			PermFinancialSummariesView,
		},
		RoleCostController: {
			PermAuditView, PermOutletsView,
			PermCostEntriesView, PermCostEntriesCreate,
			PermFinancialSummariesView,
		},
		RoleStaff: {
			PermAuditView, PermOutletsView, PermCostEntriesView, PermCostEntriesCreate,
		},
	}
}
