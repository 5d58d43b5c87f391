package rbac

import (
	"sort"
	"strings"
	"time"
)

// Role is one of the fixed principal roles.
type Role string

const (
	RoleSuperAdmin      Role = "super_admin"
	RolePropertyAdmin   Role = "property_admin"
	RolePropertyManager Role = "property_manager"
	RoleCostController  Role = "cost_controller"
	RoleStaff           Role = "staff"
)

// Roles lists every valid role in privilege order.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RolePropertyAdmin, RolePropertyManager, RoleCostController, RoleStaff}
}

// Valid reports whether r is one of the fixed roles.
func (r Role) Valid() bool {
	for _, candidate := range Roles() {
		if candidate == r {
			return true
		}
	}
	return false
}

// Permission represents an atomic capability.
type Permission struct {
	ID          int64
	Name        string
	Resource    string
	Action      string
	Description string
}

// Principal describes an authenticated actor and the state the control plane needs.
type Principal struct {
	ID            int64
	Email         string
	Role          Role
	Overrides     []string
	IsActive      bool
	LoginAttempts int
	LockedUntil   *time.Time
	LastLoginAt   *time.Time
}

// LockedAt reports whether the lock window is still open at now.
func (p Principal) LockedAt(now time.Time) bool {
	return p.LockedUntil != nil && p.LockedUntil.After(now)
}

// AccessLevel orders property access: read_only < management < owner.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessReadOnly
	AccessManagement
	AccessOwner
)

func (l AccessLevel) String() string {
	switch l {
	case AccessReadOnly:
		return "read_only"
	case AccessManagement:
		return "management"
	case AccessOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseAccessLevel converts a stored level name. Unknown names map to AccessNone.
func ParseAccessLevel(value string) AccessLevel {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "read_only":
		return AccessReadOnly
	case "management":
		return AccessManagement
	case "owner":
		return AccessOwner
	default:
		return AccessNone
	}
}

// PropertyAccessGrant gives a principal scoped access to one property.
type PropertyAccessGrant struct {
	PrincipalID int64
	PropertyID  int64
	Level       AccessLevel
	ExpiresAt   *time.Time
}

// ActiveAt reports whether the grant is usable at now. A nil expiry never lapses.
func (g PropertyAccessGrant) ActiveAt(now time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// Mode selects how a Requirement combines its names.
type Mode int

const (
	ModeAny Mode = iota
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "ALL"
	}
	return "ANY"
}

// Requirement is a tagged permission requirement.
type Requirement struct {
	Mode  Mode
	Names []string
}

// AnyOf builds a requirement satisfied by at least one of names.
func AnyOf(names ...string) Requirement {
	return Requirement{Mode: ModeAny, Names: normalizePermissions(names)}
}

// AllOf builds a requirement satisfied only by every one of names.
func AllOf(names ...string) Requirement {
	return Requirement{Mode: ModeAll, Names: normalizePermissions(names)}
}

// Empty reports whether the requirement names no permission.
func (r Requirement) Empty() bool {
	return len(r.Names) == 0
}

// PermissionSet is a deduplicated set of permission names.
type PermissionSet map[string]struct{}

const wildcard = "*"

// NewPermissionSet builds a set from names, normalising case and whitespace.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range normalizePermissions(names) {
		set[n] = struct{}{}
	}
	return set
}

// Has reports whether name is in the set or the set carries the wildcard.
func (s PermissionSet) Has(name string) bool {
	if _, ok := s[wildcard]; ok {
		return true
	}
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Sorted returns the names in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
