package roles

import "github.com/fnbcost/fnbcost/internal/rbac"

// Role is one row of the role matrix.
type Role struct {
	Name        rbac.Role `json:"name"`
	Permissions []string  `json:"permissions"`
	// Implicit roles hold every permission and have no stored assignments.
	Implicit bool `json:"implicit"`
}
