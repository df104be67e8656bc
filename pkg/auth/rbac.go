package auth

import (
	"fmt"
	"strings"
)

// Role is a named bundle of permissions.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermReadIncidents},
	RoleOperator: {PermReadIncidents, PermTriggerIncidents, PermCancelIncidents},
	RoleApprover: {PermReadIncidents, PermResolveApprovals},
	RoleAdmin:    {PermReadIncidents, PermTriggerIncidents, PermCancelIncidents, PermResolveApprovals, PermManageService},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Grants reports whether r includes p.
func (r Role) Grants(p Permission) bool {
	for _, have := range rolePermissions[r] {
		if have == p {
			return true
		}
	}
	return false
}

// Permissions returns the permissions r grants.
func (r Role) Permissions() []Permission {
	return append([]Permission(nil), rolePermissions[r]...)
}

// ParseRoles converts role names, ignoring case and duplicates. An unknown
// name is an error.
func ParseRoles(names []string) ([]Role, error) {
	seen := make(map[Role]bool, len(names))
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r := Role(strings.ToLower(strings.TrimSpace(n)))
		if !r.Valid() {
			return nil, fmt.Errorf("auth: unknown role %q", n)
		}
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	return roles, nil
}
