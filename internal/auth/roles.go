package auth

import "strings"

// Role is one of the fixed dashboard roles.
type Role string

const (
	RoleViewer       Role = "viewer"
	RoleOperator     Role = "operator"
	RolePoliceAdmin  Role = "police_admin"
	RoleTourismAdmin Role = "tourism_admin"
	RoleSuperAdmin   Role = "super_admin"
)

// Roles lists every known role in ascending rank.
var Roles = []Role{RoleViewer, RoleOperator, RolePoliceAdmin, RoleTourismAdmin, RoleSuperAdmin}

// roleRank orders roles for at-least checks. police_admin and
// tourism_admin share rank 3: they are siblings, neither outranks the
// other, and each satisfies an at-least requirement naming the other.
var roleRank = map[Role]int{
	RoleViewer:       1,
	RoleOperator:     2,
	RolePoliceAdmin:  3,
	RoleTourismAdmin: 3,
	RoleSuperAdmin:   4,
}

// Rank returns the role's position in the hierarchy; unknown roles rank 0.
func (r Role) Rank() int {
	return roleRank[r]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// ParseRole normalizes a role name. The second result is false for
// unknown names.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	return r, r.Valid()
}
