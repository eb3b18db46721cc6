package auth

import (
	"fmt"
	"slices"
)

// HasPermission reports whether the active user holds permission p.
func HasPermission(u *User, p string) bool {
	if !u.Active() || p == "" {
		return false
	}
	return slices.Contains(u.Permissions, p)
}

// HasAnyPermission reports whether the active user holds at least one of ps.
func HasAnyPermission(u *User, ps []string) bool {
	if !u.Active() {
		return false
	}
	for _, p := range ps {
		if HasPermission(u, p) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the active user holds every one of ps.
// An empty ps is satisfied by any active user.
func HasAllPermissions(u *User, ps []string) bool {
	if !u.Active() {
		return false
	}
	for _, p := range ps {
		if !HasPermission(u, p) {
			return false
		}
	}
	return true
}

// HasRole reports an exact role match.
func HasRole(u *User, r Role) bool {
	if !u.Active() || !r.Valid() {
		return false
	}
	return u.Role == r
}

// HasAnyRole reports whether the user's role is one of rs.
func HasAnyRole(u *User, rs []Role) bool {
	if !u.Active() {
		return false
	}
	for _, r := range rs {
		if HasRole(u, r) {
			return true
		}
	}
	return false
}

// HasRoleOrHigher compares ranks. Unknown roles on either side rank 0
// and never satisfy the check.
func HasRoleOrHigher(u *User, r Role) bool {
	if !u.Active() || !r.Valid() || !u.Role.Valid() {
		return false
	}
	return u.Role.Rank() >= r.Rank()
}

// Requirement declares what a protected surface demands. Every kind that
// is set must pass; Permissions passes on any match unless RequireAll.
type Requirement struct {
	Role        Role     `json:"role,omitempty" yaml:"role"`
	AnyRole     []Role   `json:"any_role,omitempty" yaml:"any_role"`
	MinRole     Role     `json:"min_role,omitempty" yaml:"min_role"`
	Permission  string   `json:"permission,omitempty" yaml:"permission"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions"`
	RequireAll  bool     `json:"require_all,omitempty" yaml:"require_all"`
}

// IsZero reports whether the requirement demands nothing beyond sign-in.
func (r Requirement) IsZero() bool {
	return r.Role == "" && len(r.AnyRole) == 0 && r.MinRole == "" &&
		r.Permission == "" && len(r.Permissions) == 0
}

// Check evaluates the requirement clauses in a fixed order and returns the
// first failing clause, or "" when all pass.
func (r Requirement) Check(u *User) (bool, string) {
	if !u.Active() {
		return false, "inactive"
	}
	if r.Role != "" && !HasRole(u, r.Role) {
		return false, fmt.Sprintf("role %s", r.Role)
	}
	if len(r.AnyRole) > 0 && !HasAnyRole(u, r.AnyRole) {
		return false, fmt.Sprintf("any role of %v", r.AnyRole)
	}
	if r.MinRole != "" && !HasRoleOrHigher(u, r.MinRole) {
		return false, fmt.Sprintf("role %s or higher", r.MinRole)
	}
	if r.Permission != "" && !HasPermission(u, r.Permission) {
		return false, fmt.Sprintf("permission %s", r.Permission)
	}
	if len(r.Permissions) > 0 {
		if r.RequireAll && !HasAllPermissions(u, r.Permissions) {
			return false, fmt.Sprintf("all permissions of %v", r.Permissions)
		}
		if !r.RequireAll && !HasAnyPermission(u, r.Permissions) {
			return false, fmt.Sprintf("any permission of %v", r.Permissions)
		}
	}
	return true, ""
}
