package auth

import "testing"

func activeUser(role Role, perms ...string) *User {
	return &User{ID: "u1", Email: "user@tourwatch.org", Role: role, Permissions: perms, Status: StatusActive}
}

func TestInactiveUserFailsEveryPredicate(t *testing.T) {
	for _, status := range []string{StatusDisabled, StatusSuspended, ""} {
		u := &User{ID: "u1", Role: RoleSuperAdmin, Permissions: allPermissionKeys(), Status: status}
		if HasPermission(u, PermTouristsView) {
			t.Fatalf("status %q: HasPermission must be false", status)
		}
		if HasAnyPermission(u, []string{PermTouristsView, PermAlertsView}) {
			t.Fatalf("status %q: HasAnyPermission must be false", status)
		}
		if HasAllPermissions(u, nil) {
			t.Fatalf("status %q: HasAllPermissions must be false", status)
		}
		if HasRole(u, RoleSuperAdmin) {
			t.Fatalf("status %q: HasRole must be false", status)
		}
		if HasAnyRole(u, Roles) {
			t.Fatalf("status %q: HasAnyRole must be false", status)
		}
		for _, r := range Roles {
			if HasRoleOrHigher(u, r) {
				t.Fatalf("status %q: HasRoleOrHigher(%s) must be false", status, r)
			}
		}
		if ok, _ := (Requirement{}).Check(u); ok {
			t.Fatalf("status %q: empty requirement must not pass", status)
		}
	}
}

func TestNilUserFailsEveryPredicate(t *testing.T) {
	if HasPermission(nil, PermAlertsView) || HasAnyPermission(nil, []string{PermAlertsView}) ||
		HasAllPermissions(nil, nil) || HasRole(nil, RoleViewer) || HasAnyRole(nil, Roles) ||
		HasRoleOrHigher(nil, RoleViewer) {
		t.Fatalf("nil user must fail every predicate")
	}
}

func TestPermissionPredicates(t *testing.T) {
	u := activeUser(RoleOperator, PermAlertsCreate, PermTouristsView)

	if !HasPermission(u, PermAlertsCreate) {
		t.Fatalf("expected alerts.create")
	}
	if HasPermission(u, PermAlertsEdit) {
		t.Fatalf("unexpected alerts.edit")
	}
	if HasPermission(u, "") {
		t.Fatalf("empty permission must never match")
	}
	if !HasAnyPermission(u, []string{PermAlertsEdit, PermAlertsCreate}) {
		t.Fatalf("expected any-of to match")
	}
	if HasAnyPermission(u, nil) {
		t.Fatalf("any-of over nothing must be false")
	}
	if !HasAllPermissions(u, []string{PermAlertsCreate, PermTouristsView}) {
		t.Fatalf("expected all-of to match")
	}
	if HasAllPermissions(u, []string{PermAlertsCreate, PermAlertsEdit}) {
		t.Fatalf("all-of must fail when one is missing")
	}
}

func TestRolePredicates(t *testing.T) {
	u := activeUser(RolePoliceAdmin)

	if !HasRole(u, RolePoliceAdmin) || HasRole(u, RoleTourismAdmin) {
		t.Fatalf("HasRole must be an exact match")
	}
	if !HasAnyRole(u, []Role{RoleSuperAdmin, RolePoliceAdmin}) {
		t.Fatalf("expected HasAnyRole match")
	}
	if HasAnyRole(u, []Role{RoleViewer, RoleOperator}) {
		t.Fatalf("unexpected HasAnyRole match")
	}
	if !HasRoleOrHigher(u, RoleTourismAdmin) {
		t.Fatalf("sibling admins share a rank")
	}
	if HasRoleOrHigher(u, RoleSuperAdmin) {
		t.Fatalf("police_admin must not reach super_admin")
	}
	if HasRoleOrHigher(u, Role("auditor")) {
		t.Fatalf("unknown required role must never be satisfied")
	}
	if HasRoleOrHigher(activeUser(Role("auditor")), RoleViewer) {
		t.Fatalf("unknown actor role ranks 0")
	}
}

func TestRoleOrHigherIsMonotonic(t *testing.T) {
	for _, actorRole := range Roles {
		u := activeUser(actorRole)
		for _, required := range Roles {
			if !HasRoleOrHigher(u, required) {
				continue
			}
			for _, lower := range Roles {
				if lower.Rank() <= required.Rank() && !HasRoleOrHigher(u, lower) {
					t.Fatalf("%s satisfies %s but not lower %s", actorRole, required, lower)
				}
			}
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" Police_Admin "); !ok || r != RolePoliceAdmin {
		t.Fatalf("unexpected parse: %q %v", r, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatalf("unknown role must not parse")
	}
}

func TestRequirementCheck(t *testing.T) {
	cases := []struct {
		name   string
		user   *User
		req    Requirement
		wantOK bool
	}{
		{name: "empty", user: activeUser(RoleViewer), req: Requirement{}, wantOK: true},
		{name: "exact role mismatch", user: activeUser(RoleOperator), req: Requirement{Role: RolePoliceAdmin}},
		{name: "exact role", user: activeUser(RolePoliceAdmin), req: Requirement{Role: RolePoliceAdmin}, wantOK: true},
		{name: "any role", user: activeUser(RoleTourismAdmin), req: Requirement{AnyRole: []Role{RolePoliceAdmin, RoleTourismAdmin}}, wantOK: true},
		{name: "min role", user: activeUser(RoleSuperAdmin), req: Requirement{MinRole: RoleOperator}, wantOK: true},
		{name: "min role too low", user: activeUser(RoleViewer), req: Requirement{MinRole: RoleOperator}},
		{name: "permission", user: activeUser(RoleViewer, PermTouristsView), req: Requirement{Permission: PermTouristsView}, wantOK: true},
		{
			name:   "any of permissions",
			user:   activeUser(RoleOperator, PermAlertsCreate),
			req:    Requirement{Permissions: []string{PermAlertsCreate, PermAlertsEdit}},
			wantOK: true,
		},
		{
			name: "all of permissions",
			user: activeUser(RoleOperator, PermAlertsCreate),
			req:  Requirement{Permissions: []string{PermAlertsCreate, PermAlertsEdit}, RequireAll: true},
		},
		{
			name: "kinds are combined with and",
			user: activeUser(RolePoliceAdmin, PermAlertsView),
			req:  Requirement{MinRole: RolePoliceAdmin, Permission: PermIdentityVerify},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, failed := tc.req.Check(tc.user)
			if ok != tc.wantOK {
				t.Fatalf("Check() = %v (%s), want %v", ok, failed, tc.wantOK)
			}
			if ok && failed != "" {
				t.Fatalf("passing check reported clause %q", failed)
			}
			if !ok && failed == "" {
				t.Fatalf("failing check must name a clause")
			}
		})
	}
}

func TestDefaultRolePermissionsUseCatalogue(t *testing.T) {
	known := make(map[string]bool, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		known[p.Key] = true
	}
	for role, perms := range DefaultRolePermissions {
		if !role.Valid() {
			t.Fatalf("unknown role %q in defaults", role)
		}
		for _, p := range perms {
			if !known[p] {
				t.Fatalf("role %s grants uncatalogued permission %q", role, p)
			}
		}
	}
	if len(DefaultRolePermissions[RoleSuperAdmin]) != len(BuiltinPermissions) {
		t.Fatalf("super_admin must hold the whole catalogue")
	}
}
