package auth

const (
	PermDashboardView  = "dashboard.view"
	PermTouristsView   = "tourists.view"
	PermTouristsEdit   = "tourists.edit"
	PermTouristsExport = "tourists.export"
	PermAlertsView     = "alerts.view"
	PermAlertsCreate   = "alerts.create"
	PermAlertsEdit     = "alerts.edit"
	PermAlertsResolve  = "alerts.resolve"
	PermAnalyticsView  = "analytics.view"
	PermIdentityView   = "identity.view"
	PermIdentityVerify = "identity.verify"
	PermUsersManage    = "users.manage"
	PermSettingsEdit   = "settings.edit"
)

var BuiltinPermissions = []Permission{
	{Key: PermDashboardView, Description: "Open the overview dashboard"},
	{Key: PermTouristsView, Description: "List and inspect registered tourists"},
	{Key: PermTouristsEdit, Description: "Edit tourist records"},
	{Key: PermTouristsExport, Description: "Export tourist data"},
	{Key: PermAlertsView, Description: "View safety alerts"},
	{Key: PermAlertsCreate, Description: "Raise new alerts"},
	{Key: PermAlertsEdit, Description: "Edit alert details"},
	{Key: PermAlertsResolve, Description: "Resolve and close alerts"},
	{Key: PermAnalyticsView, Description: "View analytics reports"},
	{Key: PermIdentityView, Description: "Browse the identity ledger"},
	{Key: PermIdentityVerify, Description: "Verify identity ledger entries"},
	{Key: PermUsersManage, Description: "Manage dashboard operators"},
	{Key: PermSettingsEdit, Description: "Change system settings"},
}

// DefaultRolePermissions is the grant set the local credential backend
// issues per role when an account does not list its own permissions.
var DefaultRolePermissions = map[Role][]string{
	RoleViewer: {
		PermDashboardView, PermTouristsView, PermAlertsView,
	},
	RoleOperator: {
		PermDashboardView, PermTouristsView, PermAlertsView, PermAlertsCreate,
		PermAlertsEdit, PermAnalyticsView,
	},
	RolePoliceAdmin: {
		PermDashboardView, PermTouristsView, PermTouristsEdit, PermAlertsView,
		PermAlertsCreate, PermAlertsEdit, PermAlertsResolve, PermAnalyticsView,
		PermIdentityView, PermIdentityVerify,
	},
	RoleTourismAdmin: {
		PermDashboardView, PermTouristsView, PermTouristsEdit, PermTouristsExport,
		PermAlertsView, PermAnalyticsView, PermIdentityView,
	},
	RoleSuperAdmin: allPermissionKeys(),
}

func allPermissionKeys() []string {
	keys := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		keys = append(keys, p.Key)
	}
	return keys
}
