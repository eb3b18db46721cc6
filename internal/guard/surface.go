package guard

import (
	"errors"
	"fmt"
	"strings"

	"tourwatch.org/internal/auth"
)

// Surface is a protected page or action of the dashboard.
type Surface struct {
	Name string `json:"name" yaml:"name"`
	// Path may contain :param segments, e.g. /tourists/:id.
	Path                  string           `json:"path" yaml:"path"`
	Requirement           auth.Requirement `json:"requirement" yaml:"requirement"`
	AllowAnonymous        bool             `json:"allow_anonymous,omitempty" yaml:"allow_anonymous"`
	RedirectAuthenticated string           `json:"redirect_authenticated,omitempty" yaml:"redirect_authenticated"`
	Fallback              string           `json:"fallback,omitempty" yaml:"fallback"`
}

func (s Surface) fallback() string {
	if s.Fallback != "" {
		return s.Fallback
	}
	return DefaultFallbackPath
}

// DefaultSurfaces is the dashboard's page catalogue.
func DefaultSurfaces() []Surface {
	return []Surface{
		{Name: "login", Path: "/login", AllowAnonymous: true, RedirectAuthenticated: "/dashboard"},
		{Name: "unauthorized", Path: DefaultFallbackPath},
		{Name: "dashboard", Path: "/dashboard", Requirement: auth.Requirement{Permission: auth.PermDashboardView}},
		{Name: "tourists", Path: "/tourists", Requirement: auth.Requirement{Permission: auth.PermTouristsView}},
		{Name: "tourist", Path: "/tourists/:id", Requirement: auth.Requirement{Permission: auth.PermTouristsView}},
		{Name: "alerts", Path: "/alerts", Requirement: auth.Requirement{Permission: auth.PermAlertsView}},
		{
			Name:        "alert-new",
			Path:        "/alerts/new",
			Requirement: auth.Requirement{Permissions: []string{auth.PermAlertsCreate, auth.PermAlertsEdit}},
			Fallback:    "/alerts",
		},
		{Name: "analytics", Path: "/analytics", Requirement: auth.Requirement{Permission: auth.PermAnalyticsView}},
		{
			Name: "identity",
			Path: "/identity",
			Requirement: auth.Requirement{
				MinRole:    auth.RolePoliceAdmin,
				Permission: auth.PermIdentityView,
			},
		},
		{Name: "settings", Path: "/settings"},
		{
			Name:        "admin-users",
			Path:        "/admin/users",
			Requirement: auth.Requirement{Role: auth.RoleSuperAdmin, Permission: auth.PermUsersManage},
			Fallback:    "/dashboard",
		},
	}
}

// Registry resolves request paths to surfaces.
type Registry struct {
	surfaces []Surface
	segments [][]string
}

// NewRegistry validates surfaces and indexes them for Match.
func NewRegistry(surfaces []Surface) (*Registry, error) {
	r := &Registry{}
	seen := make(map[string]bool, len(surfaces))
	for _, s := range surfaces {
		if s.Name == "" {
			return nil, errors.New("guard: surface name is required")
		}
		if !strings.HasPrefix(s.Path, "/") {
			return nil, fmt.Errorf("guard: surface %s: path must start with /", s.Name)
		}
		if seen[s.Path] {
			return nil, fmt.Errorf("guard: duplicate surface path %s", s.Path)
		}
		for _, rl := range append([]auth.Role{s.Requirement.Role, s.Requirement.MinRole}, s.Requirement.AnyRole...) {
			if rl != "" && !rl.Valid() {
				return nil, fmt.Errorf("guard: surface %s: unknown role %q", s.Name, rl)
			}
		}
		seen[s.Path] = true
		r.surfaces = append(r.surfaces, s)
		r.segments = append(r.segments, split(s.Path))
	}
	return r, nil
}

// Surfaces returns the registered surfaces in registration order.
func (r *Registry) Surfaces() []Surface {
	out := make([]Surface, len(r.surfaces))
	copy(out, r.surfaces)
	return out
}

// Match returns the surface for path. Literal segments win over params.
func (r *Registry) Match(path string) (Surface, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	want := split(path)
	best, bestScore := -1, -1
	for i, pattern := range r.segments {
		score, ok := matchSegments(pattern, want)
		if ok && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return Surface{}, false
	}
	return r.surfaces[best], true
}

func matchSegments(pattern, path []string) (int, bool) {
	if len(pattern) != len(path) {
		return 0, false
	}
	literal := 0
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			if path[i] == "" {
				return 0, false
			}
			continue
		}
		if seg != path[i] {
			return 0, false
		}
		literal++
	}
	return literal, true
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
