package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tourwatch.org/internal/audit"
	"tourwatch.org/internal/auth"
)

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type permissionCatalogue struct {
	Permissions []auth.Permission      `json:"permissions"`
	Roles       map[auth.Role][]string `json:"roles"`
	Hierarchy   map[auth.Role]int      `json:"hierarchy"`
}

// handleAuthLogin issues a grant from the local credential backend. It is
// the endpoint backend.Remote talks to.
func (a *API) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req auth.Credentials
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	grant, err := a.issuer.Authenticate(r.Context(), req)
	if err != nil {
		handleSessionError(w, r, err, "")
		return
	}

	_ = audit.LogEvent(auth.ContextWithUser(r.Context(), grant.User), audit.EventTokenIssued, map[string]any{
		"role":       string(grant.User.Role),
		"expires_at": formatTime(grant.ExpiresAt),
	})
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	grant, err := a.issuer.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleSessionError(w, r, err, "")
		return
	}

	_ = audit.LogEvent(auth.ContextWithUser(r.Context(), grant.User), audit.EventTokenRefreshed, map[string]any{
		"expires_at": formatTime(grant.ExpiresAt),
	})
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	u, ok := auth.UserFromContext(r.Context())
	if !ok {
		handleSessionError(w, r, errors.New("no user on authenticated request"), "")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handlePermissionCatalogue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	hierarchy := make(map[auth.Role]int, len(auth.Roles))
	for _, role := range auth.Roles {
		hierarchy[role] = role.Rank()
	}
	writeJSON(w, http.StatusOK, permissionCatalogue{
		Permissions: auth.BuiltinPermissions,
		Roles:       auth.DefaultRolePermissions,
		Hierarchy:   hierarchy,
	})
}
