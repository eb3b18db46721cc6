package httpapi

import (
	"net/http"
	"strings"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/guard"
	"tourwatch.org/internal/session"
)

type sessionView struct {
	State  session.State         `json:"state"`
	Status session.SessionStatus `json:"status"`
}

type activityRequest struct {
	Signal string `json:"signal"`
}

type activityResponse struct {
	Recorded bool                  `json:"recorded"`
	Status   session.SessionStatus `json:"status"`
}

type extendResponse struct {
	Extended bool                  `json:"extended"`
	Status   session.SessionStatus `json:"status"`
}

type guardResponse struct {
	Surface  string         `json:"surface"`
	Path     string         `json:"path"`
	Decision guard.Decision `json:"decision"`
	Result   guard.Result   `json:"result"`
}

func (a *API) view() sessionView {
	return sessionView{State: a.store.Snapshot(), Status: a.store.Status()}
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
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
	if err := a.store.Login(r.Context(), req); err != nil {
		handleSessionError(w, r, err, a.store.Snapshot().Error)
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.store.Logout(r.Context()); err != nil {
		handleSessionError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleSessionRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.store.RefreshToken(r.Context()); err != nil {
		handleSessionError(w, r, err, a.store.Snapshot().Error)
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sig, ok := session.ParseSignal(req.Signal)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "untracked signal "+req.Signal)
		return
	}
	recorded := a.store.RecordActivity(sig)
	writeJSON(w, http.StatusOK, activityResponse{Recorded: recorded, Status: a.store.Status()})
}

func (a *API) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	extended := a.store.ExtendSession()
	writeJSON(w, http.StatusOK, extendResponse{Extended: extended, Status: a.store.Status()})
}

func (a *API) handleSessionProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	var req auth.ProfileUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.UpdateProfile(r.Context(), req); err != nil {
		handleSessionError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleSessionPreferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req auth.Preferences
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.UpdatePreferences(r.Context(), req); err != nil {
		handleSessionError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a.view())
}

func (a *API) handleClearError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	a.store.ClearError()
	writeJSON(w, http.StatusOK, a.view())
}

// handleGuard evaluates the surface registered for ?path= against the
// current session.
func (a *API) handleGuard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	location := strings.TrimSpace(r.URL.Query().Get("path"))
	if location == "" || !strings.HasPrefix(location, "/") {
		writeError(w, r, http.StatusBadRequest, "path must be an absolute dashboard path")
		return
	}
	surface, ok := a.surfaces.Match(location)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no surface registered for "+location)
		return
	}

	g := guard.New(surface, location, nil, guard.WithLogger(a.log))
	decision := g.Update(a.store.Snapshot())
	writeJSON(w, http.StatusOK, guardResponse{
		Surface:  surface.Name,
		Path:     surface.Path,
		Decision: decision,
		Result:   g.Result(),
	})
}

func (a *API) handleSurfaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.surfaces.Surfaces()})
}
