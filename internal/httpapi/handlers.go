package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/guard"
	"tourwatch.org/internal/obs"
	"tourwatch.org/internal/session"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings every configured dependency.
type ReadyProbe struct {
	Checks []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, p := range rp.Checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Issuer is a credential backend able to check its own access tokens.
// backend.Local satisfies it.
type Issuer interface {
	session.Authenticator
	Verify(ctx context.Context, token string) (*auth.User, error)
}

// Options configures New. Store and Surfaces are required; Issuer enables
// the /v1/auth endpoints.
type Options struct {
	Version  string
	Ready    ReadyProbe
	Store    *session.Store
	Surfaces *guard.Registry
	Issuer   Issuer

	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *zap.Logger
}

// API is the dashboard's HTTP surface.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	store      *session.Store
	surfaces   *guard.Registry
	issuer     Issuer
	log        *zap.Logger

	origins    []string
	maxBody    int64
	ratePerSec float64
	rateBurst  int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.Ready,
		version:    opts.Version,
		store:      opts.Store,
		surfaces:   opts.Surfaces,
		issuer:     opts.Issuer,
		log:        opts.Logger,
		origins:    opts.AllowedOrigins,
		maxBody:    opts.MaxBodyBytes,
		ratePerSec: opts.RateLimit,
		rateBurst:  opts.RateBurst,
	}
	if a.log == nil {
		a.log = obs.Logger().Named("http")
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 10
	}
	a.routes()
	return a
}

func (a *API) routes() {
	limited := func(h http.HandlerFunc) http.Handler {
		return RateLimit(h, a.rateBurst, a.ratePerSec)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	if a.issuer != nil {
		a.mux.Handle("/v1/auth/login", limited(a.handleAuthLogin))
		a.mux.Handle("/v1/auth/refresh", limited(a.handleAuthRefresh))
		a.mux.Handle("/v1/auth/me", a.withBearer(http.HandlerFunc(a.handleAuthMe)))
		a.mux.Handle("/v1/auth/permissions",
			a.withBearer(RequirePermission(auth.PermUsersManage)(http.HandlerFunc(a.handlePermissionCatalogue))))
	}

	a.mux.HandleFunc("/v1/session", a.handleSession)
	a.mux.Handle("/v1/session/login", limited(a.handleSessionLogin))
	a.mux.HandleFunc("/v1/session/logout", a.handleSessionLogout)
	a.mux.Handle("/v1/session/refresh", limited(a.handleSessionRefresh))
	a.mux.HandleFunc("/v1/session/activity", a.handleSessionActivity)
	a.mux.HandleFunc("/v1/session/extend", a.handleSessionExtend)
	a.mux.HandleFunc("/v1/session/profile", a.handleSessionProfile)
	a.mux.HandleFunc("/v1/session/preferences", a.handleSessionPreferences)
	a.mux.HandleFunc("/v1/session/error", a.handleClearError)
	a.mux.HandleFunc("/v1/session/events", a.Stream)

	a.mux.HandleFunc("/v1/guard", a.handleGuard)
	a.mux.HandleFunc("/v1/surfaces", a.handleSurfaces)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.origins)
	h = SecurityHeaders(h)
	h = Logging(h, a.log)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tourwatch-dashboard",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	cfg := a.store.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tourwatch-dashboard",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"session": map[string]any{
			"timeout_seconds":       int(cfg.SessionTimeout.Seconds()),
			"inactivity_seconds":    int(cfg.Inactivity.Seconds()),
			"expiring_soon_seconds": int(cfg.ExpiringSoon.Seconds()),
			"max_attempts":          cfg.MaxAttempts,
			"lockout_seconds":       int(cfg.Lockout.Seconds()),
			"tracked_signals":       session.TrackedSignals,
		},
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
