package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/backend"
	"tourwatch.org/internal/clock"
	"tourwatch.org/internal/credstore"
	"tourwatch.org/internal/guard"
	"tourwatch.org/internal/session"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *session.Store
	clock   *clock.FakeClock
	issuer  *backend.Local
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	clk := clock.Fake(epoch)
	issuer, err := backend.NewLocal("test-secret", []backend.Account{
		{ID: "op-1", Email: "op@tourwatch.org", Role: auth.RoleOperator, Password: "s3cret"},
		{ID: "sa-1", Email: "root@tourwatch.org", Role: auth.RoleSuperAdmin, Password: "s3cret"},
		{ID: "off-1", Email: "gone@tourwatch.org", Role: auth.RoleViewer, Password: "s3cret", Status: auth.StatusDisabled},
	}, backend.WithClock(clk.Now), backend.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	store := session.NewStore(session.DefaultConfig(), issuer,
		credstore.NewCredentials(credstore.NewMemory(), ""), session.WithClock(clk))
	t.Cleanup(func() { _ = store.Close() })
	store.InitializeAuth(context.Background())

	reg, err := guard.NewRegistry(guard.DefaultSurfaces())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	api := New(Options{
		Version:   "test",
		Store:     store,
		Surfaces:  reg,
		Issuer:    issuer,
		RateLimit: 100,
		RateBurst: 100,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		clock:   clk,
		issuer:  issuer,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, nil)
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, nil)
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("expected %d, got %d: %v", want, resp.StatusCode, body)
	}
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
	health := decodeBody[map[string]any](t, resp)
	if health["version"] != "test" {
		t.Fatalf("unexpected health: %v", health)
	}

	info := decodeBody[map[string]any](t, c.get("/v1/info", nil))
	sess, _ := info["session"].(map[string]any)
	if sess["max_attempts"] != float64(5) || sess["timeout_seconds"] != float64(1800) {
		t.Fatalf("unexpected session info: %v", sess)
	}

	expectStatus(t, c.get("/readyz", nil), http.StatusOK)
	expectStatus(t, c.get("/nope", nil), http.StatusNotFound)
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("db down") }

func TestReadyReportsFailingDependency(t *testing.T) {
	store := session.NewStore(session.DefaultConfig(), nil, nil)
	t.Cleanup(func() { _ = store.Close() })
	reg, _ := guard.NewRegistry(guard.DefaultSurfaces())
	api := New(Options{Store: store, Surfaces: reg, Ready: ReadyProbe{Checks: []Pinger{failingPinger{}}}})

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected dependency error in body: %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("credential routes need an issuer, got %d", rr.Code)
	}
}

func TestSessionLoginLifecycle(t *testing.T) {
	c := newTestAPI(t)

	v := decodeBody[sessionView](t, c.get("/v1/session", nil))
	if v.State.IsAuthenticated || !v.State.IsInitialized {
		t.Fatalf("expected initialized signed-out state: %+v", v.State)
	}

	resp := c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusOK)
	v = decodeBody[sessionView](t, resp)
	if !v.State.IsAuthenticated || v.State.User == nil || v.State.User.ID != "op-1" {
		t.Fatalf("unexpected state after login: %+v", v.State)
	}
	if v.Status.Display != "30:00" || v.Status.ExpiringSoon {
		t.Fatalf("unexpected status after login: %+v", v.Status)
	}

	raw := c.get("/v1/session", nil)
	defer raw.Body.Close()
	var generic map[string]map[string]any
	if err := json.NewDecoder(raw.Body).Decode(&generic); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"token", "refresh_token", "Token", "RefreshToken"} {
		if _, leaked := generic["state"][k]; leaked {
			t.Fatalf("session view must not expose %s", k)
		}
	}

	c.clock.Advance(26 * time.Minute)
	v = decodeBody[sessionView](t, c.get("/v1/session", nil))
	if !v.Status.ExpiringSoon || v.Status.Display != "4:00" {
		t.Fatalf("expected expiring soon at 4:00, got %+v", v.Status)
	}

	ext := decodeBody[extendResponse](t, c.post("/v1/session/extend", nil))
	if !ext.Extended || ext.Status.Display != "30:00" {
		t.Fatalf("extend must reset the countdown: %+v", ext)
	}

	resp = c.post("/v1/session/refresh", nil)
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = c.post("/v1/session/logout", nil)
	expectStatus(t, resp, http.StatusOK)
	v = decodeBody[sessionView](t, resp)
	if v.State.IsAuthenticated || v.State.User != nil {
		t.Fatalf("logout must clear the actor: %+v", v.State)
	}
	ext = decodeBody[extendResponse](t, c.post("/v1/session/extend", nil))
	if ext.Extended {
		t.Fatalf("extend must be a no-op when signed out")
	}
}

func TestSessionLoginFailuresAndLockout(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/session/login", auth.Credentials{Email: "gone@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	for i := 1; i <= 4; i++ {
		resp := c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "wrong"})
		expectStatus(t, resp, http.StatusUnauthorized)
		body := decodeBody[map[string]any](t, resp)
		if !strings.Contains(body["error"].(string), "attempt(s) remaining") {
			t.Fatalf("attempt %d: unexpected message %v", i, body["error"])
		}
		if body["request_id"] == "" {
			t.Fatalf("expected request_id in error body")
		}
	}

	resp = c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "wrong"})
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decodeBody[map[string]any](t, resp)
	if !strings.Contains(body["error"].(string), "15 minute") {
		t.Fatalf("fifth failure must report the lockout: %v", body["error"])
	}

	resp = c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusLocked)
	if resp.Header.Get("Retry-After") != "900" {
		t.Fatalf("unexpected Retry-After: %q", resp.Header.Get("Retry-After"))
	}
	_ = resp.Body.Close()

	v := decodeBody[sessionView](t, c.get("/v1/session", nil))
	if !v.State.IsLocked || v.Status.LockoutMinutes != 15 || v.Status.AttemptsRemaining != 0 {
		t.Fatalf("unexpected locked view: %+v %+v", v.State, v.Status)
	}

	c.clock.Advance(15 * time.Minute)
	resp = c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = c.do(http.MethodDelete, "/v1/session/error", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if v := decodeBody[sessionView](t, resp); v.State.Error != "" || v.State.LoginAttempts != 0 {
		t.Fatalf("expected clean state: %+v", v.State)
	}
}

func TestSessionRequestValidation(t *testing.T) {
	c := newTestAPI(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"login missing password", http.MethodPost, "/v1/session/login", map[string]string{"email": "op@tourwatch.org"}, http.StatusBadRequest},
		{"login unknown field", http.MethodPost, "/v1/session/login", map[string]string{"user": "x"}, http.StatusBadRequest},
		{"login wrong method", http.MethodGet, "/v1/session/login", nil, http.StatusMethodNotAllowed},
		{"activity untracked", http.MethodPost, "/v1/session/activity", activityRequest{Signal: "hover"}, http.StatusBadRequest},
		{"profile signed out", http.MethodPatch, "/v1/session/profile", map[string]string{"name": "A"}, http.StatusUnauthorized},
		{"preferences signed out", http.MethodPut, "/v1/session/preferences", auth.Preferences{Theme: "dark"}, http.StatusUnauthorized},
		{"refresh signed out", http.MethodPost, "/v1/session/refresh", nil, http.StatusUnauthorized},
		{"guard without path", http.MethodGet, "/v1/guard", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := c.do(tc.method, tc.path, tc.body, nil)
			expectStatus(t, resp, tc.want)
			_ = resp.Body.Close()
		})
	}
}

func TestSessionActivityAndProfile(t *testing.T) {
	c := newTestAPI(t)
	expectStatus(t, c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"}), http.StatusOK)

	c.clock.Advance(10 * time.Minute)
	act := decodeBody[activityResponse](t, c.post("/v1/session/activity", activityRequest{Signal: "KeyPress"}))
	if !act.Recorded || act.Status.Display != "30:00" || !act.Status.Active {
		t.Fatalf("activity must extend the session: %+v", act)
	}

	name := "Asel Nurlanovna"
	resp := c.do(http.MethodPatch, "/v1/session/profile", auth.ProfileUpdate{Name: &name}, nil)
	expectStatus(t, resp, http.StatusOK)
	if v := decodeBody[sessionView](t, resp); v.State.User.Name != name {
		t.Fatalf("profile not applied: %+v", v.State.User)
	}

	resp = c.do(http.MethodPut, "/v1/session/preferences", auth.Preferences{Language: "kk", Theme: "dark", Notifications: true}, nil)
	expectStatus(t, resp, http.StatusOK)
	if v := decodeBody[sessionView](t, resp); v.State.User.Preferences.Language != "kk" {
		t.Fatalf("preferences not applied: %+v", v.State.User.Preferences)
	}

	empty := " "
	resp = c.do(http.MethodPatch, "/v1/session/profile", auth.ProfileUpdate{Email: &empty}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()
}

func TestGuardEndpoint(t *testing.T) {
	c := newTestAPI(t)

	check := func(path string) guardResponse {
		t.Helper()
		resp := c.get("/v1/guard", url.Values{"path": {path}})
		expectStatus(t, resp, http.StatusOK)
		return decodeBody[guardResponse](t, resp)
	}

	g := check("/tourists?page=2")
	if g.Surface != "tourists" || g.Decision.Verdict != guard.VerdictDeny {
		t.Fatalf("signed-out visitor must be denied: %+v", g)
	}
	if g.Decision.Redirect != "/login?returnTo=%2Ftourists%3Fpage%3D2" {
		t.Fatalf("unexpected redirect: %s", g.Decision.Redirect)
	}
	if g := check("/login"); g.Decision.Verdict != guard.VerdictAllow {
		t.Fatalf("login page must be open to anonymous visitors: %+v", g)
	}

	expectStatus(t, c.post("/v1/session/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"}), http.StatusOK)

	if g := check("/tourists/42"); g.Surface != "tourist" || g.Decision.Verdict != guard.VerdictAllow {
		t.Fatalf("operator may view a tourist: %+v", g)
	}
	if g := check("/identity"); g.Decision.Verdict != guard.VerdictDeny || g.Decision.Redirect != guard.DefaultFallbackPath {
		t.Fatalf("operator must be sent to the fallback: %+v", g)
	}
	if g := check("/login"); g.Decision.Redirect != "/dashboard" {
		t.Fatalf("signed-in operator must leave the login page: %+v", g)
	}

	resp := c.get("/v1/guard", url.Values{"path": {"/nowhere"}})
	expectStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()

	list := decodeBody[map[string][]guard.Surface](t, c.get("/v1/surfaces", nil))
	if len(list["items"]) != len(guard.DefaultSurfaces()) {
		t.Fatalf("unexpected surfaces: %d", len(list["items"]))
	}
}

func TestCredentialEndpoints(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/login", auth.Credentials{Email: "root@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusOK)
	grant := decodeBody[auth.Grant](t, resp)
	if grant.Token == "" || grant.RefreshToken == "" || grant.User.Role != auth.RoleSuperAdmin {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	bearerHeader := map[string]string{"Authorization": "Bearer " + grant.Token}
	resp = c.do(http.MethodGet, "/v1/auth/me", nil, bearerHeader)
	expectStatus(t, resp, http.StatusOK)
	if me := decodeBody[auth.User](t, resp); me.ID != "sa-1" {
		t.Fatalf("unexpected me: %+v", me)
	}

	resp = c.do(http.MethodGet, "/v1/auth/permissions", nil, bearerHeader)
	expectStatus(t, resp, http.StatusOK)
	cat := decodeBody[permissionCatalogue](t, resp)
	if len(cat.Permissions) != len(auth.BuiltinPermissions) || cat.Hierarchy[auth.RoleSuperAdmin] != 4 {
		t.Fatalf("unexpected catalogue: %+v", cat)
	}

	resp = c.post("/v1/auth/refresh", refreshRequest{RefreshToken: grant.RefreshToken})
	expectStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
	resp = c.post("/v1/auth/refresh", refreshRequest{RefreshToken: grant.RefreshToken})
	expectStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/auth/me", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	_ = resp.Body.Close()

	resp = c.do(http.MethodGet, "/v1/auth/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	expectStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	op := decodeBody[auth.Grant](t, c.post("/v1/auth/login", auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"}))
	resp = c.do(http.MethodGet, "/v1/auth/permissions", nil, map[string]string{"Authorization": "Bearer " + op.Token})
	expectStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	resp = c.post("/v1/auth/login", auth.Credentials{Email: "gone@tourwatch.org", Password: "s3cret"})
	expectStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()
}

func TestRemoteBackendAgainstCredentialEndpoints(t *testing.T) {
	c := newTestAPI(t)

	remote, err := backend.NewRemote(c.baseURL, c.client)
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	grant, err := remote.Authenticate(context.Background(), auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := c.issuer.Verify(context.Background(), grant.Token); err != nil {
		t.Fatalf("remote grant must verify locally: %v", err)
	}
	if _, err := remote.Authenticate(context.Background(), auth.Credentials{Email: "op@tourwatch.org", Password: "bad"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestSessionEventsStream(t *testing.T) {
	c := newTestAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/session/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	type frame struct {
		event string
		data  []byte
	}
	frames := make(chan frame, 16)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		event := ""
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frames <- frame{event: event, data: []byte(strings.TrimPrefix(line, "data: "))}
				event = ""
			}
		}
	}()

	next := func() frame {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed early")
			}
			return f
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event")
		}
		return frame{}
	}
	nextSession := func() sessionView {
		t.Helper()
		for {
			f := next()
			if f.event != "session" {
				continue
			}
			var v sessionView
			if err := json.Unmarshal(f.data, &v); err != nil {
				t.Fatalf("decode session event: %v", err)
			}
			return v
		}
	}

	first := nextSession()
	if first.State.IsAuthenticated {
		t.Fatalf("first event must be the signed-out snapshot")
	}

	go func() {
		_ = c.store.Login(context.Background(), auth.Credentials{Email: "op@tourwatch.org", Password: "s3cret"})
	}()
	last := first.State.Version
	for {
		v := nextSession()
		if v.State.Version <= last {
			t.Fatalf("versions must increase: %d after %d", v.State.Version, last)
		}
		last = v.State.Version
		if v.State.IsAuthenticated {
			break
		}
	}

	// The session timers are armed just after the signed-in snapshot goes out.
	deadline := time.Now().Add(5 * time.Second)
	for c.clock.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("session timers never armed")
		}
		time.Sleep(time.Millisecond)
	}
	c.clock.Advance(time.Second)

	for {
		f := next()
		if f.event != "status" {
			continue
		}
		var st session.SessionStatus
		if err := json.Unmarshal(f.data, &st); err != nil {
			t.Fatalf("decode status event: %v", err)
		}
		if !st.Authenticated || st.Display != "29:59" || st.ExpiringSoon {
			t.Fatalf("unexpected tick status %+v", st)
		}
		break
	}
}
