package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tourwatch.org/internal/auth"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func newTestLocal(t *testing.T, clk *manualClock) *Local {
	t.Helper()
	l, err := NewLocal("test-secret", []Account{
		{ID: "op-1", Email: "Operator@TourWatch.org", Name: "Asel", Role: auth.RoleOperator, Password: "s3cret"},
		{ID: "pa-1", Email: "police@tourwatch.org", Role: auth.RolePoliceAdmin, Password: "s3cret", Status: auth.StatusSuspended},
	}, WithClock(clk.Now), WithBcryptCost(bcrypt.MinCost), WithAccessTTL(15*time.Minute), WithRefreshTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestLocalAuthenticate(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)
	ctx := context.Background()

	grant, err := l.Authenticate(ctx, auth.Credentials{Email: " operator@tourwatch.org ", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if grant.Token == "" || grant.RefreshToken == "" {
		t.Fatalf("grant must carry both tokens: %+v", grant)
	}
	if !grant.ExpiresAt.Equal(epoch.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry: %v", grant.ExpiresAt)
	}
	if got, ok := auth.TokenExpiry(grant.Token); !ok || !got.Equal(grant.ExpiresAt) {
		t.Fatalf("token exp %v does not match grant %v", got, grant.ExpiresAt)
	}
	u := grant.User
	if u.ID != "op-1" || u.Email != "operator@tourwatch.org" || u.Role != auth.RoleOperator {
		t.Fatalf("unexpected user: %+v", u)
	}
	if !u.LastLogin.Equal(epoch) {
		t.Fatalf("last login not stamped: %v", u.LastLogin)
	}
	if len(u.Permissions) != len(auth.DefaultRolePermissions[auth.RoleOperator]) {
		t.Fatalf("operator must get default permissions, got %v", u.Permissions)
	}

	if _, err := l.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "nope"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := l.Authenticate(ctx, auth.Credentials{Email: "ghost@tourwatch.org", Password: "s3cret"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v", err)
	}
	if _, err := l.Authenticate(ctx, auth.Credentials{Email: "police@tourwatch.org", Password: "s3cret"}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("suspended account: %v", err)
	}
	if _, err := l.Authenticate(ctx, auth.Credentials{Email: "police@tourwatch.org", Password: "bad"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("suspended account with wrong password must not reveal status: %v", err)
	}
}

func TestLocalAuthenticateConcurrentStatusChange(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Authenticate(ctx, auth.Credentials{Email: "police@tourwatch.org", Password: "s3cret"})
			if err != nil && !errors.Is(err, auth.ErrAccountInactive) {
				t.Errorf("Authenticate: %v", err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			status := auth.StatusActive
			if i%2 == 0 {
				status = auth.StatusSuspended
			}
			if err := l.SetStatus("police@tourwatch.org", status); err != nil {
				t.Errorf("SetStatus: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if err := l.SetStatus("police@tourwatch.org", auth.StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := l.Authenticate(ctx, auth.Credentials{Email: "police@tourwatch.org", Password: "s3cret"}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("suspended after the race: %v", err)
	}
}

func TestLocalVerify(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)
	ctx := context.Background()

	grant, err := l.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	u, err := l.Verify(ctx, grant.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if u.ID != "op-1" {
		t.Fatalf("unexpected subject: %s", u.ID)
	}

	other, err := NewLocal("other-secret", nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if _, err := other.Verify(ctx, grant.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("foreign signature must fail: %v", err)
	}

	clk.now = epoch.Add(16 * time.Minute)
	if _, err := l.Verify(ctx, grant.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired token must fail: %v", err)
	}

	clk.now = epoch
	if err := l.SetStatus("operator@tourwatch.org", auth.StatusDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := l.Verify(ctx, grant.Token); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("disabled account must fail verify: %v", err)
	}
}

func TestLocalRefreshRotates(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)
	ctx := context.Background()

	first, err := l.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	clk.now = epoch.Add(10 * time.Minute)
	second, err := l.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.Token == first.Token {
		t.Fatalf("refresh must rotate both tokens")
	}
	if !second.ExpiresAt.Equal(clk.now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected refreshed expiry: %v", second.ExpiresAt)
	}
	if _, err := l.Refresh(ctx, first.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("rotated token must be revoked: %v", err)
	}

	clk.now = epoch.Add(2 * time.Hour)
	if _, err := l.Refresh(ctx, second.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired refresh token must fail: %v", err)
	}
}

func TestLocalRefreshRejectsTampering(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)
	ctx := context.Background()

	grant, err := l.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	id := strings.SplitN(grant.RefreshToken, ".", 2)[0]
	if _, err := l.Refresh(ctx, id+".forged"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("forged secret must fail: %v", err)
	}
	if _, err := l.Refresh(ctx, grant.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("mismatch must revoke the genuine token too: %v", err)
	}
	for _, raw := range []string{"", "no-dot", ".x", "x."} {
		if _, err := l.Refresh(ctx, raw); !errors.Is(err, auth.ErrInvalidToken) {
			t.Fatalf("Refresh(%q): %v", raw, err)
		}
	}
}

func TestNewLocalValidatesAccounts(t *testing.T) {
	if _, err := NewLocal("", nil); err == nil {
		t.Fatalf("empty secret must fail")
	}
	cases := []Account{
		{Email: "", Role: auth.RoleViewer, Password: "x"},
		{Email: "a@b.c", Role: "root", Password: "x"},
		{Email: "a@b.c", Role: auth.RoleViewer},
	}
	for _, acc := range cases {
		if _, err := NewLocal("k", []Account{acc}, WithBcryptCost(bcrypt.MinCost)); err == nil {
			t.Fatalf("account %+v must be rejected", acc)
		}
	}
	dup := []Account{
		{Email: "a@b.c", Role: auth.RoleViewer, Password: "x"},
		{Email: "A@B.C", Role: auth.RoleViewer, Password: "y"},
	}
	if _, err := NewLocal("k", dup, WithBcryptCost(bcrypt.MinCost)); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("duplicate email must be rejected: %v", err)
	}
}

func TestRemoteMapsStatuses(t *testing.T) {
	clk := &manualClock{now: epoch}
	l := newTestLocal(t, clk)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var (
			grant auth.Grant
			err   error
		)
		switch r.URL.Path {
		case loginPath:
			var creds auth.Credentials
			_ = json.NewDecoder(r.Body).Decode(&creds)
			if creds.Email == "boom@tourwatch.org" {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			grant, err = l.Authenticate(r.Context(), creds)
		case refreshPath:
			var body struct {
				RefreshToken string `json:"refresh_token"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			grant, err = l.Refresh(r.Context(), body.RefreshToken)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch {
		case errors.Is(err, auth.ErrAccountInactive):
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"inactive"}`))
		case err != nil:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		default:
			_ = json.NewEncoder(w).Encode(grant)
		}
	}))
	defer srv.Close()

	r, err := NewRemote(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	ctx := context.Background()

	grant, err := r.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if grant.User == nil || grant.User.ID != "op-1" || grant.Token == "" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if _, err := r.Authenticate(ctx, auth.Credentials{Email: "operator@tourwatch.org", Password: "bad"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("401 must map to invalid credentials: %v", err)
	}
	if _, err := r.Authenticate(ctx, auth.Credentials{Email: "police@tourwatch.org", Password: "s3cret"}); !errors.Is(err, auth.ErrAccountInactive) {
		t.Fatalf("403 must map to inactive: %v", err)
	}
	if _, err := r.Authenticate(ctx, auth.Credentials{Email: "boom@tourwatch.org", Password: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("502 must map to unavailable: %v", err)
	}

	rotated, err := r.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == grant.RefreshToken {
		t.Fatalf("refresh must rotate")
	}
	if _, err := r.Refresh(ctx, grant.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reused refresh token must map to invalid token: %v", err)
	}
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	r, err := NewRemote(base, nil)
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	if _, err := r.Authenticate(context.Background(), auth.Credentials{Email: "a@b.c", Password: "x"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("closed server must map to unavailable: %v", err)
	}
	for _, bad := range []string{"", "ftp://host", "/relative"} {
		if _, err := NewRemote(bad, nil); err == nil {
			t.Fatalf("NewRemote(%q) must fail", bad)
		}
	}
}
