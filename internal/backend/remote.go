package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/obs"
)

const (
	loginPath   = "/v1/auth/login"
	refreshPath = "/v1/auth/refresh"

	maxResponseBytes = 1 << 20
)

// ErrUnavailable is returned when the remote backend answers with an
// unexpected status or cannot be reached.
var ErrUnavailable = errors.New("backend: credential service unavailable")

// Remote authenticates against another dashboard instance's credential
// endpoints.
type Remote struct {
	base   *url.URL
	client *http.Client
	log    *zap.Logger
}

// NewRemote builds a client for baseURL. A nil client gets a 10s timeout.
func NewRemote(baseURL string, client *http.Client) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("backend: remote url %q must be absolute http(s)", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{base: u, client: client, log: obs.Logger().Named("backend.remote")}, nil
}

func (r *Remote) Authenticate(ctx context.Context, creds auth.Credentials) (auth.Grant, error) {
	grant, status, err := r.post(ctx, loginPath, creds)
	if err != nil {
		return auth.Grant{}, err
	}
	switch status {
	case http.StatusOK:
		return grant, nil
	case http.StatusUnauthorized, http.StatusBadRequest:
		return auth.Grant{}, auth.ErrInvalidCredentials
	case http.StatusForbidden:
		return auth.Grant{}, auth.ErrAccountInactive
	default:
		return auth.Grant{}, fmt.Errorf("%w: login returned %d", ErrUnavailable, status)
	}
}

func (r *Remote) Refresh(ctx context.Context, refreshToken string) (auth.Grant, error) {
	body := map[string]string{"refresh_token": refreshToken}
	grant, status, err := r.post(ctx, refreshPath, body)
	if err != nil {
		return auth.Grant{}, err
	}
	switch status {
	case http.StatusOK:
		return grant, nil
	case http.StatusUnauthorized, http.StatusBadRequest:
		return auth.Grant{}, auth.ErrInvalidToken
	case http.StatusForbidden:
		return auth.Grant{}, auth.ErrAccountInactive
	default:
		return auth.Grant{}, fmt.Errorf("%w: refresh returned %d", ErrUnavailable, status)
	}
}

func (r *Remote) post(ctx context.Context, path string, payload any) (auth.Grant, int, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return auth.Grant{}, 0, err
	}
	endpoint := r.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return auth.Grant{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return auth.Grant{}, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return auth.Grant{}, 0, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		r.log.Debug("credential request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", errorMessage(data)))
		return auth.Grant{}, resp.StatusCode, nil
	}

	var grant auth.Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return auth.Grant{}, 0, fmt.Errorf("%w: decode grant: %v", ErrUnavailable, err)
	}
	if grant.Token == "" || grant.User == nil {
		return auth.Grant{}, 0, fmt.Errorf("%w: incomplete grant", ErrUnavailable)
	}
	return grant, resp.StatusCode, nil
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		return body.Error
	}
	return ""
}
