package session

import (
	"context"

	"tourwatch.org/internal/auth"
)

// Authenticator is the credential backend. The store only records the
// outcome of its checks.
type Authenticator interface {
	Authenticate(ctx context.Context, creds auth.Credentials) (auth.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (auth.Grant, error)
}

// CredentialStore persists the current grant between restarts. Load
// returns ErrNoCredentials when nothing is stored.
type CredentialStore interface {
	Load(ctx context.Context) (auth.Grant, error)
	Save(ctx context.Context, g auth.Grant) error
	Clear(ctx context.Context) error
}

type nopCredentials struct{}

func (nopCredentials) Load(context.Context) (auth.Grant, error) { return auth.Grant{}, ErrNoCredentials }
func (nopCredentials) Save(context.Context, auth.Grant) error { return nil }
func (nopCredentials) Clear(context.Context) error { return nil }
