package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/session"
)

// DefaultKey is where the dashboard keeps its grant.
const DefaultKey = "dashboard/session"

// Credentials stores one JSON-encoded grant under a fixed key.
type Credentials struct {
	kv  KV
	key string
}

var _ session.CredentialStore = (*Credentials)(nil)

// NewCredentials wraps kv; an empty key means DefaultKey.
func NewCredentials(kv KV, key string) *Credentials {
	if key == "" {
		key = DefaultKey
	}
	return &Credentials{kv: kv, key: key}
}

func (c *Credentials) Load(ctx context.Context) (auth.Grant, error) {
	raw, err := c.kv.Get(ctx, c.key)
	if errors.Is(err, ErrNotFound) {
		return auth.Grant{}, session.ErrNoCredentials
	}
	if err != nil {
		return auth.Grant{}, fmt.Errorf("credstore: load: %w", err)
	}
	var g auth.Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return auth.Grant{}, fmt.Errorf("credstore: decode grant: %w", err)
	}
	return g, nil
}

func (c *Credentials) Save(ctx context.Context, g auth.Grant) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if err := c.kv.Put(ctx, c.key, raw); err != nil {
		return fmt.Errorf("credstore: save: %w", err)
	}
	return nil
}

func (c *Credentials) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, c.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("credstore: clear: %w", err)
	}
	return nil
}
