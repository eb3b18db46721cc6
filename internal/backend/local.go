// Package backend issues and checks dashboard credentials. Local keeps
// accounts in memory and mints HS256 access tokens with rotating refresh
// tokens; Remote calls another dashboard's credential endpoints.
package backend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/ids"
	"tourwatch.org/internal/obs"
)

const (
	defaultIssuer     = "tourwatch"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Account is a dashboard operator known to the local backend. Password is
// hashed with bcrypt when PasswordHash is empty.
type Account struct {
	ID           string    `yaml:"id"`
	Email        string    `yaml:"email"`
	Name         string    `yaml:"name"`
	Role         auth.Role `yaml:"role"`
	Permissions  []string  `yaml:"permissions"`
	Status       string    `yaml:"status"`
	Department   string    `yaml:"department"`
	PasswordHash string    `yaml:"password_hash"`
	Password     string    `yaml:"password"`
}

type refreshRecord struct {
	userID    string
	tokenHash string
	expiresAt time.Time
	revoked   bool
}

type accessClaims struct {
	Email       string    `json:"email"`
	Role        auth.Role `json:"role"`
	Permissions []string  `json:"perms"`
	jwt.RegisteredClaims
}

// Option configures Local.
type Option func(*Local)

func WithIssuer(issuer string) Option {
	return func(l *Local) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			l.issuer = issuer
		}
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(l *Local) {
		if ttl > 0 {
			l.accessTTL = ttl
		}
	}
}

func WithRefreshTTL(ttl time.Duration) Option {
	return func(l *Local) {
		if ttl > 0 {
			l.refreshTTL = ttl
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Local) {
		if fn != nil {
			l.now = fn
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Local) {
		if log != nil {
			l.log = log
		}
	}
}

// WithBcryptCost sets the cost used to hash plain-text seed passwords.
func WithBcryptCost(cost int) Option {
	return func(l *Local) { l.bcryptCost = cost }
}

// Local is an in-memory credential backend.
type Local struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	bcryptCost int
	now        func() time.Time
	log        *zap.Logger

	mu       sync.Mutex
	byEmail  map[string]*Account
	byID     map[string]*Account
	lastSeen map[string]time.Time
	refresh  map[string]*refreshRecord
}

// NewLocal validates accounts and prepares the signing key.
func NewLocal(secret string, accounts []Account, opts ...Option) (*Local, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("backend: jwt secret is required")
	}
	l := &Local{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		log:        obs.Logger().Named("backend"),
		byEmail:    make(map[string]*Account),
		byID:       make(map[string]*Account),
		lastSeen:   make(map[string]time.Time),
		refresh:    make(map[string]*refreshRecord),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range accounts {
		if err := l.addAccount(accounts[i]); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *Local) addAccount(a Account) error {
	a.Email = normalizeEmail(a.Email)
	if a.Email == "" {
		return fmt.Errorf("%w: account email is required", auth.ErrInvalidInput)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: account %s has unknown role %q", auth.ErrInvalidInput, a.Email, a.Role)
	}
	if a.Status == "" {
		a.Status = auth.StatusActive
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.PasswordHash == "" {
		hash, err := auth.HashPassword(a.Password, l.bcryptCost)
		if err != nil {
			return fmt.Errorf("account %s: %w", a.Email, err)
		}
		a.PasswordHash = hash
	}
	a.Password = ""
	if len(a.Permissions) == 0 {
		a.Permissions = append([]string(nil), auth.DefaultRolePermissions[a.Role]...)
	}
	if _, dup := l.byEmail[a.Email]; dup {
		return fmt.Errorf("%w: duplicate account %s", auth.ErrInvalidInput, a.Email)
	}
	acc := a
	l.byEmail[a.Email] = &acc
	l.byID[a.ID] = &acc
	return nil
}

// Authenticate checks the password and issues a fresh grant.
func (l *Local) Authenticate(ctx context.Context, creds auth.Credentials) (auth.Grant, error) {
	email := normalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return auth.Grant{}, auth.ErrInvalidCredentials
	}
	l.mu.Lock()
	acc, ok := l.byEmail[email]
	var hash string
	if ok {
		hash = acc.PasswordHash
	}
	l.mu.Unlock()
	if !ok {
		return auth.Grant{}, auth.ErrInvalidCredentials
	}
	// bcrypt runs without l.mu held.
	if err := auth.VerifyPassword(hash, creds.Password); err != nil {
		return auth.Grant{}, auth.ErrInvalidCredentials
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if acc.Status != auth.StatusActive {
		return auth.Grant{}, auth.ErrAccountInactive
	}
	now := l.now()
	l.lastSeen[acc.ID] = now
	return l.mintLocked(acc, now)
}

// Refresh rotates refreshToken. A token whose secret does not match is
// revoked.
func (l *Local) Refresh(ctx context.Context, refreshToken string) (auth.Grant, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return auth.Grant{}, auth.ErrInvalidToken
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rec, ok := l.refresh[tokenID]
	if !ok || rec.revoked || !now.Before(rec.expiresAt) {
		return auth.Grant{}, auth.ErrInvalidToken
	}
	if !secureCompareHash(rec.tokenHash, secret) {
		rec.revoked = true
		l.log.Warn("refresh token secret mismatch", zap.String("token_id", tokenID))
		return auth.Grant{}, auth.ErrInvalidToken
	}
	acc, ok := l.byID[rec.userID]
	if !ok {
		return auth.Grant{}, auth.ErrInvalidToken
	}
	if acc.Status != auth.StatusActive {
		return auth.Grant{}, auth.ErrAccountInactive
	}

	// Rotate refresh token: revoke old, issue new pair
	rec.revoked = true
	return l.mintLocked(acc, now)
}

// Verify checks an access token and returns its user.
func (l *Local) Verify(ctx context.Context, token string) (*auth.User, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(l.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.byID[claims.Subject]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	if acc.Status != auth.StatusActive {
		return nil, auth.ErrAccountInactive
	}
	return l.userLocked(acc), nil
}

// SetStatus changes an account's status, e.g. to suspend an operator.
func (l *Local) SetStatus(email, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.byEmail[normalizeEmail(email)]
	if !ok {
		return fmt.Errorf("%w: unknown account %s", auth.ErrInvalidInput, email)
	}
	acc.Status = status
	return nil
}

func (l *Local) mintLocked(acc *Account, now time.Time) (auth.Grant, error) {
	exp := now.Add(l.accessTTL).Truncate(time.Second)
	claims := accessClaims{
		Email:       acc.Email,
		Role:        acc.Role,
		Permissions: append([]string(nil), acc.Permissions...),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    l.issuer,
			Subject:   acc.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return auth.Grant{}, err
	}
	refresh, err := l.newRefreshLocked(acc.ID, now)
	if err != nil {
		return auth.Grant{}, err
	}
	return auth.Grant{
		Token:        access,
		RefreshToken: refresh,
		User:         l.userLocked(acc),
		ExpiresAt:    exp,
	}, nil
}

func (l *Local) newRefreshLocked(userID string, now time.Time) (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.NewAt(now)
	sum := sha256.Sum256([]byte(secret))
	l.refresh[tokenID] = &refreshRecord{
		userID:    userID,
		tokenHash: hex.EncodeToString(sum[:]),
		expiresAt: now.Add(l.refreshTTL),
	}
	return tokenID + "." + secret, nil
}

func (l *Local) userLocked(acc *Account) *auth.User {
	return &auth.User{
		ID:          acc.ID,
		Email:       acc.Email,
		Name:        acc.Name,
		Role:        acc.Role,
		Permissions: append([]string(nil), acc.Permissions...),
		Status:      acc.Status,
		Department:  acc.Department,
		LastLogin:   l.lastSeen[acc.ID],
	}
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash string, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
