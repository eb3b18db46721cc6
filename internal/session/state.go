package session

import (
	"fmt"
	"time"

	"tourwatch.org/internal/auth"
)

// State is an immutable snapshot of the dashboard's authentication record.
// Zero time values mean absent.
type State struct {
	IsAuthenticated bool       `json:"is_authenticated"`
	IsLoading       bool       `json:"is_loading"`
	IsInitialized   bool       `json:"is_initialized"`
	User            *auth.User `json:"user,omitempty"`
	Token           string     `json:"-"`
	RefreshToken    string     `json:"-"`
	LastActivity    time.Time  `json:"last_activity,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	LoginAttempts   int        `json:"login_attempts"`
	IsLocked        bool       `json:"is_locked"`
	LockoutUntil    time.Time  `json:"lockout_until,omitempty"`

	// Version increases on every published change.
	Version uint64 `json:"version"`
}

func (s State) clone() State {
	s.User = s.User.Clone()
	return s
}

// Authorized reports whether the snapshot carries an active, signed-in user.
func (s State) Authorized() bool {
	return s.IsAuthenticated && s.User.Active()
}

// grant rebuilds the persisted record for the current session.
func (s State) grant() auth.Grant {
	return auth.Grant{
		Token:        s.Token,
		RefreshToken: s.RefreshToken,
		User:         s.User.Clone(),
		ExpiresAt:    s.ExpiresAt,
	}
}

// SessionStatus is the derived countdown view of the current session.
type SessionStatus struct {
	Authenticated     bool          `json:"authenticated"`
	Remaining         time.Duration `json:"remaining"`
	ExpiringSoon      bool          `json:"expiring_soon"`
	Display           string        `json:"display"`
	Active            bool          `json:"active"`
	IsLocked          bool          `json:"is_locked"`
	LockoutMinutes    int           `json:"lockout_minutes_remaining"`
	AttemptsRemaining int           `json:"attempts_remaining"`
}

// FormatRemaining renders d as m:ss. Negative durations render as 0:00.
func FormatRemaining(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
