package auth

import "time"

const (
	StatusActive    = "active"
	StatusDisabled  = "disabled"
	StatusSuspended = "suspended"
)

// User is the signed-in operator of the dashboard.
type User struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	Name        string      `json:"name,omitempty"`
	Role        Role        `json:"role"`
	Permissions []string    `json:"permissions"`
	Status      string      `json:"status"`
	Department  string      `json:"department,omitempty"`
	Preferences Preferences `json:"preferences"`
	LastLogin   time.Time   `json:"last_login,omitempty"`
}

// Active reports whether the user may be treated as authenticated.
func (u *User) Active() bool {
	return u != nil && u.Status == StatusActive
}

// Clone returns a deep copy so snapshots never share slices.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Permissions != nil {
		out.Permissions = make([]string, len(u.Permissions))
		copy(out.Permissions, u.Permissions)
	}
	return &out
}

// Preferences holds per-user display settings persisted with the profile.
type Preferences struct {
	Language      string `json:"language,omitempty"`
	Theme         string `json:"theme,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Notifications bool   `json:"notifications"`
}

// ProfileUpdate carries optional profile changes; nil fields are left as is.
type ProfileUpdate struct {
	Name       *string `json:"name,omitempty"`
	Email      *string `json:"email,omitempty"`
	Department *string `json:"department,omitempty"`
}

// Credentials is the login input handed to the credential backend.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Grant is what the credential backend issues on successful login or
// refresh. It is also the record persisted between restarts.
type Grant struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *User     `json:"user"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Permission is a catalogue entry describing one capability key.
type Permission struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}
