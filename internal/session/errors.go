package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLocked           = errors.New("session: login locked")
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrNoRefreshToken   = errors.New("session: no refresh token")
	ErrNoCredentials    = errors.New("session: no persisted credentials")
	ErrClosed           = errors.New("session: store closed")
)

// LockedError is returned by Login while the lockout window is open. It
// matches ErrLocked with errors.Is.
type LockedError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("session: login locked for %d more minute(s)", MinutesRemaining(e.Remaining))
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// MinutesRemaining rounds d up to whole minutes for display.
func (e *LockedError) MinutesRemaining() int { return MinutesRemaining(e.Remaining) }
