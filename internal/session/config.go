package session

import (
	"time"

	"go.uber.org/zap"

	"tourwatch.org/internal/clock"
)

// Config holds the session lifecycle constants.
type Config struct {
	// SessionTimeout is how far ExtendSession pushes ExpiresAt from now.
	SessionTimeout time.Duration `yaml:"timeout"`
	// Tick is the countdown interval while a session is held.
	Tick time.Duration `yaml:"tick"`
	// ExpiringSoon is the inclusive threshold for SessionStatus.ExpiringSoon.
	ExpiringSoon time.Duration `yaml:"expiring_soon"`
	// Inactivity is the idle window after the last tracked signal.
	Inactivity time.Duration `yaml:"inactivity"`
	// MaxAttempts failed logins engage the lockout.
	MaxAttempts int `yaml:"max_attempts"`
	// Lockout is how long logins are refused once engaged.
	Lockout time.Duration `yaml:"lockout"`
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout: 30 * time.Minute,
		Tick:           time.Second,
		ExpiringSoon:   5 * time.Minute,
		Inactivity:     30 * time.Minute,
		MaxAttempts:    5,
		Lockout:        15 * time.Minute,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.ExpiringSoon <= 0 {
		c.ExpiringSoon = d.ExpiringSoon
	}
	if c.Inactivity <= 0 {
		c.Inactivity = d.Inactivity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Lockout <= 0 {
		c.Lockout = d.Lockout
	}
	return c
}

// Option customises a Store.
type Option func(*Store)

// WithClock sets the time source for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTickObserver registers fn to receive the countdown status on every
// tick of a held session.
func WithTickObserver(fn func(SessionStatus)) Option {
	return func(s *Store) { s.onTick = fn }
}
