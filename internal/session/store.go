package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tourwatch.org/internal/audit"
	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/clock"
	"tourwatch.org/internal/ids"
	"tourwatch.org/internal/obs"
)

// Store is the single source of truth for the dashboard session. Every
// mutation happens under one mutex and publishes an immutable snapshot to
// subscribers, in version order, after the mutex is released.
//
// Lock order: persistMu, then mu, then pubMu. mu is never held while
// calling the backend, the credential store, subscribers or lease timers.
type Store struct {
	cfg      Config
	backend  Authenticator
	creds    CredentialStore
	clock    clock.Clock
	log      *zap.Logger
	governor Governor
	onTick   func(SessionStatus)

	mu           sync.Mutex
	state        State
	lease        *lease
	lockTimer    *clock.Timer
	lockGen      int
	inflight     int
	initializing bool
	closed       bool
	done         chan struct{}

	persistMu sync.Mutex

	pubMu       sync.Mutex
	queue       []State
	draining    bool
	subs        []subscription
	watchers    map[int]chan State
	statusSubs  map[int]chan SessionStatus
	watchClosed bool
	nextSub     int
}

type subscription struct {
	id int
	fn func(State)
}

// NewStore builds a store in its default, uninitialised state. backend
// must not be nil; a nil creds disables persistence.
func NewStore(cfg Config, backend Authenticator, creds CredentialStore, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	if creds == nil {
		creds = nopCredentials{}
	}
	s := &Store{
		cfg:        cfg,
		backend:    backend,
		creds:      creds,
		clock:      clock.Real(),
		log:        obs.Logger().Named("session"),
		governor:   Governor{Threshold: cfg.MaxAttempts, Duration: cfg.Lockout},
		watchers:   make(map[int]chan State),
		statusSubs: make(map[int]chan SessionStatus),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective lifecycle constants.
func (s *Store) Config() Config { return s.cfg }

// InitializeAuth hydrates the session from the credential store. It runs
// once; IsInitialized becomes true when it finishes whatever the outcome.
// A missing, corrupt or lapsed credential leaves the store signed out.
func (s *Store) InitializeAuth(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.state.IsInitialized || s.initializing {
		s.mu.Unlock()
		return
	}
	s.initializing = true
	s.beginLoadingLocked()
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	grant, refreshed, err := s.hydrate(ctx)

	s.mu.Lock()
	s.initializing = false
	s.endLoadingLocked()
	s.state.IsInitialized = true
	var next *lease
	if err == nil && s.lease == nil && !s.closed {
		next = s.newLeaseLocked()
		s.lease = next
		s.applyGrantLocked(grant, s.clock.Now())
	}
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	if next == nil {
		if err != nil && !errors.Is(err, ErrNoCredentials) {
			s.log.Info("session not restored", zap.Error(err))
		}
		return
	}
	next.start()
	obs.RecordSessionStart()
	if refreshed {
		s.persist(ctx, next.id, grant)
	}
	s.log.Info("session restored", zap.String("lease", next.id), zap.String("user_id", grant.User.ID), zap.Bool("refreshed", refreshed))
	_ = audit.LogEvent(auth.ContextWithUser(ctx, grant.User), audit.EventHydrated, map[string]any{"refreshed": refreshed})
}

func (s *Store) hydrate(ctx context.Context) (auth.Grant, bool, error) {
	grant, err := s.creds.Load(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return auth.Grant{}, false, err
	}
	if err != nil {
		s.discardPersisted(ctx, "unreadable", err)
		return auth.Grant{}, false, err
	}
	if grant.Token == "" || !grant.User.Active() {
		err := fmt.Errorf("%w: persisted grant has no token or active user", auth.ErrInvalidToken)
		s.discardPersisted(ctx, "invalid", err)
		return auth.Grant{}, false, err
	}

	now := s.clock.Now()
	grant.ExpiresAt = s.expiryFor(grant, now)
	if grant.ExpiresAt.After(now) {
		return grant, false, nil
	}
	if grant.RefreshToken == "" {
		s.discardPersisted(ctx, "lapsed", ErrNoRefreshToken)
		return auth.Grant{}, false, ErrNoRefreshToken
	}

	fresh, err := s.backend.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		s.discardPersisted(ctx, "refresh failed", err)
		return auth.Grant{}, false, err
	}
	if fresh.User == nil {
		fresh.User = grant.User
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = grant.RefreshToken
	}
	if fresh.Token == "" || !fresh.User.Active() {
		err := fmt.Errorf("%w: refreshed grant has no token or active user", auth.ErrInvalidToken)
		s.discardPersisted(ctx, "invalid", err)
		return auth.Grant{}, false, err
	}
	fresh.ExpiresAt = s.expiryFor(fresh, s.clock.Now())
	return fresh, true, nil
}

// expiryFor prefers the grant's own expiry, then the token's exp claim,
// then a full session from now.
func (s *Store) expiryFor(g auth.Grant, now time.Time) time.Time {
	if !g.ExpiresAt.IsZero() {
		return g.ExpiresAt
	}
	if exp, ok := auth.TokenExpiry(g.Token); ok {
		return exp
	}
	return now.Add(s.cfg.SessionTimeout)
}

// Login checks creds against the backend. While the lockout holds it
// returns a *LockedError without contacting the backend. Failures are
// also recorded in State.Error.
func (s *Store) Login(ctx context.Context, creds auth.Credentials) error {
	creds.Email = strings.TrimSpace(creds.Email)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	now := s.clock.Now()
	s.governor.Expire(&s.state, now)
	if s.state.IsLocked {
		lerr := &LockedError{Until: s.state.LockoutUntil, Remaining: s.governor.Remaining(s.state, now)}
		s.state.Error = lockedMessage(lerr.MinutesRemaining())
		s.commitLocked()
		s.mu.Unlock()
		s.drain()

		obs.RecordLoginAttempt("locked")
		s.log.Warn("login rejected while locked", zap.String("email", creds.Email), zap.Duration("remaining", lerr.Remaining))
		_ = audit.LogEvent(ctx, audit.EventLoginLocked, map[string]any{
			"email":             creds.Email,
			"minutes_remaining": lerr.MinutesRemaining(),
		})
		return lerr
	}
	s.beginLoadingLocked()
	s.state.Error = ""
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	grant, err := s.backend.Authenticate(ctx, creds)
	if err == nil && !grant.User.Active() {
		err = auth.ErrAccountInactive
	}
	if err == nil && grant.Token == "" {
		err = fmt.Errorf("%w: empty access token", auth.ErrInvalidToken)
	}
	if err != nil {
		return s.loginFailed(ctx, creds.Email, err)
	}

	s.mu.Lock()
	now = s.clock.Now()
	s.endLoadingLocked()
	s.governor.Succeed(&s.state)
	s.stopLockTimerLocked()
	prev := s.lease
	next := s.newLeaseLocked()
	s.lease = next
	grant.ExpiresAt = s.expiryFor(grant, now)
	s.applyGrantLocked(grant, now)
	persisted := s.state.grant()
	user := s.state.User.Clone()
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	prev.release()
	next.start()
	s.persist(ctx, next.id, persisted)

	obs.RecordLoginAttempt("success")
	obs.RecordSessionStart()
	s.log.Info("session started", zap.String("lease", next.id), zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	_ = audit.LogEvent(auth.ContextWithUser(ctx, user), audit.EventLoginSucceeded, map[string]any{"email": creds.Email})
	return nil
}

func (s *Store) loginFailed(ctx context.Context, email string, err error) error {
	s.mu.Lock()
	now := s.clock.Now()
	s.endLoadingLocked()
	result := "error"
	engaged := false
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		result = "failure"
		engaged = s.governor.Fail(&s.state, now)
		if engaged {
			s.state.Error = lockedMessage(MinutesRemaining(s.governor.Remaining(s.state, now)))
			s.armLockTimerLocked(s.governor.Remaining(s.state, now))
		} else {
			s.state.Error = invalidCredentialsMessage(s.governor.AttemptsRemaining(s.state.LoginAttempts))
		}
	case errors.Is(err, auth.ErrAccountInactive):
		result = "inactive"
		s.state.Error = MsgAccountInactive
	default:
		s.state.Error = MsgLoginFailed
	}
	attempts := s.state.LoginAttempts
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	obs.RecordLoginAttempt(result)
	s.log.Warn("login failed", zap.String("email", email), zap.String("result", result), zap.Int("attempts", attempts), zap.Error(err))
	_ = audit.LogEvent(ctx, audit.EventLoginFailed, map[string]any{
		"email":    email,
		"result":   result,
		"attempts": attempts,
	})
	if engaged {
		obs.RecordLockout()
		s.log.Warn("login lockout engaged", zap.String("email", email), zap.Duration("duration", s.cfg.Lockout))
		_ = audit.LogEvent(ctx, audit.EventLockout, map[string]any{"email": email, "attempts": attempts})
	}
	return fmt.Errorf("session: login: %w", err)
}

// Logout ends the session, stops its timers and clears the persisted
// grant. The lockout counters survive so logging out cannot reset them.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	prev := s.lease
	user := s.state.User.Clone()
	wasAuthenticated := s.state.IsAuthenticated
	s.teardownLocked("")
	s.mu.Unlock()
	s.drain()

	prev.release()
	err := s.clearPersisted(ctx)
	if wasAuthenticated {
		s.ended(auth.ContextWithUser(ctx, user), prev, "logout")
	}
	if err != nil {
		return fmt.Errorf("session: clear credentials: %w", err)
	}
	return nil
}

// RefreshToken exchanges the refresh token for a new grant. A failed
// refresh ends the session.
func (s *Store) RefreshToken(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.IsAuthenticated || s.lease == nil {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	refreshToken := s.state.RefreshToken
	if refreshToken == "" {
		s.mu.Unlock()
		return ErrNoRefreshToken
	}
	id := s.lease.id
	s.beginLoadingLocked()
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	grant, err := s.backend.Refresh(ctx, refreshToken)
	if err == nil && grant.Token == "" {
		err = fmt.Errorf("%w: empty access token", auth.ErrInvalidToken)
	}
	if err == nil && grant.User != nil && !grant.User.Active() {
		err = auth.ErrAccountInactive
	}

	s.mu.Lock()
	s.endLoadingLocked()
	if s.lease == nil || s.lease.id != id {
		// The session ended or was replaced while the call was in flight.
		s.commitLocked()
		s.mu.Unlock()
		s.drain()
		return ErrNotAuthenticated
	}
	if err != nil {
		prev := s.lease
		user := s.state.User.Clone()
		s.teardownLocked(MsgSessionExpired)
		s.mu.Unlock()
		s.drain()

		prev.release()
		if cerr := s.clearPersisted(ctx); cerr != nil {
			s.log.Warn("clear credentials after refresh failure", zap.Error(cerr))
		}
		uctx := auth.ContextWithUser(ctx, user)
		_ = audit.LogEvent(uctx, audit.EventRefreshFailed, map[string]any{"error": err.Error()})
		s.ended(uctx, prev, "refresh_failed")
		return fmt.Errorf("session: refresh: %w", err)
	}

	now := s.clock.Now()
	s.state.Token = grant.Token
	if grant.RefreshToken != "" {
		s.state.RefreshToken = grant.RefreshToken
	}
	if grant.User != nil {
		s.state.User = grant.User.Clone()
	}
	s.state.ExpiresAt = s.expiryFor(grant, now)
	s.state.Error = ""
	persisted := s.state.grant()
	user := s.state.User.Clone()
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	s.persist(ctx, id, persisted)
	s.log.Info("session refreshed", zap.String("lease", id), zap.Time("expires_at", persisted.ExpiresAt))
	_ = audit.LogEvent(auth.ContextWithUser(ctx, user), audit.EventRefreshed, nil)
	return nil
}

// UpdateProfile applies the non-nil fields of upd to the signed-in user.
func (s *Store) UpdateProfile(ctx context.Context, upd auth.ProfileUpdate) error {
	if upd.Email != nil && strings.TrimSpace(*upd.Email) == "" {
		return fmt.Errorf("%w: email must not be empty", auth.ErrInvalidInput)
	}
	return s.mutateUser(ctx, func(u *auth.User) {
		if upd.Name != nil {
			u.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Email != nil {
			u.Email = strings.TrimSpace(*upd.Email)
		}
		if upd.Department != nil {
			u.Department = strings.TrimSpace(*upd.Department)
		}
	})
}

// UpdatePreferences replaces the signed-in user's preferences.
func (s *Store) UpdatePreferences(ctx context.Context, prefs auth.Preferences) error {
	return s.mutateUser(ctx, func(u *auth.User) { u.Preferences = prefs })
}

func (s *Store) mutateUser(ctx context.Context, apply func(*auth.User)) error {
	s.mu.Lock()
	if !s.state.IsAuthenticated || s.state.User == nil || s.lease == nil {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	u := s.state.User.Clone()
	apply(u)
	s.state.User = u
	id := s.lease.id
	persisted := s.state.grant()
	s.commitLocked()
	s.mu.Unlock()
	s.drain()

	s.persist(ctx, id, persisted)
	return nil
}

// ClearError drops the user-facing error, if any.
func (s *Store) ClearError() {
	s.mu.Lock()
	if s.state.Error == "" {
		s.mu.Unlock()
		return
	}
	s.state.Error = ""
	s.commitLocked()
	s.mu.Unlock()
	s.drain()
}

// ExtendSession pushes ExpiresAt to now plus the session timeout. It does
// nothing while signed out or locked out and reports whether it applied.
func (s *Store) ExtendSession() bool {
	s.mu.Lock()
	ok := s.extendLocked(s.clock.Now())
	if ok {
		s.commitLocked()
	}
	s.mu.Unlock()
	if ok {
		s.drain()
	}
	return ok
}

func (s *Store) extendLocked(now time.Time) bool {
	s.governor.Expire(&s.state, now)
	if !s.state.IsAuthenticated || s.state.IsLocked {
		return false
	}
	s.state.ExpiresAt = now.Add(s.cfg.SessionTimeout)
	return true
}

// RecordActivity forwards an interaction signal to the session's tracker.
// It reports whether the signal was counted.
func (s *Store) RecordActivity(sig Signal) bool {
	s.mu.Lock()
	l := s.lease
	s.mu.Unlock()
	if l == nil {
		return false
	}
	return l.tracker.Record(sig)
}

// Snapshot returns the current state, clearing a lockout whose window has
// passed first.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	changed := s.governor.Expire(&s.state, s.clock.Now())
	if changed {
		s.commitLocked()
	}
	st := s.state.clone()
	s.mu.Unlock()
	if changed {
		s.drain()
	}
	return st
}

// Status derives the countdown view at the current time.
func (s *Store) Status() SessionStatus {
	s.mu.Lock()
	now := s.clock.Now()
	changed := s.governor.Expire(&s.state, now)
	if changed {
		s.commitLocked()
	}
	st := s.statusLocked(now)
	l := s.lease
	s.mu.Unlock()
	if changed {
		s.drain()
	}
	if l != nil {
		st.Active = l.tracker.Active()
	}
	return st
}

func (s *Store) statusLocked(now time.Time) SessionStatus {
	out := SessionStatus{
		IsLocked:          s.state.IsLocked,
		LockoutMinutes:    MinutesRemaining(s.governor.Remaining(s.state, now)),
		AttemptsRemaining: s.governor.AttemptsRemaining(s.state.LoginAttempts),
		Display:           FormatRemaining(0),
	}
	if !s.state.IsAuthenticated {
		return out
	}
	remaining := s.state.ExpiresAt.Sub(now)
	out.Authenticated = true
	out.Remaining = remaining
	out.ExpiringSoon = remaining <= s.cfg.ExpiringSoon
	out.Display = FormatRemaining(remaining)
	return out
}

// AttemptsRemaining is how many failed logins remain before lockout.
func (s *Store) AttemptsRemaining() int {
	return s.governor.AttemptsRemaining(s.Snapshot().LoginAttempts)
}

// LockoutMinutesRemaining rounds the open lockout window up to minutes.
func (s *Store) LockoutMinutesRemaining() int {
	st := s.Snapshot()
	return MinutesRemaining(s.governor.Remaining(st, s.clock.Now()))
}

// Close releases the session's timers and ends every Watch channel. The
// persisted grant is kept so the next process can restore it.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	prev := s.lease
	s.lease = nil
	s.stopLockTimerLocked()
	close(s.done)
	s.mu.Unlock()

	if prev != nil {
		prev.release()
		s.ended(context.Background(), prev, "closed")
	}

	s.pubMu.Lock()
	s.watchClosed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	for id, ch := range s.statusSubs {
		delete(s.statusSubs, id)
		close(ch)
	}
	s.pubMu.Unlock()
	return nil
}

// armLockTimerLocked schedules the publication that clears the lockout
// once its window passes.
func (s *Store) armLockTimerLocked(d time.Duration) {
	s.stopLockTimerLocked()
	if d <= 0 {
		return
	}
	s.lockGen++
	gen := s.lockGen
	s.lockTimer = s.clock.AfterFunc(d, func() { s.lockoutElapsed(gen) })
}

func (s *Store) stopLockTimerLocked() {
	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}
}

func (s *Store) lockoutElapsed(gen int) {
	s.mu.Lock()
	if s.closed || gen != s.lockGen {
		s.mu.Unlock()
		return
	}
	s.lockTimer = nil
	changed := s.governor.Expire(&s.state, s.clock.Now())
	if changed {
		s.commitLocked()
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	s.drain()
	s.log.Info("login lockout lifted")
	_ = audit.LogEvent(context.Background(), audit.EventLockoutLifted, nil)
}

func (s *Store) newLeaseLocked() *lease {
	id := ids.NewAt(s.clock.Now())
	l := &lease{id: id}
	l.countdown = newCountdown(s.clock, s.cfg.Tick, func() bool { return s.tick(id) })
	l.tracker = newTracker(s.clock, s.cfg.Inactivity,
		func() { s.touch(id) },
		func() { s.log.Debug("session idle", zap.String("lease", id)) },
	)
	return l
}

func (s *Store) applyGrantLocked(g auth.Grant, now time.Time) {
	s.state.IsAuthenticated = true
	s.state.User = g.User.Clone()
	s.state.Token = g.Token
	s.state.RefreshToken = g.RefreshToken
	s.state.ExpiresAt = g.ExpiresAt
	s.state.LastActivity = now
	s.state.Error = ""
}

// teardownLocked resets the state to defaults except for the
// initialisation flag, in-flight loading and the lockout counters.
func (s *Store) teardownLocked(message string) {
	prev := s.state
	s.state = State{
		IsInitialized: prev.IsInitialized,
		IsLoading:     s.inflight > 0,
		Error:         message,
		LoginAttempts: prev.LoginAttempts,
		IsLocked:      prev.IsLocked,
		LockoutUntil:  prev.LockoutUntil,
		Version:       prev.Version,
	}
	s.lease = nil
	s.commitLocked()
}

// tick runs once per countdown interval for lease id and reports whether
// the countdown should continue.
func (s *Store) tick(id string) bool {
	s.mu.Lock()
	if s.lease == nil || s.lease.id != id {
		s.mu.Unlock()
		return false
	}
	now := s.clock.Now()
	if s.state.ExpiresAt.After(now) {
		st := s.statusLocked(now)
		l := s.lease
		s.mu.Unlock()
		st.Active = l.tracker.Active()
		if s.onTick != nil {
			s.onTick(st)
		}
		s.publishStatus(st)
		return true
	}

	prev := s.lease
	user := s.state.User.Clone()
	s.teardownLocked(MsgSessionExpired)
	s.mu.Unlock()
	s.drain()

	prev.release()
	ctx := auth.ContextWithUser(context.Background(), user)
	if err := s.clearPersisted(ctx); err != nil {
		s.log.Warn("clear credentials after expiry", zap.Error(err))
	}
	_ = audit.LogEvent(ctx, audit.EventExpired, nil)
	s.ended(ctx, prev, "expired")
	return false
}

// touch applies a counted activity signal for lease id.
func (s *Store) touch(id string) {
	s.mu.Lock()
	if s.lease == nil || s.lease.id != id {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.state.LastActivity = now
	s.extendLocked(now)
	s.commitLocked()
	s.mu.Unlock()
	s.drain()
}

func (s *Store) ended(ctx context.Context, l *lease, reason string) {
	obs.RecordSessionEnd(reason)
	if l != nil {
		s.log.Info("session ended", zap.String("lease", l.id), zap.String("reason", reason))
	}
	if reason == "logout" {
		_ = audit.LogEvent(ctx, audit.EventLogout, nil)
	}
}

func (s *Store) beginLoadingLocked() {
	s.inflight++
	s.state.IsLoading = true
}

func (s *Store) endLoadingLocked() {
	if s.inflight > 0 {
		s.inflight--
	}
	s.state.IsLoading = s.inflight > 0
}

// persist saves g if lease id still owns the session.
func (s *Store) persist(ctx context.Context, id string, g auth.Grant) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	current := s.lease != nil && s.lease.id == id
	s.mu.Unlock()
	if !current {
		return
	}
	if err := s.creds.Save(ctx, g); err != nil {
		s.log.Warn("persist credentials", zap.String("lease", id), zap.Error(err))
	}
}

func (s *Store) clearPersisted(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.creds.Clear(ctx)
}

func (s *Store) discardPersisted(ctx context.Context, reason string, cause error) {
	s.log.Warn("discarding persisted credentials", zap.String("reason", reason), zap.Error(cause))
	if err := s.clearPersisted(ctx); err != nil {
		s.log.Warn("clear credentials", zap.Error(err))
	}
}
