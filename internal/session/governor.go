package session

import "time"

// Governor derives the login lockout from recorded outcomes. It holds no
// state of its own; the counters live in State.
type Governor struct {
	Threshold int
	Duration  time.Duration
}

// Expire clears a lockout whose window has passed and resets the attempt
// counter. It reports whether st changed.
func (g Governor) Expire(st *State, now time.Time) bool {
	if !st.IsLocked && st.LockoutUntil.IsZero() {
		return false
	}
	if st.IsLocked && now.Before(st.LockoutUntil) {
		return false
	}
	st.IsLocked = false
	st.LockoutUntil = time.Time{}
	st.LoginAttempts = 0
	return true
}

// Remaining returns how long the lockout in st still holds.
func (g Governor) Remaining(st State, now time.Time) time.Duration {
	if !st.IsLocked || !now.Before(st.LockoutUntil) {
		return 0
	}
	return st.LockoutUntil.Sub(now)
}

// Fail records one failed credential check and reports whether it
// engaged the lockout.
func (g Governor) Fail(st *State, now time.Time) bool {
	if st.IsLocked {
		return false
	}
	st.LoginAttempts++
	if st.LoginAttempts >= g.Threshold {
		st.IsLocked = true
		st.LockoutUntil = now.Add(g.Duration)
		return true
	}
	return false
}

// Succeed clears attempts and any lockout immediately.
func (g Governor) Succeed(st *State) {
	st.LoginAttempts = 0
	st.IsLocked = false
	st.LockoutUntil = time.Time{}
}

// AttemptsRemaining is max(0, Threshold - attempts).
func (g Governor) AttemptsRemaining(attempts int) int {
	if n := g.Threshold - attempts; n > 0 {
		return n
	}
	return 0
}

// MinutesRemaining returns ceil(d / 1m); zero or negative d is 0.
func MinutesRemaining(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
