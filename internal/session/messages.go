package session

import "fmt"

// User-facing messages recorded in State.Error.
const (
	MsgInvalidCredentials = "Invalid email or password."
	MsgAccountInactive    = "This account is not active."
	MsgLoginFailed        = "Login failed. Please try again."
	MsgSessionExpired     = "Your session has expired. Please sign in again."
)

func lockedMessage(minutes int) string {
	return fmt.Sprintf("Too many failed login attempts. Try again in %d minute(s).", minutes)
}

func invalidCredentialsMessage(attemptsLeft int) string {
	if attemptsLeft <= 0 {
		return MsgInvalidCredentials
	}
	return fmt.Sprintf("%s %d attempt(s) remaining.", MsgInvalidCredentials, attemptsLeft)
}
