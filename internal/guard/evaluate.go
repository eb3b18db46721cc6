// Package guard turns the session state and a surface's requirement into
// a single access verdict plus the navigation it implies.
package guard

import (
	"net/url"

	"tourwatch.org/internal/session"
)

// Verdict is the three-valued guard outcome.
type Verdict string

const (
	VerdictPending Verdict = "pending"
	VerdictAllow   Verdict = "allow"
	VerdictDeny    Verdict = "deny"
)

const (
	DefaultLoginPath    = "/login"
	DefaultFallbackPath = "/unauthorized"
	// ReturnToParam carries the denied location on the login redirect.
	ReturnToParam = "returnTo"
)

// Decision is the result of evaluating one surface.
type Decision struct {
	Verdict  Verdict `json:"verdict"`
	Redirect string  `json:"redirect,omitempty"`
	ReturnTo string  `json:"return_to,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Evaluate decides access to surface at location using the default login
// path. It has no side effects.
func Evaluate(st session.State, surface Surface, location string) Decision {
	return evaluate(st, surface, location, DefaultLoginPath)
}

func evaluate(st session.State, surface Surface, location, loginPath string) Decision {
	if !st.IsInitialized || st.IsLoading {
		return Decision{Verdict: VerdictPending}
	}

	if !st.Authorized() {
		if surface.AllowAnonymous {
			return Decision{Verdict: VerdictAllow}
		}
		return Decision{
			Verdict:  VerdictDeny,
			Redirect: loginRedirect(loginPath, location),
			ReturnTo: location,
			Reason:   "not authenticated",
		}
	}

	if surface.RedirectAuthenticated != "" {
		return Decision{
			Verdict:  VerdictDeny,
			Redirect: surface.RedirectAuthenticated,
			Reason:   "already authenticated",
		}
	}

	if ok, failed := surface.Requirement.Check(st.User); !ok {
		return Decision{
			Verdict:  VerdictDeny,
			Redirect: surface.fallback(),
			Reason:   "missing " + failed,
		}
	}
	return Decision{Verdict: VerdictAllow}
}

func loginRedirect(loginPath, location string) string {
	if location == "" {
		return loginPath
	}
	return loginPath + "?" + url.Values{ReturnToParam: {location}}.Encode()
}
