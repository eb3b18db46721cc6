package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/backend"
	"tourwatch.org/internal/session"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleSessionError maps store and backend errors to a status code.
// message, when set, replaces the default body text; login handlers pass
// the user-facing message the store recorded.
func handleSessionError(w http.ResponseWriter, r *http.Request, err error, message string) {
	code, msg := http.StatusInternalServerError, "internal error"
	var locked *session.LockedError
	switch {
	case errors.As(err, &locked):
		secs := int(math.Ceil(locked.Remaining.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		code, msg = http.StatusLocked, err.Error()
	case errors.Is(err, auth.ErrInvalidCredentials):
		code, msg = http.StatusUnauthorized, session.MsgInvalidCredentials
	case errors.Is(err, auth.ErrAccountInactive):
		code, msg = http.StatusForbidden, session.MsgAccountInactive
	case errors.Is(err, auth.ErrInvalidToken):
		code, msg = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, session.ErrNotAuthenticated):
		code, msg = http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, session.ErrNoRefreshToken):
		code, msg = http.StatusConflict, "session has no refresh token"
	case errors.Is(err, auth.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrClosed):
		code, msg = http.StatusServiceUnavailable, "session store is shutting down"
	case errors.Is(err, backend.ErrUnavailable):
		code, msg = http.StatusBadGateway, "credential service unavailable"
	}
	if message != "" {
		msg = message
	}
	writeError(w, r, code, msg)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
