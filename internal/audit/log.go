package audit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event names written by the session lifecycle.
const (
	EventLoginSucceeded = "session.login.succeeded"
	EventLoginFailed    = "session.login.failed"
	EventLoginLocked    = "session.login.locked"
	EventLockout        = "session.lockout"
	EventLockoutLifted  = "session.lockout.lifted"
	EventLogout         = "session.logout"
	EventExpired        = "session.expired"
	EventRefreshed      = "session.refreshed"
	EventRefreshFailed  = "session.refresh.failed"
	EventHydrated       = "session.hydrated"

	EventTokenIssued    = "auth.token.issued"
	EventTokenRefreshed = "auth.token.refreshed"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached with WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and user context.
// Fields are emitted in key order.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", userID))
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			zf = append(zf, zap.Any(k, fields[k]))
		}
	}
	obs.Logger().Info("audit", zf...)
	return nil
}
