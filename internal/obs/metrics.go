package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_session_login_attempts_total",
			Help: "Login attempts by outcome (success, failure, locked, error).",
		},
		[]string{"result"},
	)

	lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tourwatch_session_lockouts_total",
		Help: "Times the login lockout engaged.",
	})

	sessionEnds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_session_ends_total",
			Help: "Sessions ended by reason (logout, expired, refresh_failed, closed).",
		},
		[]string{"reason"},
	)

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tourwatch_sessions_active",
		Help: "Whether a session lease is currently held.",
	})

	guardVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourwatch_guard_verdicts_total",
			Help: "Access guard verdicts by surface and outcome.",
		},
		[]string{"surface", "verdict"},
	)

	registerOnce sync.Once
)

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginAttempts, lockouts, sessionEnds, sessionsActive, guardVerdicts,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordLoginAttempt(result string) { loginAttempts.WithLabelValues(result).Inc() }

func RecordLockout() { lockouts.Inc() }

// RecordSessionStart marks a lease as held.
func RecordSessionStart() { sessionsActive.Set(1) }

// RecordSessionEnd marks the lease released for the given reason.
func RecordSessionEnd(reason string) {
	sessionsActive.Set(0)
	sessionEnds.WithLabelValues(reason).Inc()
}

func RecordGuardVerdict(surface, verdict string) {
	guardVerdicts.WithLabelValues(surface, verdict).Inc()
}

// Instrument wraps next with request count, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var knownPaths = map[string]bool{
	"/":                       true,
	"/healthz":                true,
	"/readyz":                 true,
	"/metrics":                true,
	"/v1/info":                true,
	"/v1/auth/login":          true,
	"/v1/auth/refresh":        true,
	"/v1/auth/me":             true,
	"/v1/auth/permissions":    true,
	"/v1/surfaces":            true,
	"/v1/guard":               true,
	"/v1/session":             true,
	"/v1/session/login":       true,
	"/v1/session/logout":      true,
	"/v1/session/refresh":     true,
	"/v1/session/activity":    true,
	"/v1/session/extend":      true,
	"/v1/session/profile":     true,
	"/v1/session/preferences": true,
	"/v1/session/error":       true,
	"/v1/session/events":      true,
}

// CanonicalPath bounds label cardinality: query strings are dropped and
// unknown paths collapse to "other".
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if knownPaths[path] {
		return path
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE responses stream through
// the instrumentation.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
