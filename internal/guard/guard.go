package guard

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tourwatch.org/internal/obs"
	"tourwatch.org/internal/session"
)

// Navigator performs the redirect a denied decision asks for.
type Navigator interface {
	Navigate(d Decision)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(d Decision)

func (f NavigatorFunc) Navigate(d Decision) { f(d) }

// Result is what a mounted surface renders from.
type Result struct {
	Verdict    Verdict
	IsChecking bool
}

// Authorized reports the verdict as a bool; known is false while pending.
func (r Result) Authorized() (authorized, known bool) {
	switch r.Verdict {
	case VerdictAllow:
		return true, true
	case VerdictDeny:
		return false, true
	default:
		return false, false
	}
}

// MarshalJSON renders is_authorized as true, false or "pending".
func (r Result) MarshalJSON() ([]byte, error) {
	var authorized any = string(VerdictPending)
	if ok, known := r.Authorized(); known {
		authorized = ok
	}
	return json.Marshal(struct {
		IsAuthorized any  `json:"is_authorized"`
		IsChecking   bool `json:"is_checking"`
	}{authorized, r.IsChecking})
}

// Option customises a Guard.
type Option func(*Guard)

// WithLoginPath overrides DefaultLoginPath.
func WithLoginPath(p string) Option {
	return func(g *Guard) {
		if p != "" {
			g.loginPath = p
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// Guard gates one surface. It re-evaluates on every input change and
// navigates at most once per distinct input.
type Guard struct {
	nav       Navigator
	loginPath string
	log       *zap.Logger

	mu          sync.Mutex
	surface     Surface
	location    string
	state       session.State
	haveState   bool
	lastVersion uint64
	signature   string
	decision    Decision
}

// New builds a guard for surface at location. nav may be nil when the
// caller only reads decisions.
func New(surface Surface, location string, nav Navigator, opts ...Option) *Guard {
	g := &Guard{
		nav:       nav,
		loginPath: DefaultLoginPath,
		log:       obs.Logger().Named("guard"),
		surface:   surface,
		location:  location,
		decision:  Decision{Verdict: VerdictPending},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Update evaluates st. Snapshots older than the last one seen are ignored.
func (g *Guard) Update(st session.State) Decision {
	g.mu.Lock()
	if g.haveState && st.Version != 0 && st.Version < g.lastVersion {
		d := g.decision
		g.mu.Unlock()
		return d
	}
	g.state, g.haveState, g.lastVersion = st, true, st.Version
	return g.evaluateLocked()
}

// SetSurface swaps the requirement, e.g. when a page changes its gate.
func (g *Guard) SetSurface(s Surface) Decision {
	g.mu.Lock()
	g.surface = s
	return g.evaluateLocked()
}

// SetLocation records a new location for the same surface.
func (g *Guard) SetLocation(location string) Decision {
	g.mu.Lock()
	g.location = location
	return g.evaluateLocked()
}

// evaluateLocked is entered with g.mu held and releases it before
// navigating.
func (g *Guard) evaluateLocked() Decision {
	if !g.haveState {
		d := g.decision
		g.mu.Unlock()
		return d
	}
	sig := signature(g.state, g.surface, g.location)
	if sig == g.signature {
		d := g.decision
		g.mu.Unlock()
		return d
	}
	d := evaluate(g.state, g.surface, g.location, g.loginPath)
	g.signature = sig
	g.decision = d
	name := g.surface.Name
	g.mu.Unlock()

	obs.RecordGuardVerdict(name, string(d.Verdict))
	if d.Verdict == VerdictDeny {
		g.log.Debug("access denied", zap.String("surface", name), zap.String("redirect", d.Redirect), zap.String("reason", d.Reason))
	}
	if d.Redirect != "" && g.nav != nil {
		g.nav.Navigate(d)
	}
	return d
}

// Decision returns the last decision.
func (g *Guard) Decision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision
}

// Result returns the render view of the last decision.
func (g *Guard) Result() Result {
	d := g.Decision()
	return Result{Verdict: d.Verdict, IsChecking: d.Verdict == VerdictPending}
}

// Mount subscribes the guard to store and evaluates the current state.
// The returned func detaches it.
func (g *Guard) Mount(store *session.Store) (unmount func()) {
	unsubscribe := store.Subscribe(func(st session.State) { g.Update(st) })
	g.Update(store.Snapshot())
	return unsubscribe
}

// signature captures every input the verdict depends on. Timestamps and
// tokens are left out so countdown-only changes never re-navigate. Each
// field is length-prefixed so values containing separators cannot collide.
func signature(st session.State, s Surface, location string) string {
	var b strings.Builder
	field := func(v string) {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	list := func(vs []string) {
		field(strconv.Itoa(len(vs)))
		for _, v := range vs {
			field(v)
		}
	}

	field(strconv.FormatBool(st.IsInitialized))
	field(strconv.FormatBool(st.IsLoading))
	field(strconv.FormatBool(st.IsAuthenticated))
	if u := st.User; u != nil {
		field("user")
		field(u.ID)
		field(string(u.Role))
		field(u.Status)
		list(u.Permissions)
	} else {
		field("")
	}

	field(s.Name)
	field(s.Path)
	r := s.Requirement
	field(string(r.Role))
	roles := make([]string, len(r.AnyRole))
	for i, role := range r.AnyRole {
		roles[i] = string(role)
	}
	list(roles)
	field(string(r.MinRole))
	field(r.Permission)
	list(r.Permissions)
	field(strconv.FormatBool(r.RequireAll))
	field(strconv.FormatBool(s.AllowAnonymous))
	field(s.RedirectAuthenticated)
	field(s.Fallback)
	field(location)
	return b.String()
}
