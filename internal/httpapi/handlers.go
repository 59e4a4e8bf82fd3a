package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/netip"
	"time"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/broadcast"
	"staffportal.org/internal/cookie"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/ratelimit"
	"staffportal.org/internal/session"
)

const serviceName = "portal-auth"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Notifier publishes cross-app auth changes.
type Notifier interface {
	NotifyAuthChange(ctx context.Context, action broadcast.Action) error
}

// Deps wires the API to its backends. Store is required; everything else
// has a working zero value.
type Deps struct {
	Store          session.Store
	Tokens         *auth.Tokens
	Codec          *cookie.Codec
	CookieName     string
	Audit          *audit.Logger
	Bus            Notifier
	Limiter        ratelimit.Limiter
	Ready          readinessChecker
	Version        string
	BackendTimeout time.Duration
	AllowedOrigins []string
	Development    bool
	MaxBodyBytes   int64
	IPBurst        int
	IPPerSecond    int
	// TrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty trusts nobody.
	TrustedProxies []netip.Prefix
	Now            func() time.Time
}

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	deps    Deps
	authz   *Authorizer
	handler http.Handler
	now     func() time.Time
}

func New(d Deps) *API {
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	if d.Codec == nil {
		d.Codec = cookie.New(cookie.Config{Development: d.Development})
	}
	if d.CookieName == "" {
		d.CookieName = cookie.DefaultKey
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	if d.IPBurst <= 0 {
		d.IPBurst = 20
	}
	if d.IPPerSecond <= 0 {
		d.IPPerSecond = 10
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &API{
		mux:  http.NewServeMux(),
		deps: d,
		now:  d.Now,
		authz: NewAuthorizer(AuthorizerConfig{
			Sessions:       d.Store,
			Tokens:         d.Tokens,
			Codec:          d.Codec,
			CookieName:     d.CookieName,
			Audit:          d.Audit,
			BackendTimeout: d.BackendTimeout,
			Now:            d.Now,
		}),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/signin", RateLimit(http.HandlerFunc(a.handleSignIn), d.IPBurst, d.IPPerSecond))
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignOut)
	a.mux.Handle("/v1/auth/session", a.authz.Authorize(Options{})(http.HandlerFunc(a.handleSession)))
	a.mux.Handle("/v1/me", a.authz.Authorize(Options{
		Limiter: d.Limiter,
		Audit:   true,
	})(http.HandlerFunc(a.handleMe)))
	a.mux.Handle("/v1/audit", a.authz.Authorize(Options{
		Roles:       []auth.Role{auth.RoleSuperadmin},
		Permissions: []auth.Grant{{Action: "read", Resource: "audit"}},
		Limiter:     d.Limiter,
		Resource:    "audit_logs",
		Audit:       true,
	})(http.HandlerFunc(a.handleAuditSearch)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	var h http.Handler = a.mux
	h = MaxBodyBytes(h, d.MaxBodyBytes)
	h = CORS(h, d.AllowedOrigins, d.Development)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RealIP(h, d.TrustedProxies)
	h = RequestID(h)
	a.handler = obs.Instrument(h)
	return a
}

// Authorizer exposes the pipeline so embedding services can protect their
// own routes with it.
func (a *API) Authorizer() *Authorizer { return a.authz }

// Handler returns the full middleware chain around the router.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    a.now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}
