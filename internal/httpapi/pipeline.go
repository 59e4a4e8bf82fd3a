package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/cookie"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/policy"
	"staffportal.org/internal/ratelimit"
)

const (
	defaultBackendTimeout = 5 * time.Second

	authHeader         = "Authorization"
	bearer             = "Bearer "
	authTokenCookie    = "auth_token"
	accessReasonHeader = "X-Access-Reason"
)

// Sessions is the part of the session store the pipeline reads.
type Sessions interface {
	ValidateSession(ctx context.Context, token, ip, userAgent string) (*auth.Session, error)
	ValidateSessionID(ctx context.Context, id, ip, userAgent string) (*auth.Session, error)
	GetUserWithPermissions(ctx context.Context, userID string) (*auth.User, error)
}

// Options select the checks run for a route. Zero values skip a check.
type Options struct {
	Roles       []auth.Role
	Permissions []auth.Grant
	Locations   []string
	// LocationParam names a path or query parameter carrying a location the
	// caller must have access to.
	LocationParam string
	RequireMFA    bool
	Limiter       ratelimit.Limiter
	HIPAA         *audit.HIPAAOptions
	// Resource names the audited resource. Empty derives it from the path.
	Resource string
	// ResourceParam names the path or query parameter holding the record id.
	ResourceParam string
	// Audit records every attempt. HIPAA options imply it.
	Audit bool
}

// Attempt is one access to authorize, independent of transport.
type Attempt struct {
	Token        string
	IP           string
	UserAgent    string
	Method       string
	Path         string
	Resource     string
	ResourceID   string
	Location     string
	Fields       map[string]string
	AccessReason string
}

// Admission is the outcome of a successful Evaluate.
type Admission struct {
	Identity auth.Identity
	User     *auth.User
	Session  *auth.Session
	PHI      bool
}

type AuthorizerConfig struct {
	Sessions       Sessions
	Tokens         *auth.Tokens
	Codec          *cookie.Codec
	CookieName     string
	Audit          *audit.Logger
	BackendTimeout time.Duration
	Now            func() time.Time
}

// Authorizer runs the request authorization pipeline.
type Authorizer struct {
	sessions   Sessions
	tokens     *auth.Tokens
	codec      *cookie.Codec
	cookieName string
	audit      *audit.Logger
	timeout    time.Duration
	now        func() time.Time
}

func NewAuthorizer(cfg AuthorizerConfig) *Authorizer {
	a := &Authorizer{
		sessions:   cfg.Sessions,
		tokens:     cfg.Tokens,
		codec:      cfg.Codec,
		cookieName: cfg.CookieName,
		audit:      cfg.Audit,
		timeout:    cfg.BackendTimeout,
		now:        cfg.Now,
	}
	if a.codec == nil {
		a.codec = cookie.New(cookie.Config{})
	}
	if a.cookieName == "" {
		a.cookieName = cookie.DefaultKey
	}
	if a.timeout <= 0 {
		a.timeout = defaultBackendTimeout
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

type admissionKey struct{}

// AdmissionFromContext returns what Authorize admitted the request with.
func AdmissionFromContext(ctx context.Context) (*Admission, bool) {
	adm, ok := ctx.Value(admissionKey{}).(*Admission)
	return adm, ok && adm != nil
}

// Authorize returns middleware that admits a request only when every check in
// opts passes. Admitted requests carry an auth.Identity in their context.
func (a *Authorizer) Authorize(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := a.now()
			at := a.attempt(w, r, opts)
			adm, rej := a.Evaluate(r.Context(), at, opts)
			if rej != nil {
				writeRejection(w, r, rej, start, a.now())
				return
			}
			ctx := auth.ContextWithIdentity(r.Context(), adm.Identity)
			ctx = auth.ContextWithToken(ctx, at.Token)
			ctx = context.WithValue(ctx, admissionKey{}, adm)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Evaluate runs the pipeline for at. It stops at the first failing check and
// writes exactly one audit record when opts.Audit is set. HIPAA options always
// audit, so every PHI access leaves a record whether granted or denied.
func (a *Authorizer) Evaluate(ctx context.Context, at Attempt, opts Options) (*Admission, *auth.Error) {
	adm, rej := a.evaluate(ctx, at, opts)
	if rej != nil {
		obs.ObserveAuthDecision("rejected", rej.Code)
	} else {
		obs.ObserveAuthDecision("authorized", "")
	}
	if opts.Audit || opts.HIPAA != nil {
		a.record(ctx, at, adm, rej)
	}
	if rej != nil {
		return nil, rej
	}
	return adm, nil
}

func (a *Authorizer) evaluate(ctx context.Context, at Attempt, opts Options) (*Admission, *auth.Error) {
	adm := &Admission{}
	if strings.TrimSpace(at.Token) == "" {
		return adm, auth.Unauthenticated(auth.CodeTokenMissing, "Authentication required")
	}

	bctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	sess, err := a.session(bctx, at)
	if err != nil {
		return adm, backendError(err)
	}
	if sess == nil {
		return adm, auth.Unauthenticated(auth.CodeSessionInvalid, "Invalid or expired session")
	}
	adm.Session = sess

	user, err := a.sessions.GetUserWithPermissions(bctx, sess.UserID)
	if err != nil {
		return adm, backendError(err)
	}
	if user == nil || !user.Active || user.ID != sess.UserID {
		return adm, auth.Unauthenticated(auth.CodeUserInactive, "User account is inactive")
	}
	adm.User = user

	if len(opts.Roles) > 0 && !policy.HasRole(user, opts.Roles...) {
		return adm, auth.Forbidden(auth.CodeInsufficientRole, "Insufficient role")
	}
	for _, g := range opts.Permissions {
		if !policy.HasPermission(user, g.Action, g.Resource) {
			return adm, auth.Forbidden(auth.CodeInsufficientPermissions, "Insufficient permissions")
		}
	}
	locations := opts.Locations
	if at.Location != "" {
		locations = append(locations[:len(locations):len(locations)], at.Location)
	}
	for _, loc := range locations {
		if !policy.HasLocationAccess(user, loc) {
			return adm, auth.Forbidden(auth.CodeLocationDenied, "Location access denied")
		}
	}
	if opts.RequireMFA && !user.MFAEnabled {
		return adm, auth.Forbidden(auth.CodeMFARequired, "Multi-factor authentication required")
	}

	if opts.Limiter != nil {
		res, err := opts.Limiter.Check(bctx, ratelimit.Key{UserID: user.ID, Route: obs.CanonicalPath(at.Path)})
		switch {
		case err != nil:
			obs.Logger().Warn("rate limiter unavailable",
				zap.String("user_id", user.ID),
				zap.Error(err),
			)
		case !res.Allowed:
			obs.ObserveRateLimited("user_route")
			return adm, auth.RateLimited(res.RetryAfter)
		}
	}

	if opts.HIPAA != nil {
		phi, err := audit.CheckHIPAACompliance(audit.Access{
			Resource:     at.Resource,
			ResourceID:   at.ResourceID,
			Path:         at.Path,
			Fields:       at.Fields,
			AccessReason: at.AccessReason,
		}, *opts.HIPAA)
		adm.PHI = phi
		if err != nil {
			return adm, auth.AsError(err)
		}
	}

	adm.Identity = auth.NewIdentity(user, sess.ID)
	return adm, nil
}

// session resolves the token to a live session. Signed access tokens name the
// session by id; anything else is treated as a raw session token.
func (a *Authorizer) session(ctx context.Context, at Attempt) (*auth.Session, error) {
	if auth.LooksLikeJWT(at.Token) && a.tokens.Enabled() {
		claims, err := a.tokens.Parse(at.Token)
		if err != nil {
			return nil, nil
		}
		sess, err := a.sessions.ValidateSessionID(ctx, claims.SessionID, at.IP, at.UserAgent)
		if err != nil || sess == nil {
			return nil, err
		}
		if sess.UserID != claims.Subject {
			return nil, nil
		}
		return sess, nil
	}
	return a.sessions.ValidateSession(ctx, at.Token, at.IP, at.UserAgent)
}

func backendError(err error) *auth.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return auth.Unavailable(err)
	}
	return auth.Internal(err)
}

func (a *Authorizer) record(ctx context.Context, at Attempt, adm *Admission, rej *auth.Error) {
	rec := audit.Record{
		ActorID:       audit.UnknownActor,
		Resource:      at.Resource,
		ResourceID:    at.ResourceID,
		IPAddress:     at.IP,
		UserAgent:     at.UserAgent,
		PHIAccessed:   adm.PHI,
		AccessReason:  at.AccessReason,
		RequestMethod: at.Method,
		RequestPath:   at.Path,
	}
	if adm.User != nil {
		rec.ActorID = adm.User.ID
	}
	if adm.Session != nil {
		rec.Details = map[string]any{"session_id": adm.Session.ID}
	}
	switch {
	case rej != nil:
		rec.Action = audit.FailureAction(rej.Code)
		rec.Result = audit.ResultFailure
		rec.Error = rej.Message
	case adm.PHI:
		rec.Action = "phi_access_granted"
	default:
		rec.Action = "api_access_authorized"
	}
	a.audit.Log(ctx, rec)
}

// attempt collects everything the pipeline needs from r.
func (a *Authorizer) attempt(w http.ResponseWriter, r *http.Request, opts Options) Attempt {
	q := r.URL.Query()
	at := Attempt{
		Token:     a.token(w, r),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
	at.Resource, at.ResourceID = resourceOf(r.URL.Path)
	if opts.Resource != "" {
		at.Resource = opts.Resource
	}
	if opts.ResourceParam != "" {
		if v := param(r, opts.ResourceParam); v != "" {
			at.ResourceID = v
		}
	}
	if opts.LocationParam != "" {
		at.Location = param(r, opts.LocationParam)
	}
	at.AccessReason = strings.TrimSpace(r.Header.Get(accessReasonHeader))
	if at.AccessReason == "" {
		at.AccessReason = strings.TrimSpace(q.Get("access_reason"))
	}
	if opts.HIPAA != nil {
		at.Fields = make(map[string]string, len(q))
		for k, v := range q {
			if len(v) > 0 {
				at.Fields[k] = v[0]
			}
		}
		for _, f := range opts.HIPAA.PHIFields {
			if v := r.PathValue(f); v != "" {
				at.Fields[f] = v
			}
		}
	}
	return at
}

// token finds the caller's credential: the bearer header, then the auth_token
// cookie, then the access token inside the SSO session cookie.
func (a *Authorizer) token(w http.ResponseWriter, r *http.Request) string {
	if tok, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return tok
	}
	jar := cookie.NewHTTPJar(w, r)
	if tok, ok := a.codec.Get(jar, authTokenCookie); ok && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok)
	}
	raw, ok := a.codec.Get(jar, a.cookieName)
	if !ok {
		return ""
	}
	blob, err := cookie.DecodeSession(raw)
	if err != nil || blob.Expired(a.now()) {
		return ""
	}
	return blob.AccessToken
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// resourceOf splits /v1/patients/123 into ("patients", "123").
func resourceOf(path string) (resource, id string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	resource = "unknown"
	if len(parts) >= 2 && parts[1] != "" {
		resource = parts[1]
	}
	if len(parts) >= 3 {
		id = parts[2]
	}
	return resource, id
}

func param(r *http.Request, name string) string {
	if v := strings.TrimSpace(r.PathValue(name)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(name))
}
