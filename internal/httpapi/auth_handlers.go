package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/broadcast"
	"staffportal.org/internal/cookie"
	"staffportal.org/internal/obs"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code"`
}

func badCredentials() *auth.Error {
	return auth.Unauthenticated(auth.CodeInvalidCredentials, "Invalid email or password")
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	start := a.now()

	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec := audit.Record{
		ActorID:       audit.UnknownActor,
		Action:        "signin",
		Resource:      "authentication",
		IPAddress:     clientIP(r),
		UserAgent:     r.UserAgent(),
		RequestMethod: r.Method,
		RequestPath:   r.URL.Path,
	}
	reject := func(e *auth.Error) {
		rec.Action = audit.FailureAction(e.Code)
		rec.Result = audit.ResultFailure
		rec.Error = e.Message
		a.deps.Audit.Log(r.Context(), rec)
		obs.ObserveAuthDecision("rejected", e.Code)
		writeRejection(w, r, e, start, a.now())
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.authz.timeout)
	defer cancel()

	u, err := a.deps.Store.FindUserByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, auth.ErrInvalidInput):
		reject(badCredentials())
		return
	case err != nil:
		reject(backendError(err))
		return
	}
	rec.ActorID = u.ID

	if err := auth.VerifyPassword(u.PasswordHash, req.Password); err != nil {
		reject(badCredentials())
		return
	}
	if !u.Active {
		reject(auth.Unauthenticated(auth.CodeUserInactive, "User account is inactive"))
		return
	}
	if err := auth.VerifyMFA(u, strings.TrimSpace(req.MFACode), a.now()); err != nil {
		reject(auth.Unauthenticated(auth.CodeMFARequired, "Valid multi-factor code required"))
		return
	}

	sess, token, err := a.deps.Store.CreateSession(ctx, u.ID, rec.IPAddress, rec.UserAgent)
	if err != nil {
		reject(backendError(err))
		return
	}
	full, err := a.deps.Store.GetUserWithPermissions(ctx, u.ID)
	if err != nil {
		reject(backendError(err))
		return
	}
	if full == nil {
		reject(auth.Unauthenticated(auth.CodeUserInactive, "User account is inactive"))
		return
	}
	view, err := a.view(ctx, full, sess)
	if err != nil {
		reject(backendError(err))
		return
	}
	access := token
	if a.deps.Tokens.Enabled() {
		if access, err = a.deps.Tokens.Issue(sess, full.Role); err != nil {
			reject(auth.Internal(err))
			return
		}
	}

	a.setSessionCookies(w, r, sess, token)
	a.notify(r.Context(), broadcast.ActionSignIn)
	rec.Details = map[string]any{"session_id": sess.ID}
	a.deps.Audit.Log(r.Context(), rec)
	obs.ObserveAuthDecision("authorized", "")

	writeJSON(w, http.StatusOK, auth.SignInResult{
		SessionView: *view,
		AccessToken: access,
		TokenType:   "bearer",
	})
}

// handleSignOut ends the caller's session if it has one and always clears the
// session cookies.
func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	start := a.now()
	at := Attempt{
		Token:     a.authz.token(w, r),
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.authz.timeout)
	defer cancel()

	var (
		sess *auth.Session
		err  error
	)
	if at.Token != "" {
		sess, err = a.authz.session(ctx, at)
		if err == nil && sess != nil {
			err = a.deps.Store.DestroySessionID(ctx, sess.ID)
		}
	}

	jar := cookie.NewHTTPJar(w, r)
	a.deps.Codec.Remove(jar, a.deps.CookieName)
	a.deps.Codec.Remove(jar, authTokenCookie)

	if err != nil {
		writeRejection(w, r, backendError(err), start, a.now())
		return
	}
	if sess != nil {
		a.notify(r.Context(), broadcast.ActionSignOut)
		a.deps.Audit.Log(r.Context(), audit.Record{
			ActorID:       sess.UserID,
			Action:        "signout",
			Resource:      "authentication",
			IPAddress:     at.IP,
			UserAgent:     at.UserAgent,
			RequestMethod: r.Method,
			RequestPath:   r.URL.Path,
			Details:       map[string]any{"session_id": sess.ID},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	adm, ok := AdmissionFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.authz.timeout)
	defer cancel()
	view, err := a.view(ctx, adm.User, adm.Session)
	if err != nil {
		writeRejection(w, r, backendError(err), a.now(), a.now())
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *API) view(ctx context.Context, u *auth.User, s *auth.Session) (*auth.SessionView, error) {
	teams, err := a.deps.Store.Teams(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	levels, err := a.deps.Store.AppPermissions(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	perms := make(map[string]string, len(levels))
	for app, l := range levels {
		perms[app] = string(l)
	}
	return &auth.SessionView{
		User:           u,
		Session:        s,
		Profile:        auth.ProfileOf(u),
		Teams:          teams,
		AppPermissions: perms,
	}, nil
}

// setSessionCookies writes the shared SSO blob and the HttpOnly fallback
// cookie. Both carry the raw session token.
func (a *API) setSessionCookies(w http.ResponseWriter, r *http.Request, s *auth.Session, token string) {
	jar := cookie.NewHTTPJar(w, r)
	blob, err := cookie.EncodeSession(cookie.SessionBlob{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   s.ExpiresAt.Unix(),
		UserID:      s.UserID,
	})
	if err == nil {
		a.deps.Codec.Set(jar, a.deps.CookieName, blob)
	}
	a.deps.Codec.Set(jar, authTokenCookie, token, cookie.WithHTTPOnly(true))
}

func (a *API) notify(ctx context.Context, action broadcast.Action) {
	if a.deps.Bus == nil {
		return
	}
	if err := a.deps.Bus.NotifyAuthChange(ctx, action); err != nil {
		obs.Logger().Warn("auth change broadcast failed",
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}
