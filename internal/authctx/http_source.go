package authctx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/cookie"
)

const defaultPollInterval = 30 * time.Second

// ErrSignInRejected is returned when the server refuses the credentials.
var ErrSignInRejected = errors.New("authctx: sign-in rejected")

// HTTPSource reads the session from the portal API using a cookie jar shared
// with the rest of the client. Watch polls.
type HTTPSource struct {
	base     string
	client   *http.Client
	jar      *cookie.ClientJar
	codec    *cookie.Codec
	interval time.Duration
}

type HTTPOption func(*HTTPSource)

func WithPollInterval(d time.Duration) HTTPOption {
	return func(s *HTTPSource) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// NewHTTPSource creates a source for the API at base. codec decides which SSO
// cookie marks a signed-in client.
func NewHTTPSource(base string, codec *cookie.Codec, opts ...HTTPOption) (*HTTPSource, error) {
	base = strings.TrimRight(base, "/")
	jar, err := cookie.NewClientJar(base + "/")
	if err != nil {
		return nil, fmt.Errorf("authctx: cookie jar: %w", err)
	}
	s := &HTTPSource{
		base:     base,
		client:   &http.Client{Timeout: 10 * time.Second},
		jar:      jar,
		codec:    codec,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client.Jar = jar.HTTP()
	return s, nil
}

// Jar exposes the cookie jar.
func (s *HTTPSource) Jar() *cookie.ClientJar { return s.jar }

// Blob returns the SSO session blob currently held in the jar.
func (s *HTTPSource) Blob() (cookie.SessionBlob, bool) {
	if s.codec == nil {
		return cookie.SessionBlob{}, false
	}
	raw, ok := s.codec.Get(s.jar, cookie.DefaultKey)
	if !ok {
		return cookie.SessionBlob{}, false
	}
	b, err := cookie.DecodeSession(raw)
	if err != nil {
		return cookie.SessionBlob{}, false
	}
	return b, true
}

func (s *HTTPSource) Load(ctx context.Context) (*auth.SessionView, error) {
	if b, ok := s.Blob(); !ok || b.Expired(time.Now()) {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/v1/auth/session", nil)
	if err != nil {
		return nil, err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authctx: load session: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var v auth.SessionView
		if err := json.NewDecoder(res.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("authctx: decode session: %w", err)
		}
		return &v, nil
	case http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, nil
	default:
		return nil, fmt.Errorf("authctx: load session: unexpected status %d", res.StatusCode)
	}
}

func (s *HTTPSource) SignIn(ctx context.Context, email, password, mfaCode string) (*auth.SessionView, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password, "mfa_code": mfaCode})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/auth/signin", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authctx: sign in: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var out auth.SignInResult
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("authctx: decode sign-in: %w", err)
		}
		return &out.SessionView, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrSignInRejected
	default:
		return nil, fmt.Errorf("authctx: sign in: unexpected status %d", res.StatusCode)
	}
}

func (s *HTTPSource) SignOut(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/auth/signout", nil)
	if err != nil {
		return err
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("authctx: sign out: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 300 && res.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("authctx: sign out: unexpected status %d", res.StatusCode)
	}
	return nil
}

// Watch polls Load and reports transitions between signed in, signed out
// and a different user or session.
func (s *HTTPSource) Watch(ctx context.Context, fn func(Event)) (func(), error) {
	last := s.fingerprint(ctx)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			cur := s.fingerprint(ctx)
			if cur == errFingerprint || cur == last {
				continue
			}
			switch {
			case cur == "":
				fn(EventSignedOut)
			case last == "":
				fn(EventSignedIn)
			default:
				fn(EventUserUpdated)
			}
			last = cur
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

const errFingerprint = "\x00error"

func (s *HTTPSource) fingerprint(ctx context.Context) string {
	v, err := s.Load(ctx)
	if err != nil {
		return errFingerprint
	}
	if v == nil || v.User == nil || v.Session == nil {
		return ""
	}
	return v.User.ID + "/" + v.Session.ID + "/" + string(v.User.Role)
}
