// Package cookie stores opaque session blobs in cookies shared by every
// portal application under one parent domain.
package cookie

import (
	"encoding/base64"
	"net/http"
	"slices"
	"strings"
	"time"
)

const (
	// DefaultKey is the canonical SSO cookie name.
	DefaultKey = "portal-auth-token"
	// DefaultMaxAge is 7 days.
	DefaultMaxAge = 7 * 24 * 60 * 60
)

// LegacyKey is the name older deployments stored the session under.
func LegacyKey(instance string) string {
	return "sb-" + instance + "-auth-token"
}

// Options are the attributes written on every cookie.
type Options struct {
	Domain   string
	Path     string
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

type Option func(*Options)

func WithDomain(d string) Option    { return func(o *Options) { o.Domain = d } }
func WithSecure(s bool) Option      { return func(o *Options) { o.Secure = s } }
func WithMaxAge(seconds int) Option { return func(o *Options) { o.MaxAge = seconds } }
func WithHTTPOnly(h bool) Option    { return func(o *Options) { o.HTTPOnly = h } }

// Codec reads and writes cookie values under a canonical key with optional
// legacy aliases. Aliases are honored until LegacyUntil; a zero LegacyUntil
// keeps them forever.
type Codec struct {
	Defaults    Options
	Aliases     map[string][]string
	LegacyUntil time.Time
	Now         func() time.Time
}

// Config is the subset of service configuration a Codec needs.
type Config struct {
	Domain      string
	Key         string
	Instance    string
	Development bool
	LegacyUntil time.Time
}

// New builds the portal codec: shared parent domain, Secure outside
// development, SameSite=Lax, Path=/, 7 day lifetime.
func New(cfg Config) *Codec {
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	c := &Codec{
		Defaults: Options{
			Domain:   cfg.Domain,
			Path:     "/",
			MaxAge:   DefaultMaxAge,
			Secure:   !cfg.Development,
			SameSite: http.SameSiteLaxMode,
		},
		Aliases:     map[string][]string{},
		LegacyUntil: cfg.LegacyUntil,
		Now:         time.Now,
	}
	if cfg.Instance != "" {
		c.Aliases[key] = []string{LegacyKey(cfg.Instance)}
	}
	return c
}

func (c *Codec) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Codec) legacyActive() bool {
	return c.LegacyUntil.IsZero() || c.now().Before(c.LegacyUntil)
}

// candidates lists the names key is stored under, canonical first.
func (c *Codec) candidates(key string) []string {
	names := []string{key}
	if c.legacyActive() {
		names = append(names, c.Aliases[key]...)
	}
	return names
}

// Get returns the blob stored under key. A value found only under a legacy
// alias is rewritten to the canonical name and the alias is expired.
func (c *Codec) Get(jar Jar, key string) (string, bool) {
	if jar == nil {
		return "", false
	}
	for i, name := range c.candidates(key) {
		ck, ok := jar.Cookie(name)
		if !ok || ck.Value == "" {
			continue
		}
		v, err := decodeValue(ck.Value)
		if err != nil {
			continue
		}
		if i > 0 {
			c.write(jar, key, ck.Value, c.Defaults)
			c.expire(jar, name)
		}
		return v, true
	}
	return "", false
}

// Set stores blob under key.
func (c *Codec) Set(jar Jar, key, blob string, opts ...Option) {
	if jar == nil {
		return
	}
	o := c.Defaults
	for _, opt := range opts {
		opt(&o)
	}
	c.write(jar, key, encodeValue(blob), o)
}

// Remove expires key and every alias, even past LegacyUntil, so stale legacy
// cookies do not outlive a sign-out.
func (c *Codec) Remove(jar Jar, key string) {
	if jar == nil {
		return
	}
	names := append([]string{key}, c.Aliases[key]...)
	for _, name := range slices.Compact(names) {
		c.expire(jar, name)
	}
}

func (c *Codec) write(jar Jar, name, value string, o Options) {
	path := o.Path
	if path == "" {
		path = "/"
	}
	jar.SetCookie(&http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   o.Domain,
		Path:     path,
		MaxAge:   o.MaxAge,
		Secure:   o.Secure,
		HttpOnly: o.HTTPOnly,
		SameSite: o.SameSite,
	})
}

func (c *Codec) expire(jar Jar, name string) {
	o := c.Defaults
	o.MaxAge = -1
	c.write(jar, name, "", o)
}

func encodeValue(blob string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(blob))
}

func decodeValue(raw string) (string, error) {
	raw = strings.TrimRight(raw, "=")
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
