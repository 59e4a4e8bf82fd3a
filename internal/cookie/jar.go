package cookie

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// Jar is a place cookies can be read from and written to. A nil Jar stands
// for "no browser context" and is accepted by every Codec method.
type Jar interface {
	Cookie(name string) (*http.Cookie, bool)
	SetCookie(c *http.Cookie)
}

// HTTPJar reads cookies from an inbound request and writes Set-Cookie headers
// to the response. Cookies written during the request shadow the inbound ones.
type HTTPJar struct {
	r *http.Request
	w http.ResponseWriter

	mu      sync.Mutex
	written map[string]*http.Cookie
}

func NewHTTPJar(w http.ResponseWriter, r *http.Request) *HTTPJar {
	return &HTTPJar{r: r, w: w, written: make(map[string]*http.Cookie)}
}

func (j *HTTPJar) Cookie(name string) (*http.Cookie, bool) {
	j.mu.Lock()
	c, ok := j.written[name]
	j.mu.Unlock()
	if ok {
		if c.MaxAge < 0 {
			return nil, false
		}
		return c, true
	}
	if j.r == nil {
		return nil, false
	}
	c, err := j.r.Cookie(name)
	if err != nil {
		return nil, false
	}
	return c, true
}

func (j *HTTPJar) SetCookie(c *http.Cookie) {
	j.mu.Lock()
	j.written[c.Name] = c
	j.mu.Unlock()
	if j.w != nil {
		http.SetCookie(j.w, c)
	}
}

// ClientJar adapts a net/http/cookiejar to Jar for one base URL. It is what
// Go clients of the portal use to hold the shared session cookie.
type ClientJar struct {
	jar  http.CookieJar
	base *url.URL
}

// NewClientJar creates an empty jar scoped to base.
func NewClientJar(base string) (*ClientJar, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &ClientJar{jar: jar, base: u}, nil
}

// HTTP returns the underlying jar for use in an http.Client.
func (j *ClientJar) HTTP() http.CookieJar { return j.jar }

func (j *ClientJar) Cookie(name string) (*http.Cookie, bool) {
	for _, c := range j.jar.Cookies(j.base) {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

func (j *ClientJar) SetCookie(c *http.Cookie) {
	j.jar.SetCookies(j.base, []*http.Cookie{c})
}
