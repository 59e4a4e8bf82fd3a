package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"staffportal.org/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("a different client must have its own bucket, got %d", rr3.Code)
	}
}

func TestIPThrottleSweepsIdleBuckets(t *testing.T) {
	th := newIPThrottle(1, 1)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	th.allow("10.0.0.1", now)
	th.allow("10.0.0.2", now)

	if _, ok := th.allow("10.0.0.3", now.Add(10*time.Minute)); !ok {
		t.Fatal("new client must be admitted")
	}
	th.mu.Lock()
	n := len(th.buckets)
	th.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected idle buckets to be swept, %d remain", n)
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := obs.SetLogger(zap.New(core))
	defer obs.SetLogger(prev)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request_complete entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for _, key := range []string{"request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", fields["status"])
	}
	if fields["request_id"] != rr.Header().Get("X-Request-ID") {
		t.Fatalf("log and response request ids differ: %v vs %q", fields["request_id"], rr.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDReusesInboundHeader(t *testing.T) {
	var got string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "upstream-42" {
		t.Fatalf("expected inbound id, got %q", got)
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got == "" || got == "upstream-42" {
		t.Fatalf("expected a generated id, got %q", got)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://staff.gangerdermatology.com"}, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Origin", "https://staff.gangerdermatology.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://staff.gangerdermatology.com" {
		t.Fatalf("configured origin must be allowed, headers: %v", rr.Header())
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("credentials must be allowed for the shared cookie")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("localhost must not be allowed outside development")
	}

	req = httptest.NewRequest(http.MethodOptions, "/v1/me", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rr.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("missing %s", h)
		}
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	resolve := func(remote string, header http.Header) string {
		var got string
		h := RealIP(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			got = clientIP(r)
		}), trusted)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		for k, v := range header {
			req.Header[k] = v
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		return got
	}

	cases := []struct {
		name   string
		remote string
		header http.Header
		want   string
	}{
		{"remote addr", "192.0.2.1:5555", nil, "192.0.2.1"},
		{"spoofed forwarded-for from untrusted peer", "192.0.2.1:5555",
			http.Header{"X-Forwarded-For": {"203.0.113.9"}}, "192.0.2.1"},
		{"spoofed real-ip from untrusted peer", "192.0.2.1:5555",
			http.Header{"X-Real-Ip": {"203.0.113.9"}}, "192.0.2.1"},
		{"forwarded-for from trusted proxy", "10.0.0.2:443",
			http.Header{"X-Forwarded-For": {"203.0.113.9"}}, "203.0.113.9"},
		{"client-supplied prefix behind trusted proxy", "10.0.0.2:443",
			http.Header{"X-Forwarded-For": {"198.51.100.7, 203.0.113.9, 10.0.0.3"}}, "203.0.113.9"},
		{"only trusted hops", "10.0.0.2:443",
			http.Header{"X-Forwarded-For": {"10.0.0.5, 10.0.0.3"}}, "10.0.0.5"},
		{"real-ip from trusted proxy", "10.0.0.2:443",
			http.Header{"X-Real-Ip": {"203.0.113.9"}}, "203.0.113.9"},
	}
	for _, tc := range cases {
		if got := resolve(tc.remote, tc.header); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := clientIP(req); got != "192.0.2.1" {
		t.Fatalf("without RealIP: got %q", got)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RealIP(RateLimit(base, 1, 1), nil)

	for i, spoofed := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		req.Header.Set("X-Forwarded-For", spoofed)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		want := http.StatusOK
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rr.Code)
		}
	}
}
