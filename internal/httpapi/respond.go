package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
)

// rejection is the body of every pipeline refusal.
type rejection struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	Timestamp      string `json:"timestamp"`
	ProcessingTime int64  `json:"processingTime"`
	RequestID      string `json:"request_id,omitempty"`
}

// writeRejection renders e without its internal cause. start is when the
// pipeline began work on the request.
func writeRejection(w http.ResponseWriter, r *http.Request, e *auth.Error, start, now time.Time) {
	if e.Kind == auth.KindInternal || e.Kind == auth.KindUnavailable {
		obs.Logger().Error("authorization backend failure",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("code", e.Code),
			zap.String("path", r.URL.Path),
			zap.Error(e.Err),
		)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if e.Kind == auth.KindAuthentication {
		w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
	}
	writeJSON(w, e.Status(), rejection{
		Error:          e.Message,
		Code:           e.Code,
		Timestamp:      now.UTC().Format(time.RFC3339),
		ProcessingTime: now.Sub(start).Milliseconds(),
		RequestID:      RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
