package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/ids"
	"staffportal.org/internal/obs"
)

const defaultWriteTimeout = 3 * time.Second

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// Logger writes records to a Sink. A failed write never fails the caller: it
// is logged as a warning and counted. A nil *Logger discards records.
type Logger struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Logger)

func WithTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{sink: sink, timeout: defaultWriteTimeout, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sink returns the underlying sink for search and purge.
func (l *Logger) Sink() Sink {
	if l == nil {
		return nil
	}
	return l.sink
}

// Log appends rec. The write outlives request cancellation but is bounded by
// the logger timeout.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if l == nil || l.sink == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	if rec.Result == "" {
		rec.Result = ResultSuccess
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		details := make(map[string]any, len(rec.Details)+1)
		for k, v := range rec.Details {
			details[k] = v
		}
		details["request_id"] = rid
		rec.Details = details
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.sink.Write(wctx, rec); err != nil {
		obs.ObserveAuditFailure()
		obs.Logger().Warn("audit write failed",
			zap.String("audit_id", rec.ID),
			zap.String("action", rec.Action),
			zap.String("actor_id", rec.ActorID),
			zap.Error(err),
		)
	}
}
