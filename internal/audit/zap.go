package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/obs"
)

var _ Sink = LogSink{}

// LogSink emits records as structured log lines. It is used when no audit
// database is configured and cannot be searched or purged.
type LogSink struct{}

func (LogSink) Write(_ context.Context, rec Record) error {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("audit_id", rec.ID),
		zap.String("action", rec.Action),
		zap.String("actor_id", rec.ActorID),
		zap.String("result", string(rec.Result)),
		zap.Bool("phi_accessed", rec.PHIAccessed),
		zap.Time("occurred_at", rec.Timestamp),
	}
	if rec.Resource != "" {
		fields = append(fields, zap.String("resource", rec.Resource))
	}
	if rec.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", rec.ResourceID))
	}
	if rec.AccessReason != "" {
		fields = append(fields, zap.String("access_reason", rec.AccessReason))
	}
	if rec.Error != "" {
		fields = append(fields, zap.String("error", rec.Error))
	}
	if len(rec.Details) > 0 {
		fields = append(fields, zap.Any("details", rec.Details))
	}
	obs.Logger().Info("audit", fields...)
	return nil
}

func (LogSink) Search(context.Context, Criteria) ([]Record, error) { return nil, ErrUnsupported }

func (LogSink) Purge(context.Context, time.Time) (int64, error) { return 0, ErrUnsupported }
