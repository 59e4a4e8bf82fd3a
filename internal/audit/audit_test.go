package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
)

type memorySink struct {
	mu      sync.Mutex
	records []Record
	err     error
	ctxErr  error
}

func (m *memorySink) Write(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) Search(context.Context, Criteria) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memorySink) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func TestLoggerFillsDefaults(t *testing.T) {
	sink := &memorySink{}
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	l := NewLogger(sink, WithClock(func() time.Time { return now }))

	ctx := WithRequestID(context.Background(), "req-123")
	l.Log(ctx, Record{ActorID: "u1", Action: "api_access", Details: map[string]any{"foo": "bar"}})

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.ID == "" || !rec.Timestamp.Equal(now) || rec.Result != ResultSuccess {
		t.Fatalf("defaults not applied: %+v", rec)
	}
	if rec.Details["request_id"] != "req-123" || rec.Details["foo"] != "bar" {
		t.Fatalf("unexpected details %v", rec.Details)
	}
}

func TestLoggerSwallowsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := obs.SetLogger(zap.New(core))
	defer obs.SetLogger(prev)

	l := NewLogger(&memorySink{err: errors.New("db down")})
	l.Log(context.Background(), Record{ActorID: "u1", Action: "api_access"})

	entries := logs.FilterMessage("audit write failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if entries[0].ContextMap()["action"] != "api_access" {
		t.Fatalf("unexpected fields %v", entries[0].ContextMap())
	}
}

func TestLoggerOutlivesRequestCancellation(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.Log(ctx, Record{Action: "auth_failure_token_missing", Result: ResultFailure})
	if sink.ctxErr != nil {
		t.Fatalf("write context must not inherit cancellation, got %v", sink.ctxErr)
	}
	if len(sink.records) != 1 {
		t.Fatal("record must be written after the request was cancelled")
	}
}

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Log(context.Background(), Record{Action: "x"})
	NewLogger(nil).Log(context.Background(), Record{Action: "x"})
}

func TestCheckHIPAACompliance(t *testing.T) {
	opts := HIPAAOptions{PHIFields: []string{"patient_id", "mrn"}, PHIResources: DefaultPHIResources}

	phi, err := CheckHIPAACompliance(Access{Resource: "reports"}, opts)
	if err != nil || phi {
		t.Fatalf("non-PHI access must pass, got %v %v", phi, err)
	}

	phi, err = CheckHIPAACompliance(Access{Resource: "reports", Fields: map[string]string{"mrn": "123"}}, opts)
	var aerr *auth.Error
	if !phi || !errors.As(err, &aerr) || aerr.Kind != auth.KindHIPAA || aerr.Code != auth.CodeAccessReasonRequired {
		t.Fatalf("PHI field without reason must be rejected, got %v %v", phi, err)
	}

	if _, err := CheckHIPAACompliance(Access{Resource: "patients", ResourceID: "p-1", AccessReason: "  "}, opts); err == nil {
		t.Fatal("blank reason must not satisfy the check")
	}

	phi, err = CheckHIPAACompliance(Access{Resource: "Patients", ResourceID: "p-1", AccessReason: "treatment"}, opts)
	if err != nil || !phi {
		t.Fatalf("PHI access with reason must pass and be flagged, got %v %v", phi, err)
	}

	phi, err = CheckHIPAACompliance(Access{Path: "/api/medical-records"}, HIPAAOptions{PathPrefixes: []string{"/api/medical-records"}})
	if !phi || err == nil {
		t.Fatalf("PHI path prefix must require a reason, got %v %v", phi, err)
	}
}

func TestCheckHIPAADetectorFailure(t *testing.T) {
	opts := HIPAAOptions{Detect: func(Access) (bool, error) { return false, errors.New("classifier offline") }}
	_, err := CheckHIPAACompliance(Access{Resource: "patients"}, opts)
	if err == nil {
		t.Fatal("detector failure must be returned")
	}
	var aerr *auth.Error
	if errors.As(err, &aerr) {
		t.Fatalf("detector failure must not look like a policy rejection, got %v", aerr)
	}
}

func TestSummarize(t *testing.T) {
	recs := []Record{
		{ActorID: "u1", Action: "api_access", PHIAccessed: true},
		{ActorID: "u1", Action: "api_access"},
		{ActorID: "u2", Action: "signin"},
		{ActorID: UnknownActor, Action: FailureAction("TOKEN_MISSING"), Result: ResultFailure},
	}
	s := Summarize(recs)
	if s.TotalEntries != 4 || s.PHIAccessCount != 1 || s.FailureCount != 1 || s.UniqueActors != 2 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.TopActions[0] != (ActionCount{Action: "api_access", Count: 2}) {
		t.Fatalf("unexpected top action %+v", s.TopActions[0])
	}
	if FailureAction("TOKEN_MISSING") != "auth_failure_token_missing" {
		t.Fatalf("unexpected failure action %q", FailureAction("TOKEN_MISSING"))
	}
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := obs.SetLogger(zap.New(core))
	defer obs.SetLogger(prev)

	NewLogger(LogSink{}).Log(context.Background(), Record{ActorID: "u1", Action: "signin"})
	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 || entries[0].ContextMap()["type"] != "audit" {
		t.Fatalf("expected one audit log line, got %v", logs.All())
	}
	if _, err := (LogSink{}).Search(context.Background(), Criteria{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
