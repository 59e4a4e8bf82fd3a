package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var _ Sink = (*PostgresSink)(nil)

// PostgresSink stores records in the audit_logs table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	var details []byte
	if len(rec.Details) > 0 {
		b, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx,
		`insert into audit_logs(id, actor_id, action, resource, resource_id, ip_address, user_agent,
		   phi_accessed, access_reason, result, error, request_method, request_path, details, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		rec.ID, nullable(rec.ActorID), rec.Action, nullable(rec.Resource), nullable(rec.ResourceID),
		nullable(rec.IPAddress), nullable(rec.UserAgent), rec.PHIAccessed, nullable(rec.AccessReason),
		string(rec.Result), nullable(rec.Error), nullable(rec.RequestMethod), nullable(rec.RequestPath),
		details, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresSink) Search(ctx context.Context, c Criteria) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !c.From.IsZero() {
		add("created_at >= $%d", c.From.UTC())
	}
	if !c.To.IsZero() {
		add("created_at <= $%d", c.To.UTC())
	}
	if c.ActorID != "" {
		add("actor_id = $%d", c.ActorID)
	}
	if c.Action != "" {
		add("action = $%d", c.Action)
	}
	if c.Resource != "" {
		add("resource = $%d", c.Resource)
	}
	if c.PHIAccessed != nil {
		add("phi_accessed = $%d", *c.PHIAccessed)
	}
	if c.IPAddress != "" {
		add("ip_address = $%d", c.IPAddress)
	}

	q := `select id, coalesce(actor_id, ''), action, coalesce(resource, ''), coalesce(resource_id, ''),
	        coalesce(ip_address, ''), coalesce(user_agent, ''), phi_accessed, coalesce(access_reason, ''),
	        result, coalesce(error, ''), coalesce(request_method, ''), coalesce(request_path, ''),
	        details, created_at
	   from audit_logs`
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	args = append(args, c.limit(), max(c.Offset, 0))
	q += fmt.Sprintf(" order by created_at desc limit $%d offset $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			result  string
			details []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.Action, &rec.Resource, &rec.ResourceID,
			&rec.IPAddress, &rec.UserAgent, &rec.PHIAccessed, &rec.AccessReason,
			&result, &rec.Error, &rec.RequestMethod, &rec.RequestPath, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec.Result = Result(result)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &rec.Details)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: search: %w", err)
	}
	return out, nil
}

// Purge removes records older than before. It is the only deletion path.
func (s *PostgresSink) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_logs where created_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	return res.RowsAffected()
}
