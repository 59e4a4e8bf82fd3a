package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/ids"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/policy"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Session tokens are never stored;
// rows are keyed by the SHA-256 of the token.
type PGStore struct {
	db       *sql.DB
	lifetime time.Duration
	now      func() time.Time
}

type PGOption func(*PGStore)

func WithLifetime(d time.Duration) PGOption {
	return func(s *PGStore) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

func WithClock(now func() time.Time) PGOption {
	return func(s *PGStore) { s.now = now }
}

func NewPGStore(db *sql.DB, opts ...PGOption) *PGStore {
	s := &PGStore{db: db, lifetime: DefaultLifetime, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

const sessionColumns = `id, user_id, expires_at, coalesce(ip_address, ''), coalesce(user_agent, ''), last_activity, created_at`

func scanSession(row interface{ Scan(...any) error }) (*auth.Session, error) {
	var s auth.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.IPAddress, &s.UserAgent, &s.LastActivity, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// ValidateSession looks up a live session by token and slides its activity
// and expiry forward. Both timestamps only ever move forward.
func (s *PGStore) ValidateSession(ctx context.Context, token, ip, userAgent string) (*auth.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	return s.touch(ctx, "token_hash", hashToken(token), ip, userAgent)
}

// ValidateSessionID is ValidateSession for callers that hold a signed access
// token naming the session rather than the session token itself.
func (s *PGStore) ValidateSessionID(ctx context.Context, id, ip, userAgent string) (*auth.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	return s.touch(ctx, "id", id, ip, userAgent)
}

func (s *PGStore) touch(ctx context.Context, column, key, ip, userAgent string) (*auth.Session, error) {
	now := s.now().UTC()
	row := s.db.QueryRowContext(ctx,
		`update sessions
		    set last_activity = greatest(last_activity, $2),
		        expires_at = greatest(expires_at, $3)
		  where `+column+` = $1 and expires_at > $2
		returning `+sessionColumns,
		key, now, now.Add(s.lifetime),
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: validate: %w", err)
	}
	if sess.UserAgent != "" && userAgent != "" && sess.UserAgent != userAgent {
		obs.Logger().Warn("session user agent changed",
			zap.String("session_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.String("ip", ip),
		)
	}
	return sess, nil
}

const userColumns = `id, email, coalesce(full_name, ''), role, coalesce(array_to_string(locations, ','), ''), active, mfa_enabled`

func scanUser(row interface{ Scan(...any) error }, extra ...any) (*auth.User, error) {
	var (
		u         auth.User
		role      string
		locations string
	)
	dest := append([]any{&u.ID, &u.Email, &u.FullName, &role, &locations, &u.Active, &u.MFAEnabled}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	if locations != "" {
		u.Locations = strings.Split(locations, ",")
	}
	return &u, nil
}

// GetUserWithPermissions loads an active user and its explicit grants.
func (s *PGStore) GetUserWithPermissions(ctx context.Context, userID string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: load user: %w", err)
	}
	if !u.Active {
		return nil, nil
	}
	grants, err := s.grants(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Permissions = grants
	return u, nil
}

func (s *PGStore) grants(ctx context.Context, userID string) ([]auth.Grant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select action, resource from user_permissions where user_id = $1 order by resource, action`, userID)
	if err != nil {
		return nil, fmt.Errorf("session: load grants: %w", err)
	}
	defer rows.Close()

	var out []auth.Grant
	for rows.Next() {
		var g auth.Grant
		if err := rows.Scan(&g.Action, &g.Resource); err != nil {
			return nil, fmt.Errorf("session: scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: load grants: %w", err)
	}
	return out, nil
}

// CreateSession records a new session and returns it with the bearer token
// the client must present. The token is not recoverable afterwards.
func (s *PGStore) CreateSession(ctx context.Context, userID, ip, userAgent string) (*auth.Session, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", auth.ErrInvalidInput
	}
	token, err := ids.Token()
	if err != nil {
		return nil, "", fmt.Errorf("session: token: %w", err)
	}
	now := s.now().UTC()
	sess := &auth.Session{
		ID:           ids.New(),
		UserID:       userID,
		ExpiresAt:    now.Add(s.lifetime),
		IPAddress:    ip,
		UserAgent:    userAgent,
		LastActivity: now,
		CreatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx,
		`insert into sessions(id, token_hash, user_id, expires_at, ip_address, user_agent, last_activity, created_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.ID, hashToken(token), sess.UserID, sess.ExpiresAt, sess.IPAddress, sess.UserAgent, sess.LastActivity, sess.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("session: create: %w", err)
	}
	return sess, token, nil
}

// DestroySession deletes the session for token. Unknown tokens are not an error.
func (s *PGStore) DestroySession(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `delete from sessions where token_hash = $1`, hashToken(token)); err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}
	return nil
}

// DestroySessionID deletes the session with the given id.
func (s *PGStore) DestroySessionID(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id); err != nil {
		return fmt.Errorf("session: destroy: %w", err)
	}
	return nil
}

// FindUserByEmail returns the user with credentials, active or not.
func (s *PGStore) FindUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, auth.ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+`, coalesce(password_hash, ''), coalesce(mfa_secret, '') from users where lower(email) = $1`, email)
	var hash, secret string
	u, err := scanUser(row, &hash, &secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, fmt.Errorf("session: find user: %w", err)
	}
	u.PasswordHash, u.MFASecret = hash, secret
	return u, nil
}

func (s *PGStore) Teams(ctx context.Context, userID string) ([]auth.Team, error) {
	rows, err := s.db.QueryContext(ctx,
		`select t.id, t.name, m.role
		   from team_members m join teams t on t.id = m.team_id
		  where m.user_id = $1
		  order by t.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("session: teams: %w", err)
	}
	defer rows.Close()

	var out []auth.Team
	for rows.Next() {
		var (
			t    auth.Team
			role string
		)
		if err := rows.Scan(&t.ID, &t.Name, &role); err != nil {
			return nil, fmt.Errorf("session: scan team: %w", err)
		}
		t.Role = auth.TeamRole(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) AppPermissions(ctx context.Context, userID string) (map[string]policy.Level, error) {
	rows, err := s.db.QueryContext(ctx,
		`select app, level from app_permissions where user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("session: app permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]policy.Level)
	for rows.Next() {
		var app, level string
		if err := rows.Scan(&app, &level); err != nil {
			return nil, fmt.Errorf("session: scan app permission: %w", err)
		}
		out[app] = policy.Level(level)
	}
	return out, rows.Err()
}

// PurgeExpired removes sessions that expired before now.
func (s *PGStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("session: purge: %w", err)
	}
	return res.RowsAffected()
}
