package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"staffportal.org/internal/audit"
	"staffportal.org/internal/auth"
	"staffportal.org/internal/ids"
	"staffportal.org/internal/policy"
	"staffportal.org/internal/session"
)

var _ session.Store = (*memStore)(nil)

type memStore struct {
	mu       sync.Mutex
	now      func() time.Time
	users    map[string]*auth.User
	sessions map[string]*auth.Session
	teams    map[string][]auth.Team
	apps     map[string]map[string]policy.Level
	block    bool
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:      now,
		users:    make(map[string]*auth.User),
		sessions: make(map[string]*auth.Session),
		teams:    make(map[string][]auth.Team),
		apps:     make(map[string]map[string]policy.Level),
	}
}

func (m *memStore) addUser(u *auth.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// issue creates a session for userID directly and returns its token.
func (m *memStore) issue(userID string) (string, *auth.Session) {
	s, tok, err := m.CreateSession(context.Background(), userID, "", "")
	if err != nil {
		panic(err)
	}
	return tok, s
}

func (m *memStore) ValidateSession(ctx context.Context, token, _, _ string) (*auth.Session, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	s.LastActivity = m.now()
	cp := *s
	return &cp, nil
}

func (m *memStore) ValidateSessionID(ctx context.Context, id, ip, ua string) (*auth.Session, error) {
	m.mu.Lock()
	var token string
	for tok, s := range m.sessions {
		if s.ID == id {
			token = tok
		}
	}
	m.mu.Unlock()
	if token == "" {
		return nil, nil
	}
	return m.ValidateSession(ctx, token, ip, ua)
}

func (m *memStore) GetUserWithPermissions(_ context.Context, userID string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || !u.Active {
		return nil, nil
	}
	cp := *u
	cp.PasswordHash, cp.MFASecret = "", ""
	return &cp, nil
}

func (m *memStore) CreateSession(_ context.Context, userID, ip, ua string) (*auth.Session, string, error) {
	tok, err := ids.Token()
	if err != nil {
		return nil, "", err
	}
	now := m.now()
	s := &auth.Session{
		ID:           ids.New(),
		UserID:       userID,
		ExpiresAt:    now.Add(session.DefaultLifetime),
		IPAddress:    ip,
		UserAgent:    ua,
		LastActivity: now,
		CreatedAt:    now,
	}
	m.mu.Lock()
	m.sessions[tok] = s
	m.mu.Unlock()
	cp := *s
	return &cp, tok, nil
}

func (m *memStore) DestroySession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *memStore) DestroySessionID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, s := range m.sessions {
		if s.ID == id {
			delete(m.sessions, tok)
		}
	}
	return nil
}

func (m *memStore) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) FindUserByEmail(_ context.Context, email string) (*auth.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, auth.ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.ToLower(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (m *memStore) Teams(_ context.Context, userID string) ([]auth.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teams[userID], nil
}

func (m *memStore) AppPermissions(_ context.Context, userID string) (map[string]policy.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]policy.Level, len(m.apps[userID]))
	for k, v := range m.apps[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tok, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, tok)
			n++
		}
	}
	return n, nil
}

type memSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *memSink) Write(_ context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memSink) Search(_ context.Context, c audit.Criteria) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Record
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if c.ActorID != "" && r.ActorID != c.ActorID {
			continue
		}
		if c.Action != "" && r.Action != c.Action {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memSink) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memSink) all() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

func (s *memSink) reset() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
}

// requestJar lets a cookie.Codec write cookies straight onto an outgoing
// test request.
type requestJar struct{ r *http.Request }

func (j requestJar) Cookie(name string) (*http.Cookie, bool) {
	c, err := j.r.Cookie(name)
	return c, err == nil
}

func (j requestJar) SetCookie(c *http.Cookie) { j.r.AddCookie(c) }
