package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/obs"
)

var fixedNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db, WithClock(func() time.Time { return fixedNow }), WithLifetime(time.Hour)), mock
}

var sessionCols = []string{"id", "user_id", "expires_at", "ip_address", "user_agent", "last_activity", "created_at"}

func TestValidateSessionSlidesExpiry(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update sessions.*greatest\\(last_activity.*greatest\\(expires_at.*where token_hash = \\$1 and expires_at > \\$2").
		WithArgs(hashToken("tok"), fixedNow, fixedNow.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "u1", fixedNow.Add(time.Hour), "10.0.0.1", "agent/1", fixedNow, fixedNow.Add(-time.Hour)))

	sess, err := store.ValidateSession(context.Background(), "tok", "10.0.0.1", "agent/1")
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if sess == nil || sess.ID != "s1" || sess.UserID != "u1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateSessionIDMatchesOnID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update sessions.*where id = \\$1 and expires_at > \\$2").
		WithArgs("s1", fixedNow, fixedNow.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "u1", fixedNow.Add(time.Hour), "", "", fixedNow, fixedNow))

	sess, err := store.ValidateSessionID(context.Background(), "s1", "", "")
	if err != nil || sess == nil || sess.ID != "s1" {
		t.Fatalf("ValidateSessionID = %+v, %v", sess, err)
	}
	if sess, err := store.ValidateSessionID(context.Background(), "", "", ""); sess != nil || err != nil {
		t.Fatalf("blank id must be a miss, got %+v %v", sess, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateSessionMissIsNotError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update sessions").WillReturnRows(sqlmock.NewRows(sessionCols))

	sess, err := store.ValidateSession(context.Background(), "expired", "", "")
	if err != nil || sess != nil {
		t.Fatalf("expected (nil, nil), got %+v %v", sess, err)
	}

	if sess, err := store.ValidateSession(context.Background(), "  ", "", ""); err != nil || sess != nil {
		t.Fatalf("blank token must be a miss, got %+v %v", sess, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidateSessionBackendError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("update sessions").WillReturnError(context.DeadlineExceeded)

	_, err := store.ValidateSession(context.Background(), "tok", "", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
}

func TestValidateSessionWarnsOnUserAgentChange(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	prev := obs.SetLogger(zap.New(core))
	defer obs.SetLogger(prev)

	store, mock := newMockStore(t)
	mock.ExpectQuery("update sessions").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s1", "u1", fixedNow.Add(time.Hour), "", "agent/1", fixedNow, fixedNow))

	sess, err := store.ValidateSession(context.Background(), "tok", "10.0.0.9", "agent/2")
	if err != nil || sess == nil {
		t.Fatalf("user agent change must not reject: %+v %v", sess, err)
	}
	if logs.FilterMessage("session user agent changed").Len() != 1 {
		t.Fatalf("expected a warning, got %v", logs.All())
	}
}

var userCols = []string{"id", "email", "full_name", "role", "locations", "active", "mfa_enabled"}

func TestGetUserWithPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, email.*from users where id = \\$1").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "nurse@example.com", "Pat Nurse", "nurse", "ann-arbor,wixom", true, true))
	mock.ExpectQuery("select action, resource from user_permissions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"action", "resource"}).AddRow("read", "reports").AddRow("*", "inventory"))

	u, err := store.GetUserWithPermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUserWithPermissions: %v", err)
	}
	if u.Role != auth.RoleNurse || len(u.Locations) != 2 || u.Locations[1] != "wixom" {
		t.Fatalf("unexpected user %+v", u)
	}
	if len(u.Permissions) != 2 || u.Permissions[1] != (auth.Grant{Action: "*", Resource: "inventory"}) {
		t.Fatalf("unexpected grants %+v", u.Permissions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetUserInactiveOrMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from users where id").WithArgs("u2").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u2", "old@example.com", "", "staff", "", false, false))
	mock.ExpectQuery("from users where id").WithArgs("u3").WillReturnError(sql.ErrNoRows)

	if u, err := store.GetUserWithPermissions(context.Background(), "u2"); err != nil || u != nil {
		t.Fatalf("inactive user must be (nil, nil), got %+v %v", u, err)
	}
	if u, err := store.GetUserWithPermissions(context.Background(), "u3"); err != nil || u != nil {
		t.Fatalf("missing user must be (nil, nil), got %+v %v", u, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAndDestroySession(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into sessions").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", fixedNow.Add(time.Hour), "10.0.0.1", "agent/1", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sess, token, err := store.CreateSession(context.Background(), "u1", "10.0.0.1", "agent/1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(token) != 43 || sess.ID == "" || sess.ID == token {
		t.Fatalf("unexpected session %+v token %q", sess, token)
	}

	mock.ExpectExec("delete from sessions where token_hash = \\$1").WithArgs(hashToken(token)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.DestroySession(context.Background(), token); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	mock.ExpectExec("delete from sessions where id = \\$1").WithArgs(sess.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.DestroySessionID(context.Background(), sess.ID); err != nil {
		t.Fatalf("DestroySessionID: %v", err)
	}
	if _, _, err := store.CreateSession(context.Background(), " ", "", ""); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindUserByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	cols := append(append([]string{}, userCols...), "password_hash", "mfa_secret")
	mock.ExpectQuery("from users where lower\\(email\\) = \\$1").WithArgs("nurse@example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "Nurse@example.com", "", "nurse", "", true, false, "$2a$hash", ""))
	mock.ExpectQuery("from users where lower\\(email\\)").WithArgs("nobody@example.com").WillReturnError(sql.ErrNoRows)

	u, err := store.FindUserByEmail(context.Background(), " Nurse@Example.com ")
	if err != nil || u.PasswordHash != "$2a$hash" {
		t.Fatalf("FindUserByEmail: %+v %v", u, err)
	}
	if _, err := store.FindUserByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTeamsAndAppPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("from team_members m join teams t").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "role"}).AddRow("t1", "Front Desk", "leader"))
	mock.ExpectQuery("select app, level from app_permissions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"app", "level"}).AddRow("inventory", "admin"))

	teams, err := store.Teams(context.Background(), "u1")
	if err != nil || len(teams) != 1 || teams[0].Role != auth.TeamLeader {
		t.Fatalf("Teams: %+v %v", teams, err)
	}
	perms, err := store.AppPermissions(context.Background(), "u1")
	if err != nil || perms["inventory"] != "admin" {
		t.Fatalf("AppPermissions: %+v %v", perms, err)
	}
}

func TestPurgeExpired(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from sessions where expires_at <= \\$1").WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 7))
	n, err := store.PurgeExpired(context.Background(), fixedNow)
	if err != nil || n != 7 {
		t.Fatalf("PurgeExpired: %d %v", n, err)
	}
}
