// Package session owns server-side sessions and the user records they
// resolve to.
package session

import (
	"context"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/policy"
)

// DefaultLifetime is how far each validated request pushes expiry out.
const DefaultLifetime = 7 * 24 * time.Hour

// Store is the backend the authorization pipeline and sign-in flow talk to.
//
// ValidateSession and GetUserWithPermissions return (nil, nil) when the
// session or active user does not exist. A non-nil error always means the
// backend itself failed.
type Store interface {
	ValidateSession(ctx context.Context, token, ip, userAgent string) (*auth.Session, error)
	ValidateSessionID(ctx context.Context, id, ip, userAgent string) (*auth.Session, error)
	GetUserWithPermissions(ctx context.Context, userID string) (*auth.User, error)

	CreateSession(ctx context.Context, userID, ip, userAgent string) (*auth.Session, string, error)
	DestroySession(ctx context.Context, token string) error
	DestroySessionID(ctx context.Context, id string) error
	FindUserByEmail(ctx context.Context, email string) (*auth.User, error)
	Teams(ctx context.Context, userID string) ([]auth.Team, error)
	AppPermissions(ctx context.Context, userID string) (map[string]policy.Level, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
