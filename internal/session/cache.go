package session

import (
	"context"
	"sync"
	"time"

	"staffportal.org/internal/auth"
)

// CachedStore memoizes GetUserWithPermissions for a short TTL. Everything
// else passes through. Invalidate is wired to broadcast sign-outs so a
// deactivated user is not served from cache past the next sign-out event.
type CachedStore struct {
	Store
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedUser
}

type cachedUser struct {
	user    *auth.User
	expires time.Time
}

// NewCachedStore wraps next. A non-positive ttl disables caching.
func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: next, ttl: ttl, now: time.Now, entries: make(map[string]cachedUser)}
}

func (c *CachedStore) GetUserWithPermissions(ctx context.Context, userID string) (*auth.User, error) {
	if c.ttl <= 0 {
		return c.Store.GetUserWithPermissions(ctx, userID)
	}
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.user, nil
	}

	u, err := c.Store.GetUserWithPermissions(ctx, userID)
	if err != nil || u == nil {
		return u, err
	}
	c.mu.Lock()
	c.entries[userID] = cachedUser{user: u, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return u, nil
}

// DestroySession also drops every cached user.
func (c *CachedStore) DestroySession(ctx context.Context, token string) error {
	c.Invalidate()
	return c.Store.DestroySession(ctx, token)
}

func (c *CachedStore) DestroySessionID(ctx context.Context, id string) error {
	c.Invalidate()
	return c.Store.DestroySessionID(ctx, id)
}

// Invalidate drops every cached user.
func (c *CachedStore) Invalidate() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
