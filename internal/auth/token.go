package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errMissingSecret = errors.New("auth: token secret is not configured")

// Claims carries the session a bearer token stands for.
type Claims struct {
	SessionID string `json:"sid"`
	Role      Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 session tokens. A zero Tokens has no secret
// and rejects every call.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokens(secret, issuer string) *Tokens {
	return &Tokens{secret: []byte(strings.TrimSpace(secret)), issuer: issuer, now: time.Now}
}

// Enabled reports whether a signing secret is configured.
func (t *Tokens) Enabled() bool { return t != nil && len(t.secret) > 0 }

// Issue signs a token naming the session s for its owner.
func (t *Tokens) Issue(s *Session, role Role) (string, error) {
	if !t.Enabled() {
		return "", errMissingSecret
	}
	if s == nil || s.ID == "" || s.UserID == "" {
		return "", ErrInvalidInput
	}
	now := t.now().UTC()
	if !s.ExpiresAt.After(now) {
		return "", fmt.Errorf("%w: session already expired", ErrInvalidInput)
	}
	claims := Claims{
		SessionID: s.ID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the signature and required claims of token.
func (t *Tokens) Parse(token string) (*Claims, error) {
	if !t.Enabled() {
		return nil, errMissingSecret
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := t.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (t *Tokens) validateClaims(claims *Claims) error {
	if claims.Issuer != t.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.SessionID) == "" {
		return errors.New("subject or session missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := t.now().UTC()
	// Allow a small clock skew when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// LooksLikeJWT reports whether raw has the three-segment compact JWS shape.
func LooksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
