package cookie

import (
	"encoding/json"
	"errors"
	"time"
)

// SessionBlob is the JSON value kept under the SSO cookie.
type SessionBlob struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
	UserID      string `json:"user_id"`
}

// Expired reports whether the blob has passed its expiry at now.
func (b SessionBlob) Expired(now time.Time) bool {
	return b.ExpiresAt > 0 && now.Unix() >= b.ExpiresAt
}

func EncodeSession(b SessionBlob) (string, error) {
	if b.AccessToken == "" {
		return "", errors.New("cookie: session blob without access token")
	}
	if b.TokenType == "" {
		b.TokenType = "bearer"
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeSession(raw string) (SessionBlob, error) {
	var b SessionBlob
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return SessionBlob{}, err
	}
	if b.AccessToken == "" {
		return SessionBlob{}, errors.New("cookie: session blob without access token")
	}
	return b, nil
}
