package auth

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// GenerateMFASecret enrolls a new TOTP secret for the account email.
func GenerateMFASecret(issuer, email string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: email,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// VerifyMFA checks a TOTP code for u. Users without MFA enrolled always pass.
func VerifyMFA(u *User, code string, now time.Time) error {
	if u == nil || !u.MFAEnabled {
		return nil
	}
	code = strings.TrimSpace(code)
	if code == "" || u.MFASecret == "" {
		return ErrMFAInvalid
	}
	ok, err := totp.ValidateCustom(code, u.MFASecret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !ok {
		return ErrMFAInvalid
	}
	return nil
}
