package auth

// Profile is the display view of a signed-in user.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`
	Role     Role   `json:"role"`
}

// ProfileOf derives the profile shown for u.
func ProfileOf(u *User) *Profile {
	if u == nil {
		return nil
	}
	return &Profile{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}

// SessionView is what the session endpoint returns to applications. App
// permission values are level names (none, read, write, admin).
type SessionView struct {
	User           *User             `json:"user"`
	Session        *Session          `json:"session"`
	Profile        *Profile          `json:"profile"`
	Teams          []Team            `json:"teams"`
	AppPermissions map[string]string `json:"app_permissions"`
}

// SignInResult is returned by the sign-in endpoint. AccessToken is the bearer
// form of the session for non-browser clients.
type SignInResult struct {
	SessionView
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}
