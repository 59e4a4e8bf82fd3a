package auth

import (
	"strings"
	"time"
)

// Role is a coarse identity tier. The set is closed; see ParseRole in the
// policy package for the accepted spellings.
type Role string

const (
	RoleSuperadmin       Role = "superadmin"
	RoleManager          Role = "manager"
	RoleHRAdmin          Role = "hr_admin"
	RoleProvider         Role = "provider"
	RoleNurse            Role = "nurse"
	RoleMedicalAssistant Role = "medical_assistant"
	RolePharmacyTech     Role = "pharmacy_tech"
	RoleBilling          Role = "billing"
	RoleStaff            Role = "staff"
	RoleViewer           Role = "viewer"
)

// Roles lists every known role, most privileged first.
var Roles = []Role{
	RoleSuperadmin,
	RoleManager,
	RoleHRAdmin,
	RoleProvider,
	RoleNurse,
	RoleMedicalAssistant,
	RolePharmacyTech,
	RoleBilling,
	RoleStaff,
	RoleViewer,
}

// Wildcard matches any action or resource in a Grant.
const Wildcard = "*"

// Grant is a fine-grained capability layered on top of role defaults.
type Grant struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// String renders the grant as resource:action.
func (g Grant) String() string {
	if g.Resource == "" {
		return g.Action
	}
	return g.Resource + ":" + g.Action
}

// User is the authorization view of a portal account.
type User struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	FullName    string   `json:"full_name,omitempty"`
	Role        Role     `json:"role"`
	Locations   []string `json:"locations"`
	Permissions []Grant  `json:"permissions"`
	Active      bool     `json:"active"`
	MFAEnabled  bool     `json:"mfa_enabled"`

	PasswordHash string `json:"-"`
	MFASecret    string `json:"-"`
}

// Session is the server-side record created at sign-in.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// TeamRole is a member's standing inside a team.
type TeamRole string

const (
	TeamLeader TeamRole = "leader"
	TeamMember TeamRole = "member"
	TeamViewer TeamRole = "viewer"
)

type Team struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Role TeamRole `json:"role"`
}

// Identity is what the authorization pipeline attaches to an admitted request.
type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Role        Role     `json:"role"`
	Locations   []string `json:"locations"`
	Permissions []Grant  `json:"permissions"`
	MFAEnabled  bool     `json:"mfa_enabled"`
	SessionID   string   `json:"session_id"`
}

// NewIdentity normalizes a user and its session into an Identity.
func NewIdentity(u *User, sessionID string) Identity {
	if u == nil {
		return Identity{SessionID: sessionID}
	}
	return Identity{
		UserID:      u.ID,
		Email:       strings.ToLower(strings.TrimSpace(u.Email)),
		Role:        u.Role,
		Locations:   append([]string(nil), u.Locations...),
		Permissions: append([]Grant(nil), u.Permissions...),
		MFAEnabled:  u.MFAEnabled,
		SessionID:   sessionID,
	}
}
