// Package policy evaluates roles, grants, locations and app access levels.
// Every function here is pure; callers load users before asking.
package policy

import (
	"fmt"
	"slices"
	"strings"

	"staffportal.org/internal/auth"
)

// Level is an ordered app access level.
type Level string

const (
	LevelNone  Level = "none"
	LevelRead  Level = "read"
	LevelWrite Level = "write"
	LevelAdmin Level = "admin"
)

var levelOrder = []Level{LevelNone, LevelRead, LevelWrite, LevelAdmin}

func levelIndex(l Level) int {
	return slices.Index(levelOrder, Level(strings.ToLower(strings.TrimSpace(string(l)))))
}

// roleDefaults is the closed table of grants every member of a role holds.
var roleDefaults = map[auth.Role][]auth.Grant{
	auth.RoleStaff: {
		{Resource: "patients", Action: "read"},
		{Resource: "trainings", Action: "read"},
		{Resource: "trainings", Action: "write"},
		{Resource: "schedules", Action: "read"},
	},
	auth.RoleManager: {
		{Resource: "patients", Action: "read"},
		{Resource: "trainings", Action: auth.Wildcard},
		{Resource: "schedules", Action: auth.Wildcard},
		{Resource: "reports", Action: "read"},
		{Resource: "employees", Action: "read"},
	},
	auth.RoleHRAdmin: {
		{Resource: "trainings", Action: auth.Wildcard},
		{Resource: "employees", Action: auth.Wildcard},
		{Resource: "reports", Action: auth.Wildcard},
	},
	auth.RoleProvider: {
		{Resource: "patients", Action: "read"},
		{Resource: "patients", Action: "write"},
		{Resource: "schedules", Action: "read"},
		{Resource: "medical-records", Action: "read"},
		{Resource: "medical-records", Action: "write"},
	},
	auth.RoleNurse: {
		{Resource: "patients", Action: "read"},
		{Resource: "patients", Action: "write"},
		{Resource: "schedules", Action: "read"},
		{Resource: "medical-records", Action: "read"},
	},
	auth.RoleMedicalAssistant: {
		{Resource: "patients", Action: "read"},
		{Resource: "patients", Action: "write"},
		{Resource: "schedules", Action: "read"},
	},
	auth.RolePharmacyTech: {
		{Resource: "patients", Action: "read"},
		{Resource: "authorizations", Action: "read"},
		{Resource: "authorizations", Action: "write"},
	},
	auth.RoleBilling: {
		{Resource: "patients", Action: "read"},
		{Resource: "authorizations", Action: "read"},
		{Resource: "reports", Action: "read"},
	},
	auth.RoleViewer: {
		{Resource: "reports", Action: "read"},
	},
}

// RoleDefaults returns a copy of the default grants for role.
func RoleDefaults(role auth.Role) []auth.Grant {
	return slices.Clone(roleDefaults[role])
}

// IsTopTier reports whether role bypasses permission and location checks.
func IsTopTier(role auth.Role) bool { return role == auth.RoleSuperadmin }

// IsStaffRole reports whether role belongs to the staff tier, which excludes
// read-only viewers.
func IsStaffRole(role auth.Role) bool {
	if role == auth.RoleViewer {
		return false
	}
	return slices.Contains(auth.Roles, role)
}

// ParseRole maps free text onto the closed role set.
func ParseRole(raw string) (auth.Role, error) {
	r := auth.Role(strings.ToLower(strings.TrimSpace(raw)))
	r = auth.Role(strings.ReplaceAll(string(r), "-", "_"))
	if r == "admin" {
		r = auth.RoleSuperadmin
	}
	if !slices.Contains(auth.Roles, r) {
		return "", fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, raw)
	}
	return r, nil
}

// ParseGrant parses resource:action. A bare "*" is the global wildcard.
func ParseGrant(raw string) (auth.Grant, error) {
	raw = strings.TrimSpace(raw)
	if raw == auth.Wildcard {
		return auth.Grant{Resource: auth.Wildcard, Action: auth.Wildcard}, nil
	}
	resource, action, ok := strings.Cut(raw, ":")
	resource, action = strings.TrimSpace(resource), strings.TrimSpace(action)
	if !ok || resource == "" || action == "" {
		return auth.Grant{}, fmt.Errorf("%w: grant %q must be resource:action", auth.ErrInvalidInput, raw)
	}
	return auth.Grant{Resource: strings.ToLower(resource), Action: strings.ToLower(action)}, nil
}

// HasRole reports whether u holds any of roles. Inactive users hold none.
func HasRole(u *auth.User, roles ...auth.Role) bool {
	if u == nil || !u.Active {
		return false
	}
	return slices.Contains(roles, u.Role)
}

// HasPermission reports whether u may perform action on resource. Grants are
// the union of the role defaults and the user's own grants.
func HasPermission(u *auth.User, action, resource string) bool {
	if u == nil || !u.Active {
		return false
	}
	if IsTopTier(u.Role) {
		return true
	}
	action = strings.ToLower(strings.TrimSpace(action))
	resource = strings.ToLower(strings.TrimSpace(resource))
	if action == "" {
		return false
	}
	for _, g := range roleDefaults[u.Role] {
		if grantMatches(g, action, resource) {
			return true
		}
	}
	for _, g := range u.Permissions {
		if grantMatches(g, action, resource) {
			return true
		}
	}
	return false
}

func grantMatches(g auth.Grant, action, resource string) bool {
	gr := strings.ToLower(g.Resource)
	ga := strings.ToLower(g.Action)
	if gr == auth.Wildcard && ga == auth.Wildcard {
		return true
	}
	if gr != resource {
		return false
	}
	return ga == action || ga == auth.Wildcard
}

// HasPermissionLevel compares levels on none < read < write < admin. Unknown
// levels never satisfy and are never satisfied.
func HasPermissionLevel(userLevel, requiredLevel Level) bool {
	have, need := levelIndex(userLevel), levelIndex(requiredLevel)
	if have < 0 || need < 0 {
		return false
	}
	return have >= need
}

// HasLocationAccess reports whether u may act at locationID.
func HasLocationAccess(u *auth.User, locationID string) bool {
	if u == nil || !u.Active {
		return false
	}
	if IsTopTier(u.Role) {
		return true
	}
	locationID = strings.TrimSpace(locationID)
	if locationID == "" {
		return false
	}
	return slices.Contains(u.Locations, locationID)
}

// HasAppAccess decides access to an application. An explicit per-app level
// wins; otherwise staff-tier roles get write and viewers get read.
func HasAppAccess(role auth.Role, explicit Level, required Level) bool {
	if IsTopTier(role) {
		return true
	}
	if explicit != "" {
		return HasPermissionLevel(explicit, required)
	}
	switch {
	case role == auth.RoleViewer:
		return HasPermissionLevel(LevelRead, required)
	case IsStaffRole(role):
		return HasPermissionLevel(LevelWrite, required)
	}
	return false
}
