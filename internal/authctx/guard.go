package authctx

import (
	"staffportal.org/internal/auth"
	"staffportal.org/internal/policy"
)

// Decision is the outcome of a guard check.
type Decision int

const (
	Loading Decision = iota
	Granted
	SignInRequired
	AccessDenied
)

func (d Decision) String() string {
	switch d {
	case Loading:
		return "loading"
	case Granted:
		return "granted"
	case SignInRequired:
		return "sign_in_required"
	case AccessDenied:
		return "access_denied"
	}
	return "unknown"
}

// Level is the access a guarded surface demands.
type Level string

const (
	LevelPublic        Level = "public"
	LevelAuthenticated Level = "authenticated"
	LevelStaff         Level = "staff"
	LevelAdmin         Level = "admin"
	LevelTeamMember    Level = "team-member"
	LevelTeamLeader    Level = "team-leader"
)

// GuardOptions narrow a guard level.
type GuardOptions struct {
	// App, when set, additionally requires AppLevel (default read) on that app.
	App      string
	AppLevel policy.Level
	// TeamID scopes team-member and team-leader checks.
	TeamID string
	// Roles, when set, must contain the user's role.
	Roles []auth.Role
}

// Evaluate decides a guard over st. It never turns a loading state into a
// grant or a denial.
func Evaluate(st State, level Level, opts GuardOptions) Decision {
	if st.Loading {
		return Loading
	}
	if level == LevelPublic {
		return Granted
	}
	if !st.SignedIn() {
		return SignInRequired
	}
	if len(opts.Roles) > 0 && !policy.HasRole(st.User, opts.Roles...) {
		return AccessDenied
	}
	if opts.App != "" {
		need := opts.AppLevel
		if need == "" {
			need = policy.LevelRead
		}
		if !hasAppAccess(st, opts.App, need) {
			return AccessDenied
		}
	}

	var ok bool
	switch level {
	case LevelAuthenticated:
		ok = true
	case LevelStaff:
		ok = policy.IsStaffRole(st.User.Role)
	case LevelAdmin:
		ok = isAdmin(st)
	case LevelTeamMember:
		ok = policy.IsStaffRole(st.User.Role) && (opts.TeamID == "" || isTeamMember(st, opts.TeamID))
	case LevelTeamLeader:
		ok = isAdmin(st) || (opts.TeamID != "" && isTeamLeader(st, opts.TeamID))
	}
	if !ok {
		return AccessDenied
	}
	return Granted
}

func isAdmin(st State) bool {
	return st.User != nil && st.User.Active && policy.IsTopTier(st.User.Role)
}

func hasAppAccess(st State, app string, need policy.Level) bool {
	if st.User == nil {
		return false
	}
	return policy.HasAppAccess(st.User.Role, st.Permissions[app], need)
}

func teamRole(st State, teamID string) (auth.TeamRole, bool) {
	for _, t := range st.Teams {
		if t.ID == teamID {
			return t.Role, true
		}
	}
	return "", false
}

func isTeamMember(st State, teamID string) bool {
	_, ok := teamRole(st, teamID)
	return ok
}

func isTeamLeader(st State, teamID string) bool {
	r, ok := teamRole(st, teamID)
	return ok && r == auth.TeamLeader
}
