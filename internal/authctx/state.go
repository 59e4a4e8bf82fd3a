// Package authctx mirrors the server session inside a client process and
// answers guard questions against it.
package authctx

import (
	"slices"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/policy"
)

// State is a snapshot of what the client believes about the signed-in user.
type State struct {
	User        *auth.User
	Session     *auth.Session
	Profile     *auth.Profile
	Loading     bool
	Teams       []auth.Team
	ActiveTeam  *auth.Team
	Permissions map[string]policy.Level
}

// SignedIn reports whether a user and session are present.
func (s State) SignedIn() bool { return s.User != nil && s.Session != nil }

func (s State) clone() State {
	out := s
	out.Teams = slices.Clone(s.Teams)
	if s.ActiveTeam != nil {
		t := *s.ActiveTeam
		out.ActiveTeam = &t
	}
	if s.Permissions != nil {
		out.Permissions = make(map[string]policy.Level, len(s.Permissions))
		for k, v := range s.Permissions {
			out.Permissions[k] = v
		}
	}
	return out
}

func stateFromView(v *auth.SessionView, prevActive string) State {
	if v == nil || v.User == nil || v.Session == nil {
		return State{}
	}
	st := State{
		User:    v.User,
		Session: v.Session,
		Profile: v.Profile,
		Teams:   slices.Clone(v.Teams),
	}
	if st.Profile == nil {
		st.Profile = auth.ProfileOf(v.User)
	}
	if len(v.AppPermissions) > 0 {
		st.Permissions = make(map[string]policy.Level, len(v.AppPermissions))
		for app, lvl := range v.AppPermissions {
			st.Permissions[app] = policy.Level(lvl)
		}
	}
	for i := range st.Teams {
		if st.Teams[i].ID == prevActive {
			t := st.Teams[i]
			st.ActiveTeam = &t
			break
		}
	}
	if st.ActiveTeam == nil && len(st.Teams) > 0 {
		t := st.Teams[0]
		st.ActiveTeam = &t
	}
	return st
}
