package authctx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/broadcast"
	"staffportal.org/internal/policy"
)

type fakeSource struct {
	mu       sync.Mutex
	view     *auth.SessionView
	err      error
	loads    int
	signOuts int
	watchFn  func(Event)
	stopped  bool
}

func (f *fakeSource) Load(context.Context) (*auth.SessionView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.view, f.err
}

func (f *fakeSource) SignIn(_ context.Context, email, password, _ string) (*auth.SessionView, error) {
	if password != "secret" {
		return nil, ErrSignInRejected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = staffView()
	return f.view, nil
}

func (f *fakeSource) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.view = nil
	return nil
}

func (f *fakeSource) Watch(_ context.Context, fn func(Event)) (func(), error) {
	f.mu.Lock()
	f.watchFn = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) setView(v *auth.SessionView) {
	f.mu.Lock()
	f.view = v
	f.mu.Unlock()
}

func (f *fakeSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func staffView() *auth.SessionView {
	u := &auth.User{ID: "u1", Email: "staff@example.com", Role: auth.RoleStaff, Active: true}
	return &auth.SessionView{
		User:    u,
		Session: &auth.Session{ID: "s1", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)},
		Teams: []auth.Team{
			{ID: "t1", Name: "Front Desk", Role: auth.TeamMember},
			{ID: "t2", Name: "Clinic Ops", Role: auth.TeamLeader},
		},
		AppPermissions: map[string]string{"inventory": "read"},
	}
}

func newBus(t *testing.T, hub *broadcast.Hub) *broadcast.Bus {
	t.Helper()
	b, err := broadcast.New(hub.Transport())
	if err != nil {
		t.Fatalf("broadcast.New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestLoadingNeverResolves(t *testing.T) {
	c := New(&fakeSource{view: staffView()}, nil)
	for _, lvl := range []Level{LevelAuthenticated, LevelStaff, LevelAdmin, LevelTeamLeader} {
		if d := c.Check(lvl, GuardOptions{}); d != Loading {
			t.Fatalf("%s: expected loading before start, got %s", lvl, d)
		}
	}
}

func TestStartAndGuards(t *testing.T) {
	src := &fakeSource{view: staffView()}
	c := New(src, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	cases := []struct {
		level Level
		opts  GuardOptions
		want  Decision
	}{
		{LevelPublic, GuardOptions{}, Granted},
		{LevelAuthenticated, GuardOptions{}, Granted},
		{LevelStaff, GuardOptions{}, Granted},
		{LevelStaff, GuardOptions{App: "inventory"}, Granted},
		{LevelStaff, GuardOptions{App: "inventory", AppLevel: policy.LevelWrite}, AccessDenied},
		{LevelStaff, GuardOptions{App: "handouts", AppLevel: policy.LevelWrite}, Granted},
		{LevelAdmin, GuardOptions{}, AccessDenied},
		{LevelTeamMember, GuardOptions{TeamID: "t1"}, Granted},
		{LevelTeamMember, GuardOptions{TeamID: "t9"}, AccessDenied},
		{LevelTeamLeader, GuardOptions{TeamID: "t1"}, AccessDenied},
		{LevelTeamLeader, GuardOptions{TeamID: "t2"}, Granted},
		{LevelAuthenticated, GuardOptions{Roles: []auth.Role{auth.RoleManager}}, AccessDenied},
		{"made-up", GuardOptions{}, AccessDenied},
	}
	for _, tc := range cases {
		if got := c.Check(tc.level, tc.opts); got != tc.want {
			t.Fatalf("Check(%s, %+v) = %s, want %s", tc.level, tc.opts, got, tc.want)
		}
	}

	st := c.State()
	if st.Profile == nil || st.Profile.Email != "staff@example.com" {
		t.Fatalf("profile not derived: %+v", st.Profile)
	}
	if st.ActiveTeam == nil || st.ActiveTeam.ID != "t1" {
		t.Fatalf("expected first team active, got %+v", st.ActiveTeam)
	}
}

func TestSignedOutRequiresSignIn(t *testing.T) {
	c := New(&fakeSource{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if d := c.Check(LevelAuthenticated, GuardOptions{}); d != SignInRequired {
		t.Fatalf("expected sign-in required, got %s", d)
	}
	if d := c.Check(LevelPublic, GuardOptions{}); d != Granted {
		t.Fatalf("public must be granted, got %s", d)
	}
}

func TestFirstLoadErrorResolvesSignedOut(t *testing.T) {
	c := New(&fakeSource{err: errors.New("network")}, nil)
	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	defer c.Stop()
	if d := c.Check(LevelAuthenticated, GuardOptions{}); d != SignInRequired {
		t.Fatalf("expected sign-in required after failed load, got %s", d)
	}
}

func TestBroadcastSignOutClearsState(t *testing.T) {
	hub := broadcast.NewHub()
	other := newBus(t, hub)
	mine := newBus(t, hub)

	src := &fakeSource{view: staffView()}
	c := New(src, mine)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src.setView(nil)
	if err := other.NotifyAuthChange(context.Background(), broadcast.ActionSignOut); err != nil {
		t.Fatalf("NotifyAuthChange: %v", err)
	}
	waitFor(t, func() bool { return !c.State().SignedIn() })

	st := c.State()
	if st.User != nil || st.Session != nil || st.Profile != nil || st.Teams != nil || st.ActiveTeam != nil || st.Permissions != nil {
		t.Fatalf("expected everything cleared, got %+v", st)
	}
}

func TestBroadcastSignOutKeepsValidSession(t *testing.T) {
	hub := broadcast.NewHub()
	other := newBus(t, hub)
	mine := newBus(t, hub)

	src := &fakeSource{view: staffView()}
	c := New(src, mine)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	before := src.loadCount()
	if err := other.NotifyAuthChange(context.Background(), broadcast.ActionSignOut); err != nil {
		t.Fatalf("NotifyAuthChange: %v", err)
	}
	waitFor(t, func() bool { return src.loadCount() > before })
	if !c.State().SignedIn() {
		t.Fatal("a still-valid session must survive a sign-out elsewhere")
	}
}

func TestBroadcastSignInReloadsWhenSignedOut(t *testing.T) {
	hub := broadcast.NewHub()
	other := newBus(t, hub)
	mine := newBus(t, hub)

	src := &fakeSource{}
	c := New(src, mine)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src.setView(staffView())
	if err := other.NotifyAuthChange(context.Background(), broadcast.ActionSignIn); err != nil {
		t.Fatalf("NotifyAuthChange: %v", err)
	}
	waitFor(t, func() bool { return c.State().SignedIn() })
}

func TestSignOutNotifiesOtherApps(t *testing.T) {
	hub := broadcast.NewHub()
	other := newBus(t, hub)
	mine := newBus(t, hub)

	got := make(chan broadcast.Message, 1)
	other.OnAuthChange(func(m broadcast.Message) { got <- m })

	src := &fakeSource{view: staffView()}
	c := New(src, mine)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	changes := make(chan State, 4)
	c.OnChange(func(s State) { changes <- s })

	if err := c.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if c.State().SignedIn() {
		t.Fatal("expected signed out")
	}
	if st := <-changes; st.SignedIn() {
		t.Fatal("change listener must observe the cleared state")
	}
	select {
	case m := <-got:
		if m.Action != broadcast.ActionSignOut {
			t.Fatalf("unexpected action %s", m.Action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other app never heard the sign-out")
	}
}

func TestSignIn(t *testing.T) {
	c := New(&fakeSource{}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.SignIn(context.Background(), "staff@example.com", "wrong", ""); !errors.Is(err, ErrSignInRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if err := c.SignIn(context.Background(), "staff@example.com", "secret", ""); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if d := c.Check(LevelStaff, GuardOptions{}); d != Granted {
		t.Fatalf("expected staff access after sign-in, got %s", d)
	}
}

func TestSourceEvents(t *testing.T) {
	src := &fakeSource{view: staffView()}
	c := New(src, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.mu.Lock()
	fn := src.watchFn
	src.mu.Unlock()
	fn(EventSignedOut)
	if c.State().SignedIn() {
		t.Fatal("signed-out event must clear state")
	}
	fn(EventSignedIn)
	if !c.State().SignedIn() {
		t.Fatal("signed-in event must reload state")
	}

	c.Stop()
	src.mu.Lock()
	stopped := src.stopped
	src.mu.Unlock()
	if !stopped {
		t.Fatal("Stop must end the source watch")
	}
}

func TestSetActiveTeam(t *testing.T) {
	c := New(&fakeSource{view: staffView()}, nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if err := c.SetActiveTeam("t2"); err != nil {
		t.Fatalf("SetActiveTeam: %v", err)
	}
	if c.State().ActiveTeam.ID != "t2" {
		t.Fatal("active team not switched")
	}
	if err := c.Resync(context.Background()); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if c.State().ActiveTeam.ID != "t2" {
		t.Fatal("resync must keep the selected team")
	}
	if err := c.SetActiveTeam("nope"); !errors.Is(err, ErrUnknownTeam) {
		t.Fatalf("expected ErrUnknownTeam, got %v", err)
	}
	if !c.IsTeamLeader("t2") || c.IsTeamLeader("t1") || !c.IsTeamMember("t1") || c.IsAdmin() {
		t.Fatal("team helpers disagree with state")
	}
	if !c.HasAppAccess("inventory", policy.LevelRead) || c.HasAppAccess("inventory", policy.LevelWrite) {
		t.Fatal("explicit app level must win")
	}
}
