package authctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"staffportal.org/internal/auth"
	"staffportal.org/internal/broadcast"
	"staffportal.org/internal/obs"
	"staffportal.org/internal/policy"
)

// Event is a session state change reported by a Source.
type Event string

const (
	EventSignedIn    Event = "signed_in"
	EventSignedOut   Event = "signed_out"
	EventUserUpdated Event = "user_updated"
)

// Source is the client's connection to the session backend. Load returns a
// nil view when there is no valid session.
type Source interface {
	Load(ctx context.Context) (*auth.SessionView, error)
	SignIn(ctx context.Context, email, password, mfaCode string) (*auth.SessionView, error)
	SignOut(ctx context.Context) error
	Watch(ctx context.Context, fn func(Event)) (stop func(), err error)
}

// Broadcaster is the cross-app channel. *broadcast.Bus implements it.
type Broadcaster interface {
	NotifyAuthChange(ctx context.Context, action broadcast.Action) error
	OnAuthChange(fn func(broadcast.Message)) (unsubscribe func())
}

var ErrUnknownTeam = errors.New("authctx: not a member of team")

// Context holds the client-side auth state. It is safe for concurrent use.
type Context struct {
	src Source
	bus Broadcaster

	mu        sync.Mutex
	state     State
	started   bool
	stopWatch func()
	stopBus   func()
	cancel    context.CancelFunc
	nextSub   int
	subs      map[int]func(State)
}

// New creates a Context in the loading state. bus may be nil.
func New(src Source, bus Broadcaster) *Context {
	return &Context{
		src:   src,
		bus:   bus,
		state: State{Loading: true},
		subs:  make(map[int]func(State)),
	}
}

// Start loads the current session and subscribes to source events and the
// broadcast channel. Start on a started Context is a no-op.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	loadErr := c.reload(ctx)

	stopWatch, err := c.src.Watch(runCtx, func(ev Event) { c.onSourceEvent(runCtx, ev) })
	if err != nil {
		c.Stop()
		return fmt.Errorf("authctx: watch: %w", err)
	}
	var stopBus func()
	if c.bus != nil {
		stopBus = c.bus.OnAuthChange(func(m broadcast.Message) { c.onBroadcast(runCtx, m) })
	}

	c.mu.Lock()
	c.stopWatch, c.stopBus = stopWatch, stopBus
	c.mu.Unlock()
	return loadErr
}

// Stop tears down both subscriptions. State is kept.
func (c *Context) Stop() {
	c.mu.Lock()
	stopWatch, stopBus, cancel := c.stopWatch, c.stopBus, c.cancel
	c.stopWatch, c.stopBus, c.cancel = nil, nil, nil
	c.started = false
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if stopBus != nil {
		stopBus()
	}
	if cancel != nil {
		cancel()
	}
}

// Resync re-reads the session, typically when a window regains focus.
func (c *Context) Resync(ctx context.Context) error {
	return c.reload(ctx)
}

// State returns a copy of the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// OnChange registers fn to run after every state change.
func (c *Context) OnChange(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SignIn authenticates through the source and tells other apps.
func (c *Context) SignIn(ctx context.Context, email, password, mfaCode string) error {
	view, err := c.src.SignIn(ctx, email, password, mfaCode)
	if err != nil {
		return err
	}
	c.apply(view)
	c.notify(ctx, broadcast.ActionSignIn)
	return nil
}

// SignOut ends the session, clears local state and tells other apps.
func (c *Context) SignOut(ctx context.Context) error {
	err := c.src.SignOut(ctx)
	c.set(State{})
	c.notify(ctx, broadcast.ActionSignOut)
	return err
}

// SetActiveTeam selects one of the user's teams.
func (c *Context) SetActiveTeam(teamID string) error {
	c.mu.Lock()
	var found *auth.Team
	for i := range c.state.Teams {
		if c.state.Teams[i].ID == teamID {
			t := c.state.Teams[i]
			found = &t
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		return ErrUnknownTeam
	}
	c.state.ActiveTeam = found
	st := c.state.clone()
	c.mu.Unlock()
	c.publish(st)
	return nil
}

// Check evaluates a guard against the current state.
func (c *Context) Check(level Level, opts GuardOptions) Decision {
	return Evaluate(c.State(), level, opts)
}

func (c *Context) HasAppAccess(app string, level policy.Level) bool {
	return hasAppAccess(c.State(), app, level)
}

func (c *Context) IsTeamMember(teamID string) bool { return isTeamMember(c.State(), teamID) }

func (c *Context) IsTeamLeader(teamID string) bool { return isTeamLeader(c.State(), teamID) }

func (c *Context) IsAdmin() bool { return isAdmin(c.State()) }

func (c *Context) onSourceEvent(ctx context.Context, ev Event) {
	switch ev {
	case EventSignedOut:
		c.set(State{})
	default:
		if err := c.reload(ctx); err != nil {
			obs.Logger().Warn("authctx: reload after source event failed", zap.String("event", string(ev)), zap.Error(err))
		}
	}
}

func (c *Context) onBroadcast(ctx context.Context, m broadcast.Message) {
	switch m.Action {
	case broadcast.ActionSignOut:
		if err := c.reload(ctx); err != nil {
			obs.Logger().Warn("authctx: revalidate after sign-out broadcast failed", zap.Error(err))
		}
	case broadcast.ActionSignIn:
		if c.State().SignedIn() {
			return
		}
		if err := c.reload(ctx); err != nil {
			obs.Logger().Warn("authctx: reload after sign-in broadcast failed", zap.Error(err))
		}
	}
}

// reload asks the source for the session. On error the previous state is
// kept, except that a first load resolves to signed out.
func (c *Context) reload(ctx context.Context) error {
	view, err := c.src.Load(ctx)
	if err != nil {
		c.mu.Lock()
		loading := c.state.Loading
		c.mu.Unlock()
		if loading {
			c.set(State{})
		}
		return err
	}
	c.apply(view)
	return nil
}

func (c *Context) apply(view *auth.SessionView) {
	c.mu.Lock()
	prev := ""
	if c.state.ActiveTeam != nil {
		prev = c.state.ActiveTeam.ID
	}
	c.mu.Unlock()
	c.set(stateFromView(view, prev))
}

func (c *Context) set(st State) {
	c.mu.Lock()
	c.state = st
	snap := st.clone()
	c.mu.Unlock()
	c.publish(snap)
}

func (c *Context) publish(st State) {
	c.mu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Context) notify(ctx context.Context, action broadcast.Action) {
	if c.bus == nil {
		return
	}
	if err := c.bus.NotifyAuthChange(ctx, action); err != nil {
		obs.Logger().Warn("authctx: broadcast failed", zap.String("action", string(action)), zap.Error(err))
	}
}
