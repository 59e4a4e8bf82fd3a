// Package broadcast propagates sign-in and sign-out events between every
// portal application and tab. Delivery is at-most-once; the session store
// stays the source of truth.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"staffportal.org/internal/obs"
)

// Channel is the well-known broadcast channel name.
const Channel = "portal.auth.sync"

// MessageType tags auth-change messages on the channel.
const MessageType = "auth-change"

type Action string

const (
	ActionSignIn  Action = "signin"
	ActionSignOut Action = "signout"
)

// Message is the wire form of one auth change.
type Message struct {
	Type      string `json:"type"`
	Action    Action `json:"action"`
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"origin"`
}

// Transport moves encoded messages between buses.
type Transport interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(handler func([]byte)) (unsubscribe func(), err error)
}

var ErrClosed = errors.New("broadcast: bus closed")

const defaultQueueSize = 16

type listener struct {
	fn    func(Message)
	queue chan Message
	done  chan struct{}
}

// Bus is one participant on the channel.
type Bus struct {
	id        string
	transport Transport
	queueSize int
	now       func() time.Time

	unsubscribe func()

	mu        sync.Mutex
	closed    bool
	nextID    int
	listeners map[int]*listener
}

type Option func(*Bus)

// WithQueueSize bounds each listener's pending queue.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New joins the channel carried by t.
func New(t Transport, opts ...Option) (*Bus, error) {
	b := &Bus{
		id:        uuid.NewString(),
		transport: t,
		queueSize: defaultQueueSize,
		now:       time.Now,
		listeners: make(map[int]*listener),
	}
	for _, opt := range opts {
		opt(b)
	}
	unsub, err := t.Subscribe(b.receive)
	if err != nil {
		return nil, fmt.Errorf("broadcast: subscribe: %w", err)
	}
	b.unsubscribe = unsub
	return b, nil
}

// ID identifies this bus as a message origin.
func (b *Bus) ID() string { return b.id }

// NotifyAuthChange announces action to every other bus on the channel.
func (b *Bus) NotifyAuthChange(ctx context.Context, action Action) error {
	if action != ActionSignIn && action != ActionSignOut {
		return fmt.Errorf("broadcast: unknown action %q", action)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(Message{
		Type:      MessageType,
		Action:    action,
		Timestamp: b.now().UnixMilli(),
		Origin:    b.id,
	})
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, data)
}

// OnAuthChange registers fn for messages from other buses. fn runs on a
// goroutine owned by the listener, one message at a time, in arrival order.
func (b *Bus) OnAuthChange(fn func(Message)) (unsubscribe func()) {
	l := &listener{fn: fn, queue: make(chan Message, b.queueSize), done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	go func() {
		defer close(l.done)
		for m := range l.queue {
			l.fn(m)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.listeners[id]; ok {
				delete(b.listeners, id)
				close(l.queue)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) receive(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		obs.Logger().Debug("broadcast: malformed message", zap.Error(err))
		return
	}
	if m.Type != MessageType || m.Origin == b.id {
		return
	}
	if m.Action != ActionSignIn && m.Action != ActionSignOut {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		select {
		case l.queue <- m:
		default:
			obs.ObserveBroadcastDropped()
		}
	}
}

// Close leaves the channel and stops every listener. Queued messages are
// still delivered.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ls := b.listeners
	b.listeners = make(map[int]*listener)
	for _, l := range ls {
		close(l.queue)
	}
	b.mu.Unlock()

	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	for _, l := range ls {
		<-l.done
	}
	return nil
}
