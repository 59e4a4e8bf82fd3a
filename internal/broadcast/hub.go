package broadcast

import (
	"context"
	"sync"
)

// Hub is an in-process channel. Every Transport taken from the same Hub sees
// every message published on it.
type Hub struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func([]byte)
}

func NewHub() *Hub {
	return &Hub{handlers: make(map[int]func([]byte))}
}

// Transport returns a Transport attached to h.
func (h *Hub) Transport() Transport { return hubTransport{h} }

type hubTransport struct{ h *Hub }

func (t hubTransport) Publish(_ context.Context, data []byte) error {
	t.h.mu.RLock()
	hs := make([]func([]byte), 0, len(t.h.handlers))
	for _, fn := range t.h.handlers {
		hs = append(hs, fn)
	}
	t.h.mu.RUnlock()
	for _, fn := range hs {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (t hubTransport) Subscribe(handler func([]byte)) (func(), error) {
	t.h.mu.Lock()
	id := t.h.next
	t.h.next++
	t.h.handlers[id] = handler
	t.h.mu.Unlock()
	return func() {
		t.h.mu.Lock()
		delete(t.h.handlers, id)
		t.h.mu.Unlock()
	}, nil
}
