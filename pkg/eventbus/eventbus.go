// Package eventbus provides the Bus interface and an in-memory
// implementation for streaming sandbox lifecycle events.
package eventbus

import (
	"sync"
	"time"
)

// Event is a sandbox lifecycle notification.
type Event struct {
	SandboxID string    `json:"sandbox_id"`
	Type      string    `json:"type"` // "status", "command", "error"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Bus provides pub/sub for sandbox events.
type Bus interface {
	Subscribe(sandboxID string) chan *Event
	Unsubscribe(sandboxID string, ch chan *Event)
	Publish(sandboxID string, event *Event)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *Event),
	}
}

// Subscribe creates a channel that receives events for a sandbox.
func (b *InMemoryBus) Subscribe(sandboxID string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, 64)
	b.subs[sandboxID] = append(b.subs[sandboxID], ch)
	return ch
}

// Unsubscribe removes a channel from the sandbox's subscribers.
func (b *InMemoryBus) Unsubscribe(sandboxID string, ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sandboxID]
	for i, s := range subs {
		if s == ch {
			b.subs[sandboxID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for a sandbox.
func (b *InMemoryBus) Publish(sandboxID string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[sandboxID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
