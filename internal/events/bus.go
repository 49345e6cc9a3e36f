// Package events provides the engine's fire-and-forget event bus.
// Publishing never blocks: a subscriber that cannot keep up loses events
// rather than stalling the tracking path.
package events

import (
	"sync"

	"github.com/dietrichmax/colota/internal/types"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 16

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan types.Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan types.Event)}
}

// Subscribe registers a new observer. The returned cancel function removes
// the subscription and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe() (<-chan types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.Event, defaultBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
// Subscribers with a full buffer miss the event.
func (b *Bus) Publish(event types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
