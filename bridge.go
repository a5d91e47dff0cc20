package sockethub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Event is a server-side message emitted on a channel through an
// EventBridge.
type Event struct {
	SubID   string
	Type    string
	Payload json.RawMessage
}

// Listener receives events emitted on the channel it was attached to.
// Listeners must not block.
type Listener func(Event)

// EventBridge is an in-process publish/subscribe bus keyed by channel name.
// It lets other subsystems of the host push messages to the subscribers of
// a channel. The hub attaches a listener to a channel when the channel
// gains its first subscription and detaches it once the channel is pruned,
// so Emit reports whether anyone is listening.
//
// EventBridge is safe for concurrent use.
type EventBridge struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]Listener
	seq       atomic.Uint64
}

// NewEventBridge returns an empty bridge.
func NewEventBridge() *EventBridge {
	return &EventBridge{listeners: make(map[string]map[uint64]Listener)}
}

// On attaches fn to channel. The returned func detaches it; calling it
// more than once is safe.
func (b *EventBridge) On(channel string, fn Listener) (off func()) {
	id := b.seq.Add(1)

	b.mu.Lock()
	ls, ok := b.listeners[channel]
	if !ok {
		ls = make(map[uint64]Listener)
		b.listeners[channel] = ls
	}
	ls[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if ls, ok := b.listeners[channel]; ok {
				delete(ls, id)
				if len(ls) == 0 {
					delete(b.listeners, channel)
				}
			}
		})
	}
}

// Off detaches every listener of channel and returns how many there were.
func (b *EventBridge) Off(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.listeners[channel])
	delete(b.listeners, channel)
	return n
}

// ListenerCount returns the number of listeners attached to channel.
func (b *EventBridge) ListenerCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[channel])
}

// Emit calls every listener of channel with e, and reports whether there
// was at least one.
func (b *EventBridge) Emit(channel string, e Event) bool {
	// Snapshot so listeners run without the lock held.
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners[channel]))
	for _, fn := range b.listeners[channel] {
		ls = append(ls, fn)
	}
	b.mu.RUnlock()

	for _, fn := range ls {
		fn(e)
	}
	return len(ls) > 0
}
