package client

import (
	"encoding/json"
	"log/slog"
	"sync"

	"driftboard/internal/protocol"
)

// Event is what handlers receive: the sender identity stamped by the server
// and the raw payload, decoded by whichever engine cares about it.
type Event struct {
	User *protocol.User
	Data json.RawMessage
}

// Handler consumes one event. Handlers run synchronously on the emitting
// goroutine, in registration order.
type Handler func(Event)

type busEntry struct {
	id int
	fn Handler
}

// Bus is a per-core publish/subscribe registry keyed by message type. It
// carries no state of its own; late subscribers see only future events.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[protocol.Type][]busEntry
	logger   *slog.Logger
}

func NewBus() *Bus {
	return &Bus{
		nextID:   1,
		handlers: make(map[protocol.Type][]busEntry),
		logger:   slog.With("component", "bus"),
	}
}

// On registers a handler for a message type and returns a subscription id
// usable with Off. The same function may be registered more than once; each
// registration gets its own id.
func (b *Bus) On(t protocol.Type, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[t] = append(b.handlers[t], busEntry{id: id, fn: fn})
	return id
}

// Off removes one subscription. Unknown ids are ignored.
func (b *Bus) Off(t protocol.Type, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[t]
	for i, e := range entries {
		if e.id == id {
			b.handlers[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every handler registered for the type. A panic
// in one handler is recovered and logged so the remaining handlers still run.
func (b *Bus) Emit(t protocol.Type, ev Event) {
	b.mu.Lock()
	entries := make([]busEntry, len(b.handlers[t]))
	copy(entries, b.handlers[t])
	b.mu.Unlock()

	for _, e := range entries {
		b.invoke(t, e, ev)
	}
}

func (b *Bus) invoke(t protocol.Type, e busEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", "type", string(t), "panic", r)
		}
	}()
	e.fn(ev)
}
