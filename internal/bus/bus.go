// Package bus implements the in-process event bus. Delivery is
// synchronous on the emitting goroutine; handlers registered under one
// event name run in registration order. A panicking handler is logged and
// skipped, it never blocks delivery to the remaining handlers.
package bus

import (
	"sync"

	"github.com/rs/zerolog"

	xlog "sonicinput/internal/log"
)

// Handler receives the payload passed to Emit.
type Handler func(payload any)

type subscription struct {
	id int
	fn Handler
}

// Bus is a name-keyed synchronous publish/subscribe dispatcher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
	logger zerolog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: xlog.WithComponent("bus"),
	}
}

// On registers fn for the named event and returns a token for Off.
func (b *Bus) On(name string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[name] = append(b.subs[name], subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the subscription identified by token from the named event.
func (b *Bus) Off(name string, token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[name]
	for i, s := range list {
		if s.id == token {
			b.subs[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler registered under name, in
// registration order, on the caller's goroutine.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	list := make([]subscription, len(b.subs[name]))
	copy(list, b.subs[name])
	b.mu.RUnlock()

	for _, s := range list {
		b.dispatch(name, s, payload)
	}
}

func (b *Bus) dispatch(name string, s subscription, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", name).
				Int("subscription", s.id).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	s.fn(payload)
}
