package server

import (
	"sync"

	"go.uber.org/zap"

	"hightd-agent/internal/logging"
	"hightd-agent/pkg/models"
)

// EventBus fans live events out to every subscriber of one server instance.
// Subscribers only see events emitted after they subscribed; there is no
// replay buffer.
type EventBus struct {
	subMu  sync.Mutex
	emitMu sync.Mutex
	nextID int
	subs   map[int]func(models.Event)
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]func(models.Event))}
}

// Subscribe registers fn and returns its unsubscribe function. The
// unsubscribe is idempotent.
func (b *EventBus) Subscribe(fn func(models.Event)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
		})
	}
}

// Emit delivers ev synchronously to every subscriber. A panicking subscriber
// must not prevent delivery to the others. Emissions are serialized so each
// subscriber observes events in emission order.
func (b *EventBus) Emit(ev models.Event) {
	b.subMu.Lock()
	targets := make([]func(models.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		targets = append(targets, fn)
	}
	b.subMu.Unlock()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	for _, fn := range targets {
		deliver(fn, ev)
	}
}

// Clear drops every subscriber. Used when an instance is destroyed.
func (b *EventBus) Clear() {
	b.subMu.Lock()
	b.subs = make(map[int]func(models.Event))
	b.subMu.Unlock()
}

func deliver(fn func(models.Event), ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Warn("event subscriber panicked", zap.Any("panic", r))
		}
	}()
	fn(ev)
}
