// Package events provides the in-process publish/subscribe dispatch the
// engine uses to decouple exchange lifecycle changes from the listeners
// reacting to them (file movers, consumer notifications, spawned acks).
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Exchange lifecycle event names.
const (
	EventRecordCreated = "exchange.record.created"
	EventStateChanged  = "exchange.record.state-changed"
	EventExchangeDone  = "exchange.record.done"
	EventExchangeError = "exchange.record.error"
)

// Event is one exchange lifecycle notification.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RecordID string    `json:"recordId"`
	At       time.Time `json:"at"`

	// Data carries event-specific details (old/new state, error text,
	// filename) as flat strings.
	Data map[string]string `json:"data,omitempty"`
}

// New builds an event for a record with a fresh ID.
func New(name, recordID string, data map[string]string) Event {
	return Event{
		ID:       uuid.NewString(),
		Name:     name,
		RecordID: recordID,
		At:       time.Now(),
		Data:     data,
	}
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; long work belongs on the job queue, not in a handler.
type Handler func(ctx context.Context, ev Event)

// Bus is a synchronous in-process event dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit dispatches the event to all handlers for its name. A panicking
// handler is logged and skipped; it never aborts the emitting phase.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked",
						"event", ev.Name,
						"recordId", ev.RecordID,
						"panic", r)
				}
			}()
			h(ctx, ev)
		}()
	}
}
