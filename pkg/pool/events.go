package pool

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a pool lifecycle event.
type EventType string

const (
	// EventInitialized fires once the pool has finished eager creation.
	EventInitialized EventType = "initialized"
	// EventConnectionCreated fires for every successful factory call.
	EventConnectionCreated EventType = "connection_created"
	// EventConnectionAcquired fires when a connection is lent to a caller.
	EventConnectionAcquired EventType = "connection_acquired"
	// EventConnectionReleased fires when a caller returns a connection.
	EventConnectionReleased EventType = "connection_released"
	// EventConnectionRemoved fires when a connection is destroyed.
	EventConnectionRemoved EventType = "connection_removed"
	// EventClosed fires once when the pool shuts down.
	EventClosed EventType = "closed"
)

// Event describes a single pool occurrence. Events exist purely for
// monitoring; no pool behavior depends on anyone listening.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	ConnectionID string    `json:"connection_id,omitempty"`
	PoolSize     int       `json:"pool_size"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventHandler receives pool events. Handlers run synchronously on the
// emitting goroutine (outside the pool mutex) and must return quickly.
type EventHandler func(Event)

// eventDispatcher fans events out to registered handlers.
type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{handlers: make(map[string]EventHandler)}
}

func (d *eventDispatcher) subscribe(h EventHandler) string {
	id := uuid.New().String()
	d.mu.Lock()
	d.handlers[id] = h
	d.mu.Unlock()
	return id
}

func (d *eventDispatcher) unsubscribe(id string) {
	d.mu.Lock()
	delete(d.handlers, id)
	d.mu.Unlock()
}

func (d *eventDispatcher) emit(ev Event) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribe registers a handler for pool events and returns a subscription
// id for Unsubscribe.
func (p *Pool) Subscribe(h EventHandler) string {
	return p.events.subscribe(h)
}

// Unsubscribe removes a previously registered event handler.
func (p *Pool) Unsubscribe(id string) {
	p.events.unsubscribe(id)
}

// emitEvent is called with the pool mutex released.
func (p *Pool) emitEvent(t EventType, connID string) {
	p.mu.Lock()
	size := len(p.conns)
	p.mu.Unlock()

	p.events.emit(Event{
		ID:           uuid.New().String(),
		Type:         t,
		ConnectionID: connID,
		PoolSize:     size,
		Timestamp:    time.Now(),
	})
}
