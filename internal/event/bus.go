package event

import (
	"sync"
	"sync/atomic"
)

// EventType represents the type of event.
type EventType string

const (
	AnchorsChanged          EventType = "anchors.changed"
	AnnotationsLoaded       EventType = "annotations.loaded"
	AnnotationDeleted       EventType = "annotation.deleted"
	BeforeAnnotationCreated EventType = "annotation.before-created"
	HasSelectionChanged     EventType = "selection.changed"
	ScrollToRange           EventType = "scroll.range"
	HostPortRequest         EventType = "port.host-request"
	SidebarOpened           EventType = "sidebar.opened"
	SidebarClosed           EventType = "sidebar.closed"
	HighlightsVisible       EventType = "highlights.visible"
	FrameConnected          EventType = "frame.connected"
	FrameDestroyed          EventType = "frame.destroyed"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an observer registry. Every component that needs one is handed an
// explicit instance; there is no package-level bus.
type Bus struct {
	mu sync.RWMutex

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

// unsubscribe removes a subscriber for a specific event type. The slice is
// rebuilt so a publish already iterating over the old one is unaffected.
func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	next := make([]subscriberEntry, 0, len(subs))
	for _, entry := range subs {
		if entry.id != id {
			next = append(next, entry)
		}
	}
	b.subscribers[eventType] = next
}

// unsubscribeGlobal removes a global subscriber.
func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]subscriberEntry, 0, len(b.global))
	for _, entry := range b.global {
		if entry.id != id {
			next = append(next, entry)
		}
	}
	b.global = next
}

// collect snapshots the subscribers for an event type, typed ones first.
func (b *Bus) collect(eventType EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func (b *Bus) Publish(event Event) {
	for _, sub := range b.collect(event.Type) {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously, in
// subscription order, before returning.
func (b *Bus) PublishSync(event Event) {
	for _, sub := range b.collect(event.Type) {
		sub(event)
	}
}

// Close drops all subscribers. Later publishes and subscriptions are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	return nil
}
