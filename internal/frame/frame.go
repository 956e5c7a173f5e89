// Package frame models an isolated document context. Frames share no state;
// they communicate only through PostMessage and the endpoints it transfers.
package frame

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
)

// Wildcard is the target origin that matches any frame.
const Wildcard = "*"

// MessageEvent is delivered to a frame's message listeners.
type MessageEvent struct {
	Data   json.RawMessage
	Origin string
	Source *Frame
	Ports  []*port.Endpoint
}

// Listener receives messages posted to a frame.
type Listener func(MessageEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Frame is one document context with its own event loop. Listeners and
// scheduled tasks run on that loop one at a time.
type Frame struct {
	ID     string
	Origin string

	log zerolog.Logger

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
	tasks     []func()
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New creates a frame served from origin and starts its event loop.
func New(origin string) *Frame {
	f := &Frame{
		ID:     ulid.Make().String(),
		Origin: origin,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	f.log = logging.Component("frame").With().Str("frame", f.ID).Logger()
	go f.loop()
	return f
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%s %s)", f.ID, f.Origin)
}

// PostMessage posts data to f on behalf of source. The message is dropped
// unless targetOrigin is Wildcard or f's origin. Ports are transferred to f
// and cannot be posted again.
func (f *Frame) PostMessage(source *Frame, data any, targetOrigin string, ports ...*port.Endpoint) error {
	payload, err := encode(data)
	if err != nil {
		return err
	}
	if targetOrigin != Wildcard && targetOrigin != f.Origin {
		f.log.Debug().
			Str("targetOrigin", targetOrigin).
			Msg("dropping message for another origin")
		return nil
	}
	if err := port.Transfer(ports...); err != nil {
		return err
	}

	ev := MessageEvent{Data: payload, Source: source, Ports: ports}
	if source != nil {
		ev.Origin = source.Origin
	}
	f.Run(func() { f.dispatch(ev) })
	return nil
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("frame: encode message: %w", err)
		}
		return b, nil
	}
}

// AddListener registers fn for messages posted to the frame.
// Returns a function removing the listener.
func (f *Frame) AddListener(fn Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := f.nextID
	f.listeners = append(append([]listenerEntry(nil), f.listeners...), listenerEntry{id: id, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		next := make([]listenerEntry, 0, len(f.listeners))
		for _, l := range f.listeners {
			if l.id != id {
				next = append(next, l)
			}
		}
		f.listeners = next
	}
}

// Run schedules fn on the frame's event loop. Tasks scheduled after Close are
// dropped.
func (f *Frame) Run(fn func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.tasks = append(f.tasks, fn)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the event loop and waits for it to return. It returns false if
// the frame is closed before fn runs. Do must not be called from the loop.
func (f *Frame) Do(fn func()) bool {
	ran := make(chan struct{})
	f.Run(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-f.done:
		return false
	}
}

func (f *Frame) dispatch(ev MessageEvent) {
	f.mu.Lock()
	listeners := f.listeners
	f.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

func (f *Frame) loop() {
	for {
		select {
		case <-f.done:
			return
		case <-f.wake:
		}

		for {
			f.mu.Lock()
			if f.closed || len(f.tasks) == 0 {
				f.mu.Unlock()
				break
			}
			task := f.tasks[0]
			f.tasks = f.tasks[1:]
			f.mu.Unlock()

			task()
		}
	}
}

// Done is closed when the frame is closed.
func (f *Frame) Done() <-chan struct{} {
	return f.done
}

// Close stops the event loop and drops pending tasks and listeners.
func (f *Frame) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.tasks = nil
	f.listeners = nil
	f.mu.Unlock()

	close(f.done)
}
