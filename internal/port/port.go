// Package port implements paired communication endpoints.
//
// A Pair is two linked endpoints. A message posted on one endpoint is
// delivered, in order, to the listeners of the other. Messages posted before
// the receiving endpoint is started are queued and delivered once it starts.
// Each endpoint may be handed to another frame exactly once (see Transfer).
//
// Every pair is backed by its own watermill gochannel with one topic per
// direction. Publishing blocks until the receiving endpoint has queued the
// message, which keeps delivery ordered without tying the sender to the
// receiver's listeners.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/marginalia/framesync/internal/logging"
)

var (
	// ErrTransferred is returned when an endpoint is transferred a second time.
	ErrTransferred = errors.New("port: endpoint already transferred")
	// ErrClosed is returned when starting a closed endpoint.
	ErrClosed = errors.New("port: endpoint closed")
)

// Message is what an endpoint's listeners receive.
type Message struct {
	Data  json.RawMessage
	Ports []*Endpoint
}

// Listener receives messages delivered to an endpoint.
type Listener func(Message)

// Pair is two linked endpoints. By convention Port1 belongs to the first frame
// named by a channel and Port2 to the second.
type Pair struct {
	Port1 *Endpoint
	Port2 *Endpoint

	pubsub *gochannel.GoChannel

	mu          sync.Mutex
	attachments map[string][]*Endpoint
	openEnds    int
}

// NewPair creates a linked endpoint pair.
func NewPair() *Pair {
	p := &Pair{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            16,
				BlockPublishUntilSubscriberAck: true,
			},
			logging.Watermill(),
		),
		attachments: make(map[string][]*Endpoint),
		openEnds:    2,
	}
	p.Port1 = newEndpoint(p, "port1")
	p.Port2 = newEndpoint(p, "port2")
	p.Port1.peer = p.Port2
	p.Port2.peer = p.Port1
	return p
}

// Close closes both endpoints.
func (p *Pair) Close() {
	p.Port1.Close()
	p.Port2.Close()
}

func (p *Pair) attach(id string, ports []*Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attachments[id] = ports
}

func (p *Pair) detach(id string) []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := p.attachments[id]
	delete(p.attachments, id)
	return ports
}

func (p *Pair) endClosed() {
	p.mu.Lock()
	p.openEnds--
	last := p.openEnds == 0
	if last {
		p.attachments = make(map[string][]*Endpoint)
	}
	p.mu.Unlock()

	if last {
		_ = p.pubsub.Close()
	}
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Endpoint is one half of a Pair.
type Endpoint struct {
	pair *Pair
	peer *Endpoint
	// topic is this endpoint's inbox.
	topic string

	transferred atomic.Bool

	// sendMu serializes deliveries into this endpoint's inbox.
	sendMu sync.Mutex

	mu        sync.Mutex
	listeners []listenerEntry
	nextID    uint64
	started   bool
	closed    bool
	pending   []*message.Message
	queue     []Message
	cancel    context.CancelFunc

	signal chan struct{}
	done   chan struct{}
}

func newEndpoint(p *Pair, topic string) *Endpoint {
	return &Endpoint{
		pair:   p,
		topic:  topic,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// String identifies the endpoint in logs.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%p/%s", e.pair, e.topic)
}

// Transferred reports whether the endpoint has been handed to another frame.
func (e *Endpoint) Transferred() bool {
	return e.transferred.Load()
}

// Transfer marks every endpoint as handed over. It fails without marking any
// of them if one was already transferred.
func Transfer(ports ...*Endpoint) error {
	for i, p := range ports {
		if p.transferred.CompareAndSwap(false, true) {
			continue
		}
		for _, prev := range ports[:i] {
			prev.transferred.Store(false)
		}
		return fmt.Errorf("%w: %s", ErrTransferred, p)
	}
	return nil
}

// PostMessage sends data to the other endpoint of the pair, transferring
// ports along with it. data may be a json.RawMessage or any JSON-encodable
// value. Messages posted on a closed pair are dropped.
func (e *Endpoint) PostMessage(data any, ports ...*Endpoint) error {
	payload, err := encode(data)
	if err != nil {
		return err
	}
	if e.isClosed() || e.peer.isClosed() {
		return nil
	}
	if err := Transfer(ports...); err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), message.Payload(payload))
	if len(ports) > 0 {
		e.pair.attach(msg.UUID, ports)
	}
	return e.peer.deliver(msg)
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
			return nil, fmt.Errorf("port: encode message: %w", err)
		}
		return b, nil
	}
}

func (e *Endpoint) deliver(msg *message.Message) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.pair.detach(msg.UUID)
		return nil
	}
	if !e.started {
		e.pending = append(e.pending, msg)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.pair.pubsub.Publish(e.topic, msg); err != nil && !e.isClosed() {
		return fmt.Errorf("port: publish: %w", err)
	}
	return nil
}

// AddListener registers fn for messages delivered to this endpoint.
// Returns a function removing the listener.
func (e *Endpoint) AddListener(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners = append(append([]listenerEntry(nil), e.listeners...), listenerEntry{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		next := make([]listenerEntry, 0, len(e.listeners))
		for _, l := range e.listeners {
			if l.id != id {
				next = append(next, l)
			}
		}
		e.listeners = next
	}
}

// Start begins delivering messages to listeners, first the ones queued while
// the endpoint was not started. Starting twice is a no-op.
func (e *Endpoint) Start() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := e.pair.pubsub.Subscribe(ctx, e.topic)
	if err != nil {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("port: subscribe: %w", err)
	}
	e.cancel = cancel
	e.started = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	go e.receive(msgs)
	go e.dispatch()

	for _, msg := range pending {
		if err := e.pair.pubsub.Publish(e.topic, msg); err != nil {
			return fmt.Errorf("port: publish queued message: %w", err)
		}
	}
	return nil
}

// receive moves messages from the subscription into the local queue and
// acknowledges them, unblocking the sender.
func (e *Endpoint) receive(msgs <-chan *message.Message) {
	for msg := range msgs {
		m := Message{
			Data:  json.RawMessage(msg.Payload),
			Ports: e.pair.detach(msg.UUID),
		}

		e.mu.Lock()
		if !e.closed {
			e.queue = append(e.queue, m)
		}
		e.mu.Unlock()
		msg.Ack()

		select {
		case e.signal <- struct{}{}:
		default:
		}
	}
}

// dispatch calls listeners for queued messages, one message at a time.
func (e *Endpoint) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		for {
			e.mu.Lock()
			if e.closed || len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			m := e.queue[0]
			e.queue = e.queue[1:]
			listeners := e.listeners
			e.mu.Unlock()

			for _, l := range listeners {
				l.fn(m)
			}
		}
	}
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops delivery on this endpoint. Queued messages are discarded and
// later messages posted to either side of the pair are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.pending = nil
	e.queue = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(e.done)
	e.pair.endClosed()
	return nil
}
