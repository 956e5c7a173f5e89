// Package bridge provides a call/notify/reply surface over one or more
// endpoints.
//
// A Bridge aggregates links, one per connected peer. Call sends a method to
// every peer; Link.Call addresses a single one. Handlers registered with On
// serve calls from any peer. Calls arriving on one link are handled in
// arrival order, one at a time; there is no ordering across links.
//
// A call naming a method with no handler is ignored by the receiving peer and
// never replied to.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
)

var (
	// ErrDestroyed is returned by calls made after Destroy.
	ErrDestroyed = errors.New("bridge: destroyed")
	// ErrClosed is returned by calls on a closed link.
	ErrClosed = errors.New("bridge: link closed")
)

// Handler serves one call. The returned value is sent back as the result when
// the caller asked for a reply; a returned error is sent as a RemoteError.
type Handler func(ctx context.Context, call *Call) (any, error)

// ReplyFunc receives a peer's reply.
type ReplyFunc func(link *Link, result json.RawMessage, err error)

// Reply is one peer's answer collected by CallAll.
type Reply struct {
	Link   *Link
	Result json.RawMessage
	Err    error
}

// Call is an inbound call.
type Call struct {
	Method string
	Params []json.RawMessage
	// Link is the peer the call came from.
	Link *Link
}

// Arg decodes parameter i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Params) {
		return &RemoteError{Code: InvalidParams, Message: fmt.Sprintf("%s: missing argument %d", c.Method, i)}
	}
	if err := json.Unmarshal(c.Params[i], v); err != nil {
		return &RemoteError{Code: InvalidParams, Message: fmt.Sprintf("%s: argument %d: %v", c.Method, i, err)}
	}
	return nil
}

// NArgs returns the number of parameters.
func (c *Call) NArgs() int {
	return len(c.Params)
}

// Bridge is a set of links sharing one handler table.
type Bridge struct {
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	handlers  map[string]Handler
	links     []*Link
	destroyed bool
}

// New creates an empty bridge.
func New() *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		log:      logging.Component("bridge"),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for method. Registering a method twice panics.
func (b *Bridge) On(method string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.handlers[method]; dup {
		panic("bridge: handler already registered for " + method)
	}
	b.handlers[method] = h
}

func (b *Bridge) handler(method string) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handlers[method]
}

// CreateChannel adds a peer reachable through ep and starts ep. The returned
// link addresses that peer alone.
func (b *Bridge) CreateChannel(ep *port.Endpoint) (*Link, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	l := newLink(b, ep)
	b.links = append(append([]*Link(nil), b.links...), l)
	b.mu.Unlock()

	remove := ep.AddListener(l.onMessage)
	l.mu.Lock()
	l.remove = remove
	l.mu.Unlock()

	go l.serve()
	if err := ep.Start(); err != nil {
		l.Close()
		return nil, fmt.Errorf("bridge: start endpoint: %w", err)
	}
	return l, nil
}

// Links returns the connected peers.
func (b *Bridge) Links() []*Link {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.links
}

func (b *Bridge) unlink(l *Link) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*Link, 0, len(b.links))
	for _, existing := range b.links {
		if existing != l {
			next = append(next, existing)
		}
	}
	b.links = next
}

func (b *Bridge) isDestroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}

// Call notifies every peer. No replies are requested.
func (b *Bridge) Call(method string, args ...any) error {
	if b.isDestroyed() {
		return ErrDestroyed
	}
	var errs []error
	for _, l := range b.Links() {
		if err := l.Call(method, args...); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallWithReply sends method to every peer and invokes cb once per peer
// reply.
func (b *Bridge) CallWithReply(method string, args []any, cb ReplyFunc) error {
	if b.isDestroyed() {
		return ErrDestroyed
	}
	var errs []error
	for _, l := range b.Links() {
		link := l
		err := l.CallWithReply(method, args, func(result json.RawMessage, err error) {
			cb(link, result, err)
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallAll sends method to every peer and waits for all replies or for ctx to
// end. Replies received before ctx ended are returned either way.
func (b *Bridge) CallAll(ctx context.Context, method string, args ...any) ([]Reply, error) {
	links := b.Links()
	if len(links) == 0 {
		return nil, nil
	}

	replies := make(chan Reply, len(links))
	sent := 0
	for _, l := range links {
		link := l
		err := l.CallWithReply(method, args, func(result json.RawMessage, err error) {
			replies <- Reply{Link: link, Result: result, Err: err}
		})
		if err != nil {
			continue
		}
		sent++
	}

	out := make([]Reply, 0, sent)
	for len(out) < sent {
		select {
		case r := <-replies:
			out = append(out, r)
		case <-ctx.Done():
			return out, fmt.Errorf("bridge: %s: %w", method, ctx.Err())
		}
	}
	return out, nil
}

// Destroy closes every link. Pending replies are discarded without invoking
// their callbacks.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	links := b.links
	b.mu.Unlock()

	b.cancel()
	for _, l := range links {
		l.Close()
	}
}

func (b *Bridge) dispatch(l *Link, msg wireMessage) {
	h := b.handler(msg.Method)
	if h == nil {
		b.log.Debug().Str("method", msg.Method).Msg("no handler for call")
		return
	}

	result, err := h(b.ctx, &Call{Method: msg.Method, Params: msg.Params, Link: l})
	if msg.ID == "" {
		if err != nil {
			b.log.Warn().Err(err).Str("method", msg.Method).Msg("notification handler failed")
		}
		return
	}

	reply := wireMessage{JSONRPC: Version, ID: msg.ID}
	if err != nil {
		reply.Error = toRemoteError(err)
	} else if reply.Result, err = encodeValue(result); err != nil {
		reply.Result = nil
		reply.Error = toRemoteError(err)
	}
	if err := l.send(reply); err != nil {
		b.log.Debug().Err(err).Str("method", msg.Method).Msg("failed to send reply")
	}
}
