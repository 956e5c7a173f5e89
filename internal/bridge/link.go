package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/marginalia/framesync/internal/port"
)

// Link is a bridge's connection to one peer.
type Link struct {
	ID string

	bridge *Bridge
	ep     *port.Endpoint
	remove func()

	mu      sync.Mutex
	pending map[string]func(json.RawMessage, error)
	calls   []wireMessage
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newLink(b *Bridge, ep *port.Endpoint) *Link {
	return &Link{
		ID:      ulid.Make().String(),
		bridge:  b,
		ep:      ep,
		pending: make(map[string]func(json.RawMessage, error)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Call notifies the peer.
func (l *Link) Call(method string, args ...any) error {
	params, err := encodeArgs(args)
	if err != nil {
		return err
	}
	return l.send(wireMessage{JSONRPC: Version, Method: method, Params: params})
}

// CallWithReply sends method to the peer and invokes cb with its reply. cb is
// never invoked if the link closes first or the peer has no handler.
func (l *Link) CallWithReply(method string, args []any, cb func(result json.RawMessage, err error)) error {
	params, err := encodeArgs(args)
	if err != nil {
		return err
	}

	id := ulid.Make().String()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.pending[id] = cb
	l.mu.Unlock()

	if err := l.send(wireMessage{JSONRPC: Version, Method: method, Params: params, ID: id}); err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return err
	}
	return nil
}

// Request sends method to the peer and waits for its reply.
func (l *Link) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	type answer struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan answer, 1)
	err := l.CallWithReply(method, args, func(result json.RawMessage, err error) {
		ch <- answer{result, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case a := <-ch:
		return a.result, a.err
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge: %s: %w", method, ctx.Err())
	}
}

func (l *Link) send(msg wireMessage) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", msg.Method, err)
	}
	return l.ep.PostMessage(json.RawMessage(data))
}

// onMessage runs on the endpoint's delivery goroutine. Replies are resolved
// right away; calls are queued for serve so a handler waiting on a reply from
// the same peer cannot block delivery of that reply.
func (l *Link) onMessage(m port.Message) {
	var msg wireMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil || msg.JSONRPC != Version {
		return
	}

	switch {
	case msg.isCall():
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		l.calls = append(l.calls, msg)
		l.mu.Unlock()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	case msg.isReply():
		l.resolve(msg)
	}
}

func (l *Link) resolve(msg wireMessage) {
	l.mu.Lock()
	cb, ok := l.pending[msg.ID]
	delete(l.pending, msg.ID)
	l.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != nil {
		cb(nil, msg.Error)
		return
	}
	cb(msg.Result, nil)
}

func (l *Link) serve() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || len(l.calls) == 0 {
				l.mu.Unlock()
				break
			}
			msg := l.calls[0]
			l.calls = l.calls[1:]
			l.mu.Unlock()

			l.bridge.dispatch(l, msg)
		}
	}
}

// Close disconnects the peer, discarding pending replies, and closes the
// underlying endpoint.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.pending = make(map[string]func(json.RawMessage, error))
	l.calls = nil
	remove := l.remove
	l.mu.Unlock()

	close(l.done)
	if remove != nil {
		remove()
	}
	l.bridge.unlink(l)
	_ = l.ep.Close()
}

// Done is closed when the link closes.
func (l *Link) Done() <-chan struct{} {
	return l.done
}
