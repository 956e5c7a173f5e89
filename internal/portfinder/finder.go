// Package portfinder implements the requesting side of endpoint discovery.
// Every frame except the host uses a Finder to obtain its endpoints from the
// host's portprovider.
package portfinder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
)

// ErrTimeout is returned when no offer arrives before the deadline.
var ErrTimeout = errors.New("portfinder: unable to find port")

// DefaultTimeout bounds Discover when the context has no deadline.
const DefaultTimeout = 5 * time.Second

// Finder requests endpoints for one frame.
type Finder struct {
	self *frame.Frame
	host *frame.Frame
	role envelope.Role

	// Timeout applies when the context passed to Discover has no deadline.
	Timeout time.Duration

	log zerolog.Logger
}

// New creates a finder for self, acting as role, asking host.
func New(self, host *frame.Frame, role envelope.Role) *Finder {
	return &Finder{
		self:    self,
		host:    host,
		role:    role,
		Timeout: DefaultTimeout,
		log:     logging.Component("portfinder").With().Str("role", string(role)).Logger(),
	}
}

func (f *Finder) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Discover requests the endpoint for channel and waits for the host's offer.
// The request is re-sent with exponential backoff; the host ignores repeats
// once it has answered.
func (f *Finder) Discover(ctx context.Context, channel envelope.Channel) (*port.Endpoint, error) {
	if _, ok := ctx.Deadline(); !ok && f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	offer := envelope.New(channel, f.role, envelope.Offer)
	found := make(chan *port.Endpoint, 1)
	remove := f.self.AddListener(func(ev frame.MessageEvent) {
		if ev.Source != f.host || len(ev.Ports) != 1 {
			return
		}
		if !envelope.Equal(ev.Data, offer) {
			return
		}
		select {
		case found <- ev.Ports[0]:
		default:
		}
	})
	defer remove()

	request := envelope.New(channel, f.role, envelope.Request).Marshal()
	b := f.newBackOff(ctx)
	attempt := 0
	for {
		attempt++
		if err := f.host.PostMessage(f.self, request, frame.Wildcard); err != nil {
			return nil, fmt.Errorf("portfinder: request %s: %w", channel, err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, channel)
		}
		timer := time.NewTimer(wait)

		select {
		case ep := <-found:
			timer.Stop()
			f.log.Debug().
				Str("channel", string(channel)).
				Int("attempts", attempt).
				Msg("port found")
			return ep, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s", ErrTimeout, channel)
		case <-timer.C:
		}
	}
}
