// Package portprovider implements the endpoint broker that runs in the host
// frame.
//
// Frames other than the host ask for endpoints by posting a request envelope
// to the host frame. The provider creates one port.Pair per (channel,
// requesting frame), sends Port1 back to the requester in an offer envelope
// and routes Port2 to the other side of the channel:
//
//	guest-sidebar, notebook-sidebar: posted to the sidebar over host-sidebar
//	guest-host:                      raised to host code via OnHostPortRequest
//	host-sidebar:                    created up front; Port2 goes to the sidebar,
//	                                 Port1 stays with the host (GetPort)
package portprovider

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
)

// HostPortRequestData is the data of event.HostPortRequest: the host end of a
// guest-host channel.
type HostPortRequestData struct {
	Source envelope.Role
	Port   *port.Endpoint
}

type rule struct {
	allowedOrigin string
	channel       envelope.Channel
	role          envelope.Role
}

// Provider hands out endpoint pairs to the frames that request them.
type Provider struct {
	host       *frame.Frame
	appsOrigin string
	bus        *event.Bus
	log        zerolog.Logger

	hostSidebar *port.Pair
	rules       []rule

	mu       sync.Mutex
	channels map[envelope.Channel]map[*frame.Frame]*port.Pair
	stop     func()
}

// New creates a provider for the host frame. appsOrigin is the origin of the
// sidebar and notebook frames; only frames with that origin receive the
// channels that carry privileged data.
func New(host *frame.Frame, appsOrigin string) *Provider {
	return &Provider{
		host:        host,
		appsOrigin:  appsOrigin,
		bus:         event.NewBus(),
		log:         logging.Component("portprovider"),
		hostSidebar: port.NewPair(),
		rules: []rule{
			{allowedOrigin: frame.Wildcard, channel: envelope.GuestHost, role: envelope.Guest},
			{allowedOrigin: frame.Wildcard, channel: envelope.GuestSidebar, role: envelope.Guest},
			{allowedOrigin: appsOrigin, channel: envelope.HostSidebar, role: envelope.Sidebar},
			{allowedOrigin: appsOrigin, channel: envelope.NotebookSidebar, role: envelope.Notebook},
		},
		channels: make(map[envelope.Channel]map[*frame.Frame]*port.Pair),
	}
}

// GetPort returns the host's end of the host-sidebar channel. Every other
// combination returns nil; those endpoints belong to other frames.
func (p *Provider) GetPort(channel envelope.Channel, role envelope.Role) *port.Endpoint {
	if channel == envelope.HostSidebar && role == envelope.Host {
		return p.hostSidebar.Port1
	}
	return nil
}

// OnHostPortRequest registers fn to receive the host end of each new
// guest-host channel. Returns a function removing the handler.
func (p *Provider) OnHostPortRequest(fn func(source envelope.Role, ep *port.Endpoint)) func() {
	return p.bus.Subscribe(event.HostPortRequest, func(e event.Event) {
		data := e.Data.(HostPortRequestData)
		fn(data.Source, data.Port)
	})
}

// Listen starts answering requests posted to the host frame.
func (p *Provider) Listen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = p.host.AddListener(p.handle)
}

func (p *Provider) isValidRequest(ev frame.MessageEvent, r rule) bool {
	if r.allowedOrigin != frame.Wildcard && ev.Origin != r.allowedOrigin {
		return false
	}
	if ev.Source == nil {
		return false
	}
	return envelope.Equal(ev.Data, envelope.New(r.channel, r.role, envelope.Request))
}

func (p *Provider) handle(ev frame.MessageEvent) {
	for _, r := range p.rules {
		if !p.isValidRequest(ev, r) {
			continue
		}

		pair, ok := p.assign(r.channel, ev.Source)
		if !ok {
			p.log.Debug().
				Str("channel", string(r.channel)).
				Str("source", ev.Source.ID).
				Msg("ignoring repeated port request")
			continue
		}

		offer := envelope.New(r.channel, r.role, envelope.Offer)
		if r.channel == envelope.HostSidebar {
			p.sendPort(ev, offer, pair.Port2, nil)
			continue
		}
		p.sendPort(ev, offer, pair.Port1, pair.Port2)
	}
}

// assign records the pair for (channel, source) before any port is sent, so a
// repeated request can never mint a second pair. It reports false if a pair
// already exists.
func (p *Provider) assign(channel envelope.Channel, source *frame.Frame) (*port.Pair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channels[channel][source] != nil {
		return nil, false
	}

	pair := p.hostSidebar
	if channel != envelope.HostSidebar {
		pair = port.NewPair()
	}

	next := make(map[envelope.Channel]map[*frame.Frame]*port.Pair, len(p.channels)+1)
	for ch, frames := range p.channels {
		next[ch] = frames
	}
	frames := make(map[*frame.Frame]*port.Pair, len(p.channels[channel])+1)
	for f, existing := range p.channels[channel] {
		frames[f] = existing
	}
	frames[source] = pair
	next[channel] = frames
	p.channels = next

	return pair, true
}

func (p *Provider) sendPort(ev frame.MessageEvent, offer envelope.Envelope, ep, counterpart *port.Endpoint) {
	if err := ev.Source.PostMessage(p.host, offer.Marshal(), ev.Origin, ep); err != nil {
		p.log.Warn().Err(err).
			Str("channel", string(offer.Channel)).
			Msg("failed to send port")
		return
	}

	if counterpart == nil {
		return
	}

	switch {
	case offer.Channel == envelope.NotebookSidebar || offer.Channel == envelope.GuestSidebar:
		if err := p.hostSidebar.Port1.PostMessage(offer.Marshal(), counterpart); err != nil {
			p.log.Warn().Err(err).
				Str("channel", string(offer.Channel)).
				Msg("failed to route port to sidebar")
		}
	case offer.Channel == envelope.GuestHost && offer.Port == envelope.Guest:
		p.bus.PublishSync(event.Event{
			Type: event.HostPortRequest,
			Data: HostPortRequestData{Source: offer.Port, Port: counterpart},
		})
	}
}

// Channels reports how many pairs have been handed out per channel.
func (p *Provider) Channels() map[envelope.Channel]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[envelope.Channel]int, len(p.channels))
	for ch, frames := range p.channels {
		counts[ch] = len(frames)
	}
	return counts
}

// Destroy stops answering requests. Endpoints already handed out keep
// working.
func (p *Provider) Destroy() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	p.bus.Close()
}
