// Package sidebar is the sidebar's side of the frame protocol. The sidebar
// holds the annotation store, fans calls out to every connected guest and
// relays layout requests to the host.
package sidebar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/internal/portfinder"
	"github.com/marginalia/framesync/pkg/types"
)

// ConnectTimeout bounds the handshake with a newly offered guest.
const ConnectTimeout = 5 * time.Second

// GuestFrame is a connected guest.
type GuestFrame struct {
	Link *bridge.Link
	Info types.DocumentInfo
}

// Sidebar is the sidebar application state.
type Sidebar struct {
	frame *frame.Frame
	bus   *event.Bus
	log   zerolog.Logger

	guests *bridge.Bridge
	host   *bridge.Bridge

	mu                sync.Mutex
	store             map[string]*types.Annotation
	order             []string
	frames            []*GuestFrame
	focused           []string
	selected          []string
	open              bool
	highlightsVisible bool
	changed           chan struct{}
	stopOffers        func()
}

// New creates the sidebar running in frame f.
func New(f *frame.Frame) *Sidebar {
	s := &Sidebar{
		frame:             f,
		bus:               event.NewBus(),
		log:               logging.Component("sidebar").With().Str("frame", f.ID).Logger(),
		guests:            bridge.New(),
		host:              bridge.New(),
		store:             make(map[string]*types.Annotation),
		highlightsVisible: true,
		changed:           make(chan struct{}),
	}
	s.registerGuestHandlers()
	s.registerHostHandlers()
	return s
}

// Bus returns the sidebar's event bus.
func (s *Sidebar) Bus() *event.Bus {
	return s.bus
}

// Connect discovers the host-sidebar endpoint and connects to the host.
func (s *Sidebar) Connect(ctx context.Context, finder *portfinder.Finder) error {
	ep, err := finder.Discover(ctx, envelope.HostSidebar)
	if err != nil {
		return fmt.Errorf("sidebar: connect: %w", err)
	}
	return s.ConnectHost(ep)
}

// ConnectHost connects to the host over ep. Guest endpoints offered by the
// host's broker arrive on the same endpoint.
func (s *Sidebar) ConnectHost(ep *port.Endpoint) error {
	stop := ep.AddListener(s.onOffer)
	if _, err := s.host.CreateChannel(ep); err != nil {
		stop()
		return fmt.Errorf("sidebar: connect host: %w", err)
	}
	s.mu.Lock()
	s.stopOffers = stop
	s.mu.Unlock()
	return nil
}

func (s *Sidebar) onOffer(m port.Message) {
	env, ok := envelope.Parse(m.Data)
	if !ok || env.Type != envelope.Offer || len(m.Ports) != 1 {
		return
	}
	if env.Channel != envelope.GuestSidebar {
		s.log.Debug().Str("channel", string(env.Channel)).Msg("ignoring offered port")
		return
	}

	ep := m.Ports[0]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
		defer cancel()
		if _, err := s.ConnectGuest(ctx, ep); err != nil {
			s.log.Warn().Err(err).Msg("failed to connect guest")
		}
	}()
}

// ConnectGuest connects to a guest over ep, asks for its document and loads
// the stored annotations for that document into it.
func (s *Sidebar) ConnectGuest(ctx context.Context, ep *port.Endpoint) (*GuestFrame, error) {
	link, err := s.guests.CreateChannel(ep)
	if err != nil {
		return nil, fmt.Errorf("sidebar: connect guest: %w", err)
	}

	var info types.DocumentInfo
	if err := request(ctx, link, &info, "getDocumentInfo"); err != nil {
		link.Close()
		return nil, fmt.Errorf("sidebar: document info: %w", err)
	}

	gf := &GuestFrame{Link: link, Info: info}
	s.mu.Lock()
	s.frames = append(slices.Clone(s.frames), gf)
	visible := s.highlightsVisible
	pending := s.matching(info.URI)
	s.notifyLocked()
	s.mu.Unlock()

	s.log.Info().
		Str("uri", info.URI).
		Str("frameIdentifier", info.FrameIdentifier).
		Msg("guest connected")
	s.bus.PublishSync(event.Event{
		Type: event.FrameConnected,
		Data: event.FrameData{FrameIdentifier: info.FrameIdentifier, URI: info.URI},
	})

	if !visible {
		if err := link.Call("setHighlightsVisible", false); err != nil {
			return gf, err
		}
	}
	if len(pending) > 0 {
		if err := s.load(ctx, gf, pending); err != nil {
			return gf, err
		}
	}
	return gf, nil
}

func (s *Sidebar) registerGuestHandlers() {
	s.guests.On("sync", func(ctx context.Context, call *bridge.Call) (any, error) {
		var bodies []types.AnnotationMessage
		if err := call.Arg(0, &bodies); err != nil {
			return nil, err
		}
		s.syncFromGuest(bodies)
		return nil, nil
	})

	s.guests.On("createAnnotation", func(ctx context.Context, call *bridge.Call) (any, error) {
		var body types.AnnotationMessage
		if err := call.Arg(0, &body); err != nil {
			return nil, err
		}
		return nil, s.createFromGuest(body)
	})

	s.guests.On("focusAnnotations", func(ctx context.Context, call *bridge.Call) (any, error) {
		var tags []string
		if err := call.Arg(0, &tags); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.focused = tags
		s.mu.Unlock()
		return nil, nil
	})

	s.guests.On("showAnnotations", func(ctx context.Context, call *bridge.Call) (any, error) {
		var tags []string
		if err := call.Arg(0, &tags); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.selected = tags
		s.mu.Unlock()
		return nil, nil
	})

	s.guests.On("toggleAnnotationSelection", func(ctx context.Context, call *bridge.Call) (any, error) {
		var tags []string
		if err := call.Arg(0, &tags); err != nil {
			return nil, err
		}
		s.toggleSelection(tags)
		return nil, nil
	})

	s.guests.On("openSidebar", func(ctx context.Context, call *bridge.Call) (any, error) {
		return nil, s.host.Call("openSidebar")
	})

	s.guests.On("closeSidebar", func(ctx context.Context, call *bridge.Call) (any, error) {
		return nil, s.host.Call("closeSidebar")
	})
}

func (s *Sidebar) registerHostHandlers() {
	s.host.On("frameDestroyed", func(ctx context.Context, call *bridge.Call) (any, error) {
		var id string
		if err := call.Arg(0, &id); err != nil {
			return nil, err
		}
		s.frameDestroyed(id)
		return nil, nil
	})

	s.host.On("setHighlightsVisible", func(ctx context.Context, call *bridge.Call) (any, error) {
		var visible bool
		if err := call.Arg(0, &visible); err != nil {
			return nil, err
		}
		return nil, s.SetHighlightsVisible(visible)
	})

	s.host.On("sidebarOpened", func(ctx context.Context, call *bridge.Call) (any, error) {
		s.mu.Lock()
		s.open = true
		s.mu.Unlock()
		s.bus.PublishSync(event.Event{Type: event.SidebarOpened})
		return nil, nil
	})
}

// syncFromGuest records the anchoring status reported by a guest. Unknown
// tags are annotations the guest created.
func (s *Sidebar) syncFromGuest(bodies []types.AnnotationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, body := range bodies {
		if body.Msg == nil || body.Tag == "" {
			continue
		}
		if ann, ok := s.store[body.Tag]; ok {
			c := *ann
			c.Orphan = body.Msg.Orphan
			s.store[body.Tag] = &c
			continue
		}
		s.putLocked(body.Tag, body.Msg)
	}
	s.notifyLocked()
}

func (s *Sidebar) createFromGuest(body types.AnnotationMessage) error {
	if body.Msg == nil || body.Tag == "" {
		return &bridge.RemoteError{Code: bridge.InvalidParams, Message: "createAnnotation: missing annotation"}
	}

	s.mu.Lock()
	s.putLocked(body.Tag, body.Msg)
	count := len(s.store)
	visible := s.highlightsVisible
	s.notifyLocked()
	s.mu.Unlock()

	var errs []error
	if !body.Msg.Highlight {
		errs = append(errs, s.host.Call("openSidebar"))
	}
	if !visible {
		errs = append(errs, s.host.Call("showHighlights"))
	}
	errs = append(errs, s.host.Call("publicAnnotationCountChanged", count))
	return errors.Join(errs...)
}

func (s *Sidebar) toggleSelection(tags []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	selected := slices.Clone(s.selected)
	for _, tag := range tags {
		if i := slices.Index(selected, tag); i >= 0 {
			selected = slices.Delete(selected, i, i+1)
		} else {
			selected = append(selected, tag)
		}
	}
	s.selected = selected
}

func (s *Sidebar) frameDestroyed(id string) {
	s.mu.Lock()
	var gone []*GuestFrame
	kept := make([]*GuestFrame, 0, len(s.frames))
	for _, gf := range s.frames {
		if gf.Info.FrameIdentifier == id {
			gone = append(gone, gf)
			continue
		}
		kept = append(kept, gf)
	}
	s.frames = kept
	s.notifyLocked()
	s.mu.Unlock()

	for _, gf := range gone {
		gf.Link.Close()
		s.log.Info().Str("frameIdentifier", id).Msg("guest destroyed")
		s.bus.PublishSync(event.Event{
			Type: event.FrameDestroyed,
			Data: event.FrameData{FrameIdentifier: id, URI: gf.Info.URI},
		})
	}
}

// putLocked inserts or replaces a stored annotation. Callers hold s.mu.
func (s *Sidebar) putLocked(tag string, ann *types.Annotation) {
	ann.Tag = tag
	if _, ok := s.store[tag]; !ok {
		s.order = append(slices.Clone(s.order), tag)
	}
	s.store[tag] = ann
}

// notifyLocked wakes up WaitForFrame. Callers hold s.mu.
func (s *Sidebar) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// matching returns copies of the stored annotations of the document at uri.
// Callers hold s.mu.
func (s *Sidebar) matching(uri string) []*types.Annotation {
	var anns []*types.Annotation
	for _, tag := range s.order {
		if ann := *s.store[tag]; belongsTo(&ann, uri) {
			anns = append(anns, &ann)
		}
	}
	return anns
}

func belongsTo(ann *types.Annotation, uri string) bool {
	if ann.URI == "" {
		return true
	}
	if normalizeURI(ann.URI) == uri {
		return true
	}
	for _, t := range ann.Target {
		if t.Source != "" && normalizeURI(t.Source) == uri {
			return true
		}
	}
	return false
}

func normalizeURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func bodiesOf(anns []*types.Annotation) []types.AnnotationMessage {
	bodies := make([]types.AnnotationMessage, 0, len(anns))
	for _, ann := range anns {
		bodies = append(bodies, types.AnnotationMessage{Tag: ann.Tag, Msg: ann})
	}
	return bodies
}

// load pushes anns into one guest and waits until it anchored them.
func (s *Sidebar) load(ctx context.Context, gf *GuestFrame, anns []*types.Annotation) error {
	var bodies []types.AnnotationMessage
	if err := request(ctx, gf.Link, &bodies, "loadAnnotations", bodiesOf(anns)); err != nil {
		return fmt.Errorf("sidebar: load annotations into %q: %w", gf.Info.URI, err)
	}
	return nil
}

func request(ctx context.Context, link *bridge.Link, out any, method string, args ...any) error {
	raw, err := link.Request(ctx, method, args...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
