// Package host is the host frame's side of the frame protocol. The host owns
// the endpoint broker, controls whether the sidebar is open and tells guests
// about the sidebar layout.
package host

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/internal/portprovider"
	"github.com/marginalia/framesync/internal/settings"
	"github.com/marginalia/framesync/pkg/types"
)

// DefaultSidebarWidth is the width reported to guests while the sidebar is
// open.
const DefaultSidebarWidth = 428

// Options configure a host.
type Options struct {
	// AppsOrigin is the origin of the sidebar and notebook frames.
	AppsOrigin string
	// ShowHighlights is the highlight mode; see settings.ShowHighlights.
	ShowHighlights any
	// SidebarWidth defaults to DefaultSidebarWidth.
	SidebarWidth int
	// Height of the sidebar reported to guests.
	Height int
}

// Host is the controller running in the host frame.
type Host struct {
	frame    *frame.Frame
	provider *portprovider.Provider
	bus      *event.Bus
	log      zerolog.Logger

	sidebar *bridge.Bridge
	guests  *bridge.Bridge

	highlightsMode any

	mu                sync.Mutex
	layout            types.SidebarLayout
	highlightsVisible bool
	annotationCount   int
	destroyed         bool
	stop              []func()
}

// New creates the host controller for frame f and starts answering endpoint
// requests.
func New(f *frame.Frame, opts Options) (*Host, error) {
	width := opts.SidebarWidth
	if width == 0 {
		width = DefaultSidebarWidth
	}
	mode := settings.ShowHighlights(opts.ShowHighlights)

	h := &Host{
		frame:             f,
		provider:          portprovider.New(f, opts.AppsOrigin),
		bus:               event.NewBus(),
		log:               logging.Component("host").With().Str("frame", f.ID).Logger(),
		sidebar:           bridge.New(),
		guests:            bridge.New(),
		highlightsMode:    mode,
		layout:            types.SidebarLayout{Width: width, Height: opts.Height},
		highlightsVisible: settings.HighlightsVisible(mode, false),
	}
	h.registerSidebarHandlers()

	if _, err := h.sidebar.CreateChannel(h.provider.GetPort(envelope.HostSidebar, envelope.Host)); err != nil {
		return nil, fmt.Errorf("host: connect sidebar: %w", err)
	}
	if err := h.sidebar.Call("setHighlightsVisible", h.highlightsVisible); err != nil {
		return nil, fmt.Errorf("host: %w", err)
	}

	h.stop = append(h.stop,
		h.provider.OnHostPortRequest(h.connectGuest),
		f.AddListener(h.onMessage),
	)
	h.provider.Listen()
	return h, nil
}

// Bus returns the host's event bus.
func (h *Host) Bus() *event.Bus {
	return h.bus
}

// Provider returns the endpoint broker.
func (h *Host) Provider() *portprovider.Provider {
	return h.provider
}

func (h *Host) registerSidebarHandlers() {
	h.sidebar.On("openSidebar", func(ctx context.Context, call *bridge.Call) (any, error) {
		return nil, h.OpenSidebar()
	})
	h.sidebar.On("closeSidebar", func(ctx context.Context, call *bridge.Call) (any, error) {
		return nil, h.CloseSidebar()
	})
	h.sidebar.On("showHighlights", func(ctx context.Context, call *bridge.Call) (any, error) {
		return nil, h.SetHighlightsVisible(true)
	})
	h.sidebar.On("publicAnnotationCountChanged", func(ctx context.Context, call *bridge.Call) (any, error) {
		var count int
		if err := call.Arg(0, &count); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.annotationCount = count
		h.mu.Unlock()
		return nil, nil
	})
}

func (h *Host) connectGuest(source envelope.Role, ep *port.Endpoint) {
	link, err := h.guests.CreateChannel(ep)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to connect guest")
		return
	}

	h.mu.Lock()
	layout := h.layout
	h.mu.Unlock()
	if err := link.Call("sidebarLayoutChanged", layout); err != nil {
		h.log.Warn().Err(err).Msg("failed to send sidebar layout")
	}
	h.log.Debug().Str("source", string(source)).Msg("guest connected")
}

// onMessage relays guest unload notifications posted to the host frame.
func (h *Host) onMessage(ev frame.MessageEvent) {
	if gjson.GetBytes(ev.Data, "type").String() != guest.UnloadMessageType {
		return
	}
	id := gjson.GetBytes(ev.Data, "frameIdentifier").String()
	if err := h.sidebar.Call("frameDestroyed", id); err != nil {
		h.log.Warn().Err(err).Str("frameIdentifier", id).Msg("failed to relay guest unload")
	}
}

// OpenSidebar opens the sidebar.
func (h *Host) OpenSidebar() error {
	return h.setOpen(true)
}

// CloseSidebar closes the sidebar.
func (h *Host) CloseSidebar() error {
	return h.setOpen(false)
}

func (h *Host) setOpen(open bool) error {
	h.mu.Lock()
	if h.layout.Expanded == open {
		h.mu.Unlock()
		return nil
	}
	h.layout.Expanded = open
	layout := h.layout
	h.mu.Unlock()

	typ := event.SidebarClosed
	var errs []error
	if open {
		typ = event.SidebarOpened
		errs = append(errs, h.sidebar.Call("sidebarOpened"))
	}
	errs = append(errs, h.guests.Call("sidebarLayoutChanged", layout))
	h.bus.PublishSync(event.Event{Type: typ})

	if h.highlightsMode == settings.HighlightsWhenSidebarOpen {
		errs = append(errs, h.SetHighlightsVisible(open))
	}
	return errors.Join(errs...)
}

// IsOpen reports whether the sidebar is open.
func (h *Host) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.layout.Expanded
}

// Layout returns the current sidebar layout.
func (h *Host) Layout() types.SidebarLayout {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.layout
}

// SetHighlightsVisible shows or hides highlights in every guest.
func (h *Host) SetHighlightsVisible(visible bool) error {
	h.mu.Lock()
	h.highlightsVisible = visible
	h.mu.Unlock()

	h.bus.PublishSync(event.Event{
		Type: event.HighlightsVisible,
		Data: event.HighlightsVisibleData{Visible: visible},
	})
	return h.sidebar.Call("setHighlightsVisible", visible)
}

// HighlightsVisible reports whether highlights are shown.
func (h *Host) HighlightsVisible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.highlightsVisible
}

// AnnotationCount returns the annotation count last reported by the sidebar.
func (h *Host) AnnotationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.annotationCount
}

// Guests returns the number of connected guest-host links.
func (h *Host) Guests() int {
	return len(h.guests.Links())
}

// Destroy stops the broker and disconnects from the sidebar and the guests.
func (h *Host) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	stop := slices.Clone(h.stop)
	h.stop = nil
	h.mu.Unlock()

	for _, fn := range stop {
		fn()
	}
	h.provider.Destroy()
	h.sidebar.Destroy()
	h.guests.Destroy()
	h.bus.Close()
}
