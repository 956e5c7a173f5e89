// Package app wires a host, a sidebar and guests together in one process.
//
// Every frame still talks to the others only through frame messages and
// endpoints: the sidebar and the guests discover their endpoints through the
// host's broker exactly as they would across real frame boundaries.
package app

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/anchoring"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/internal/host"
	"github.com/marginalia/framesync/internal/integration"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/portfinder"
	"github.com/marginalia/framesync/internal/sidebar"
	"github.com/marginalia/framesync/pkg/types"
)

// DefaultAppsOrigin is used when the configuration names no apps origin.
const DefaultAppsOrigin = "https://apps.framesync.local"

// MainFrame is the frame identifier of the guest running in the host frame.
const MainFrame = ""

type guestFrame struct {
	guest   *guest.Guest
	frame   *frame.Frame
	owned   bool
	unwatch func()
}

// App is a host frame with its sidebar and guests.
type App struct {
	cfg *types.Config
	log zerolog.Logger

	hostFrame    *frame.Frame
	sidebarFrame *frame.Frame

	Host    *host.Host
	Sidebar *sidebar.Sidebar

	bus     *event.Bus
	unwatch []func()

	mu     sync.Mutex
	guests map[string]*guestFrame
	closed bool
}

// New starts a host frame showing doc, connects a sidebar to it and runs a
// guest for doc in the host frame.
func New(ctx context.Context, doc *document.Document, cfg *types.Config) (*App, error) {
	if cfg == nil {
		cfg = &types.Config{}
	}
	appsOrigin := cfg.AppsOrigin
	if appsOrigin == "" {
		appsOrigin = DefaultAppsOrigin
	}

	a := &App{
		cfg:          cfg,
		log:          logging.Component("app"),
		hostFrame:    frame.New(originOf(doc.URI())),
		sidebarFrame: frame.New(appsOrigin),
		guests:       make(map[string]*guestFrame),
		bus:          event.NewBus(),
	}

	h, err := host.New(a.hostFrame, host.Options{
		AppsOrigin:     appsOrigin,
		ShowHighlights: cfg.ShowHighlights,
	})
	if err != nil {
		a.closeFrames()
		return nil, err
	}
	a.Host = h
	a.unwatch = append(a.unwatch, a.forward(h.Bus()))

	a.Sidebar = sidebar.New(a.sidebarFrame)
	a.unwatch = append(a.unwatch, a.forward(a.Sidebar.Bus()))
	if err := a.Sidebar.Connect(ctx, a.finder(a.sidebarFrame, envelope.Sidebar)); err != nil {
		a.Close()
		return nil, err
	}

	if _, err := a.attach(ctx, a.hostFrame, doc, MainFrame, false); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Bus returns the bus every host, sidebar and guest event is forwarded to.
func (a *App) Bus() *event.Bus {
	return a.bus
}

// forward republishes the events of a component bus on the app bus.
func (a *App) forward(from *event.Bus) func() {
	return from.SubscribeAll(func(e event.Event) {
		a.bus.PublishSync(e)
	})
}

func originOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "null"
	}
	return u.Scheme + "://" + u.Host
}

func (a *App) finder(self *frame.Frame, role envelope.Role) *portfinder.Finder {
	f := portfinder.New(self, a.hostFrame, role)
	if d := a.cfg.Discovery; d != nil && d.Timeout > 0 {
		f.Timeout = time.Duration(d.Timeout) * time.Millisecond
	}
	return f
}

func (a *App) integrationOptions(parent *document.Document) integration.Options {
	opts := integration.DefaultOptions()
	opts.Parent = parent
	if c := a.cfg.Anchoring; c != nil {
		if c.FuzzyThreshold > 0 {
			opts.Anchoring.FuzzyThreshold = c.FuzzyThreshold
		}
		if c.ContextLength > 0 {
			opts.Anchoring.ContextLength = c.ContextLength
		}
	}
	return opts
}

// AnchoringOptions returns the selector resolution options in effect.
func (a *App) AnchoringOptions() anchoring.Options {
	return a.integrationOptions(nil).Anchoring
}

// attach runs a guest for doc in f and waits until the sidebar knows it.
func (a *App) attach(ctx context.Context, f *frame.Frame, doc *document.Document, id string, owned bool) (*guest.Guest, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("app: closed")
	}
	if _, ok := a.guests[id]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("app: frame %q already has a guest", id)
	}
	var parent *document.Document
	if main, ok := a.guests[MainFrame]; ok && id != MainFrame {
		parent = main.guest.Document()
	}
	a.mu.Unlock()

	g := guest.New(f, a.hostFrame, doc, guest.Options{
		FrameIdentifier: id,
		Integration:     a.integrationOptions(parent),
	})
	if err := g.Connect(ctx, a.finder(f, envelope.Guest)); err != nil {
		g.Destroy()
		return nil, err
	}
	if _, err := a.Sidebar.WaitForFrame(ctx, id); err != nil {
		g.Destroy()
		return nil, err
	}

	a.mu.Lock()
	a.guests[id] = &guestFrame{guest: g, frame: f, owned: owned, unwatch: a.forward(g.Bus())}
	a.mu.Unlock()
	a.log.Info().Str("uri", doc.URI()).Str("frameIdentifier", id).Msg("guest attached")
	return g, nil
}

// AddGuest runs a guest for doc in a new sub-frame identified by id.
func (a *App) AddGuest(ctx context.Context, doc *document.Document, id string) (*guest.Guest, error) {
	if id == MainFrame {
		return nil, fmt.Errorf("app: sub-frames need an identifier")
	}
	f := frame.New(originOf(doc.URI()))
	g, err := a.attach(ctx, f, doc, id, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

// RemoveGuest destroys the guest of frame id.
func (a *App) RemoveGuest(id string) bool {
	a.mu.Lock()
	gf, ok := a.guests[id]
	delete(a.guests, id)
	a.mu.Unlock()
	if !ok {
		return false
	}

	gf.close()
	return true
}

// Guest returns the guest of the host frame.
func (a *App) Guest() *guest.Guest {
	g, _ := a.GuestFor(MainFrame)
	return g
}

// GuestFor returns the guest of frame id.
func (a *App) GuestFor(id string) (*guest.Guest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	gf, ok := a.guests[id]
	if !ok {
		return nil, false
	}
	return gf.guest, true
}

// FrameIdentifiers returns the identifiers of the frames running a guest.
func (a *App) FrameIdentifiers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.guests))
	for id := range a.guests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadAnnotations loads anns through the sidebar and returns once every guest
// showing their document has anchored them.
func (a *App) LoadAnnotations(ctx context.Context, anns []*types.Annotation) error {
	return a.Sidebar.LoadAnnotations(ctx, anns)
}

// ReloadDocument replaces the content of the main guest's document and
// anchors every annotation again.
func (a *App) ReloadDocument(ctx context.Context, content []byte) error {
	g := a.Guest()
	if g == nil {
		return fmt.Errorf("app: no guest")
	}
	doc := g.Document()
	next, err := document.Load(doc.URI(), bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("app: reload document: %w", err)
	}
	doc.Replace(next)
	g.Reanchor(ctx)
	return nil
}

func (gf *guestFrame) close() {
	gf.unwatch()
	gf.guest.Destroy()
	if gf.owned {
		gf.frame.Close()
	}
}

func (a *App) closeFrames() {
	a.sidebarFrame.Close()
	a.hostFrame.Close()
}

// Close tears down every guest, the sidebar and the host.
func (a *App) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	guests := a.guests
	a.guests = make(map[string]*guestFrame)
	a.mu.Unlock()

	for _, gf := range guests {
		gf.close()
	}
	for _, unwatch := range a.unwatch {
		unwatch()
	}
	if a.Sidebar != nil {
		a.Sidebar.Destroy()
	}
	if a.Host != nil {
		a.Host.Destroy()
	}
	a.closeFrames()
	a.bus.Close()
}
