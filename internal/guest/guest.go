// Package guest runs in every annotatable frame. It resolves annotations to
// document ranges, keeps their highlights in sync with the anchor list and
// relays user interaction to the sidebar.
//
// The anchor list is replaced as a whole under the guest's lock. Readers
// always see either the list before a change or the list after it, and
// anchoring one annotation never exposes a partial set of its anchors.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"sync"
	"weak"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/marginalia/framesync/internal/annotationsync"
	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/highlighter"
	"github.com/marginalia/framesync/internal/integration"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/internal/portfinder"
	"github.com/marginalia/framesync/pkg/types"
)

// UnloadMessageType is the type of the message a guest posts to the host
// frame when it goes away.
const UnloadMessageType = "hypothesisGuestUnloaded"

// UnloadMessage is posted to the host frame by Destroy.
type UnloadMessage struct {
	Type            string `json:"type"`
	FrameIdentifier string `json:"frameIdentifier"`
}

// Options configure a guest.
type Options struct {
	// FrameIdentifier is reported to the sidebar; empty for the top frame.
	FrameIdentifier string
	Integration     integration.Options
	// Highlighter defaults to an in-memory highlighter.
	Highlighter highlighter.Highlighter
}

// CreateOptions configure CreateAnnotation.
type CreateOptions struct {
	// Highlight marks the annotation as a highlight, saved without a comment.
	Highlight bool
}

// Guest is the anchoring engine of one frame.
type Guest struct {
	frame     *frame.Frame
	hostFrame *frame.Frame
	doc       *document.Document
	bus       *event.Bus
	log       zerolog.Logger

	integration     integration.Integration
	highlighter     highlighter.Highlighter
	frameIdentifier string

	sidebar *bridge.Bridge
	host    *bridge.Bridge
	sync    *annotationsync.Sync

	mu                sync.Mutex
	anchors           []*Anchor
	owners            map[highlighter.Handle]weak.Pointer[types.Annotation]
	focused           map[string]struct{}
	selection         []*document.Range
	highlightsVisible bool
	sideBySide        bool
	destroyed         bool
	unsub             []func()
}

// New creates the guest for doc in frame f. hostFrame is the frame running
// the host; it receives the unload notification.
func New(f, hostFrame *frame.Frame, doc *document.Document, opts Options) *Guest {
	hl := opts.Highlighter
	if hl == nil {
		hl = highlighter.NewMemory()
	}

	g := &Guest{
		frame:           f,
		hostFrame:       hostFrame,
		doc:             doc,
		bus:             event.NewBus(),
		log:             logging.Component("guest").With().Str("frame", f.ID).Logger(),
		integration:     integration.New(doc, opts.Integration),
		highlighter:     hl,
		frameIdentifier: opts.FrameIdentifier,
		sidebar:         bridge.New(),
		host:            bridge.New(),
		owners:          make(map[highlighter.Handle]weak.Pointer[types.Annotation]),
		focused:         make(map[string]struct{}),
	}
	g.highlightsVisible = hl.Visible()

	g.sync = annotationsync.New(g.bus, g.sidebar)
	g.connectSidebarEvents()
	g.connectHostEvents()
	g.connectAnnotationSync()
	return g
}

// Bus returns the guest's event bus. The host page subscribes to it, for
// example to handle event.ScrollToRange.
func (g *Guest) Bus() *event.Bus {
	return g.bus
}

// Document returns the guest's document.
func (g *Guest) Document() *document.Document {
	return g.doc
}

// Integration returns the integration chosen for the document.
func (g *Guest) Integration() integration.Integration {
	return g.integration
}

// Highlighter returns the guest's highlighter.
func (g *Guest) Highlighter() highlighter.Highlighter {
	return g.highlighter
}

// Connect discovers the guest-sidebar and guest-host endpoints through the
// host frame's broker and connects to both.
func (g *Guest) Connect(ctx context.Context, finder *portfinder.Finder) error {
	var sidebarPort, hostPort *port.Endpoint
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		ep, err := finder.Discover(gctx, envelope.GuestSidebar)
		sidebarPort = ep
		return err
	})
	grp.Go(func() error {
		ep, err := finder.Discover(gctx, envelope.GuestHost)
		hostPort = ep
		return err
	})
	if err := grp.Wait(); err != nil {
		for _, ep := range []*port.Endpoint{sidebarPort, hostPort} {
			if ep != nil {
				_ = ep.Close()
			}
		}
		return fmt.Errorf("guest: connect: %w", err)
	}

	if err := g.ConnectSidebar(sidebarPort); err != nil {
		return err
	}
	return g.ConnectHost(hostPort)
}

// ConnectSidebar connects to the sidebar over ep.
func (g *Guest) ConnectSidebar(ep *port.Endpoint) error {
	if _, err := g.sidebar.CreateChannel(ep); err != nil {
		return fmt.Errorf("guest: connect sidebar: %w", err)
	}
	return nil
}

// ConnectHost connects to the host over ep.
func (g *Guest) ConnectHost(ep *port.Endpoint) error {
	if _, err := g.host.CreateChannel(ep); err != nil {
		return fmt.Errorf("guest: connect host: %w", err)
	}
	return nil
}

func (g *Guest) connectAnnotationSync() {
	g.unsub = append(g.unsub,
		g.bus.Subscribe(event.AnnotationDeleted, func(e event.Event) {
			g.Detach(e.Data.(event.AnnotationDeletedData).Annotation, true)
		}),
		g.bus.Subscribe(event.AnnotationsLoaded, func(e event.Event) {
			for _, ann := range e.Data.(event.AnnotationsLoadedData).Annotations {
				g.Anchor(context.Background(), ann)
			}
		}),
	)
}

func (g *Guest) connectSidebarEvents() {
	g.sidebar.On("focusAnnotations", func(ctx context.Context, call *bridge.Call) (any, error) {
		var tags []string
		if call.NArgs() > 0 {
			if err := call.Arg(0, &tags); err != nil {
				return nil, err
			}
		}
		g.focusAnnotationTags(tags)
		return nil, nil
	})

	g.sidebar.On("scrollToAnnotation", func(ctx context.Context, call *bridge.Call) (any, error) {
		var tag string
		if err := call.Arg(0, &tag); err != nil {
			return nil, err
		}
		return nil, g.ScrollToAnnotation(ctx, tag)
	})

	g.sidebar.On("getDocumentInfo", func(ctx context.Context, call *bridge.Call) (any, error) {
		return g.GetDocumentInfo(ctx)
	})

	g.sidebar.On("setHighlightsVisible", func(ctx context.Context, call *bridge.Call) (any, error) {
		var visible bool
		if err := call.Arg(0, &visible); err != nil {
			return nil, err
		}
		g.SetHighlightsVisible(visible)
		return nil, nil
	})
}

func (g *Guest) connectHostEvents() {
	g.host.On("sidebarLayoutChanged", func(ctx context.Context, call *bridge.Call) (any, error) {
		var layout types.SidebarLayout
		if err := call.Arg(0, &layout); err != nil {
			return nil, err
		}
		g.FitSideBySide(layout)
		return nil, nil
	})
}

// GetDocumentInfo returns the document's URI, without fragment, and metadata.
func (g *Guest) GetDocumentInfo(ctx context.Context) (types.DocumentInfo, error) {
	uri, err := g.integration.URI(ctx)
	if err != nil {
		return types.DocumentInfo{}, fmt.Errorf("guest: document uri: %w", err)
	}
	metadata, err := g.integration.Metadata(ctx)
	if err != nil {
		return types.DocumentInfo{}, fmt.Errorf("guest: document metadata: %w", err)
	}
	return types.DocumentInfo{
		URI:             normalizeURI(uri),
		Metadata:        metadata,
		FrameIdentifier: g.frameIdentifier,
	}, nil
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

// Anchor resolves every target of ann and installs the resulting anchors,
// replacing any anchors ann already had. Targets are resolved concurrently;
// a target that fails to resolve yields an anchor without a range. The
// annotation is then synced to the sidebar.
//
// An untagged ann is tagged first, as Sync does. Otherwise ann is not
// modified: the guest installs its own copy, which the returned anchors
// point to.
func (g *Guest) Anchor(ctx context.Context, ann *types.Annotation) []*Anchor {
	_, anchors := g.anchor(ctx, ann, nil)
	return anchors
}

// anchor installs a copy of ann and returns it with its anchors. A result
// resolved against a document that was replaced before it could be installed
// is resolved again; it is dropped if ctx ends first. When replaces is set,
// the result is also dropped unless replaces is still the installed record
// for ann's tag.
func (g *Guest) anchor(ctx context.Context, ann, replaces *types.Annotation) (*types.Annotation, []*Anchor) {
	if ann.Tag == "" {
		g.sync.Track(ann)
	}
	own := ann.Clone()
	if own.Target == nil {
		own.Target = []types.Target{}
	}

	for {
		version := g.doc.Version()
		anchors := g.resolve(ctx, own, version)

		g.mu.Lock()
		if g.destroyed {
			g.mu.Unlock()
			return own, anchors
		}
		if current := g.doc.Version(); current != version || stale(anchors, current) {
			g.mu.Unlock()
			if ctx.Err() != nil {
				g.log.Debug().Str("tag", own.Tag).Msg("dropping anchors of a replaced document")
				return own, nil
			}
			continue
		}
		if replaces != nil && g.installed(own.Tag) != replaces {
			g.mu.Unlock()
			return own, nil
		}

		own.Orphan = isOrphan(anchors)
		g.sync.Track(own)
		kept := g.release(own)
		for _, a := range anchors {
			g.highlight(a)
		}
		g.install(append(kept, anchors...))
		changed := g.anchorsChanged()
		g.mu.Unlock()

		g.bus.PublishSync(changed)
		if err := g.sync.Sync([]*types.Annotation{own}); err != nil {
			g.log.Warn().Err(err).Str("tag", own.Tag).Msg("failed to sync annotation")
		}
		return own, anchors
	}
}

// installed returns the record the anchor list holds for tag. Callers hold
// g.mu.
func (g *Guest) installed(tag string) *types.Annotation {
	for _, a := range g.anchors {
		if a.Annotation.Tag == tag {
			return a.Annotation
		}
	}
	return nil
}

// resolve locates every target of ann concurrently.
func (g *Guest) resolve(ctx context.Context, ann *types.Annotation, version uint64) []*Anchor {
	anchors := make([]*Anchor, len(ann.Target))
	grp, gctx := errgroup.WithContext(ctx)
	for i, target := range ann.Target {
		grp.Go(func() error {
			anchors[i] = g.locate(gctx, ann, target, version)
			return nil
		})
	}
	_ = grp.Wait()
	return anchors
}

// locate resolves one target. Only quoted targets are resolved; the quote is
// what verifies the other selectors.
func (g *Guest) locate(ctx context.Context, ann *types.Annotation, target types.Target, version uint64) *Anchor {
	a := &Anchor{Annotation: ann, Target: target, version: version}
	if !target.HasQuote() {
		return a
	}

	r, err := g.integration.Anchor(ctx, g.doc, target.Selector)
	if err != nil {
		g.log.Debug().Err(err).Str("tag", ann.Tag).Msg("target did not anchor")
		return a
	}
	tr := r.TextRange()
	a.Range = &tr
	a.version = r.Version()
	return a
}

// highlight attaches highlights for a. Callers hold g.mu.
func (g *Guest) highlight(a *Anchor) {
	if a.Range == nil {
		return
	}
	r, err := a.Range.ToRange(g.doc)
	if err != nil {
		return
	}
	a.Highlights = g.highlighter.Attach(r)
	if _, ok := g.focused[a.Annotation.Tag]; ok && a.Annotation.Tag != "" {
		g.highlighter.SetFocused(a.Highlights, true)
	}
}

// release removes ann's highlights and returns the anchors of every other
// annotation. Callers hold g.mu.
func (g *Guest) release(ann *types.Annotation) []*Anchor {
	kept := make([]*Anchor, 0, len(g.anchors))
	for _, a := range g.anchors {
		if types.Same(a.Annotation, ann) {
			g.highlighter.Detach(a.Highlights)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// install replaces the anchor list and rebuilds the highlight owner table.
// Callers hold g.mu.
func (g *Guest) install(anchors []*Anchor) {
	owners := make(map[highlighter.Handle]weak.Pointer[types.Annotation], len(g.owners))
	for _, a := range anchors {
		if len(a.Highlights) == 0 {
			continue
		}
		wp := weak.Make(a.Annotation)
		for _, h := range a.Highlights {
			owners[h] = wp
		}
	}
	g.anchors = anchors
	g.owners = owners
}

// anchorsChanged builds the notification for the current list. Callers hold
// g.mu.
func (g *Guest) anchorsChanged() event.Event {
	data := event.AnchorsChangedData{Count: len(g.anchors)}
	seen := make(map[*types.Annotation]bool)
	for _, a := range g.anchors {
		if seen[a.Annotation] {
			continue
		}
		seen[a.Annotation] = true
		if a.Annotation.Tag != "" {
			data.Tags = append(data.Tags, a.Annotation.Tag)
		}
		if a.Annotation.Orphan {
			data.Orphans++
		}
	}
	return event.Event{Type: event.AnchorsChanged, Data: data}
}

// Detach removes the anchors and highlights of ann.
func (g *Guest) Detach(ann *types.Annotation, notify bool) {
	g.mu.Lock()
	g.install(g.release(ann))
	changed := g.anchorsChanged()
	g.mu.Unlock()

	if notify {
		g.bus.PublishSync(changed)
	}
}

// Anchors returns a snapshot of the current anchor list. Anchors of one
// annotation share one copy of it.
func (g *Guest) Anchors() []*Anchor {
	g.mu.Lock()
	defer g.mu.Unlock()

	copies := make(map[*types.Annotation]*types.Annotation)
	out := make([]*Anchor, 0, len(g.anchors))
	for _, a := range g.anchors {
		c := *a
		ann, ok := copies[a.Annotation]
		if !ok {
			ann = a.Annotation.Clone()
			copies[a.Annotation] = ann
		}
		c.Annotation = ann
		c.Highlights = slices.Clone(a.Highlights)
		if a.Range != nil {
			r := *a.Range
			c.Range = &r
		}
		out = append(out, &c)
	}
	return out
}

// Reanchor anchors every anchored annotation again, for example after the
// document content changed. An annotation reloaded or detached meanwhile
// keeps its newer state.
func (g *Guest) Reanchor(ctx context.Context) {
	g.mu.Lock()
	var anns []*types.Annotation
	seen := make(map[*types.Annotation]bool)
	for _, a := range g.anchors {
		if !seen[a.Annotation] {
			seen[a.Annotation] = true
			anns = append(anns, a.Annotation)
		}
	}
	g.mu.Unlock()

	for _, ann := range anns {
		if ctx.Err() != nil {
			return
		}
		g.anchor(ctx, ann, ann)
	}
}

// SelectionChanged records r as the pending selection, or clears the pending
// selection when r is nil or cannot be annotated.
func (g *Guest) SelectionChanged(r *document.Range) {
	has := r != nil && !r.Collapsed() && g.integration.CanAnnotate(r)

	g.mu.Lock()
	if has {
		g.selection = []*document.Range{r}
	} else {
		g.selection = nil
	}
	g.mu.Unlock()

	g.bus.PublishSync(event.Event{
		Type: event.HasSelectionChanged,
		Data: event.HasSelectionChangedData{HasSelection: has},
	})
}

// HasSelection reports whether a selection is pending.
func (g *Guest) HasSelection() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.selection) > 0
}

// CreateAnnotation creates an annotation for the pending selection, or a page
// note when there is none. The selection is consumed. Failure to read the
// document's metadata is returned to the caller.
func (g *Guest) CreateAnnotation(ctx context.Context, opts CreateOptions) (*types.Annotation, error) {
	g.mu.Lock()
	ranges := g.selection
	g.selection = nil
	g.mu.Unlock()

	info, err := g.GetDocumentInfo(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]types.Target, 0, len(ranges))
	for _, r := range ranges {
		selectors, err := g.integration.Describe(r)
		if err != nil {
			return nil, fmt.Errorf("guest: describe selection: %w", err)
		}
		targets = append(targets, types.Target{Source: info.URI, Selector: selectors})
	}

	metadata := info.Metadata
	ann := &types.Annotation{
		URI:       info.URI,
		Document:  &metadata,
		Target:    targets,
		Highlight: opts.Highlight,
	}

	g.bus.PublishSync(event.Event{
		Type: event.BeforeAnnotationCreated,
		Data: event.BeforeAnnotationCreatedData{Annotation: ann},
	})
	own, _ := g.anchor(ctx, ann, nil)
	return own, nil
}

// focusAnnotationTags replaces the focus set and updates highlight focus.
func (g *Guest) focusAnnotationTags(tags []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.focused = make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		g.focused[tag] = struct{}{}
	}
	for _, a := range g.anchors {
		if len(a.Highlights) == 0 {
			continue
		}
		_, focused := g.focused[a.Annotation.Tag]
		g.highlighter.SetFocused(a.Highlights, focused && a.Annotation.Tag != "")
	}
}

// FocusedTags returns the tags of the focused annotations, sorted.
func (g *Guest) FocusedTags() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	tags := make([]string, 0, len(g.focused))
	for tag := range g.focused {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ScrollToAnnotation scrolls to the first highlighted anchor of the
// annotation with tag. A cancelable event.ScrollToRange is published first;
// the scroll is skipped if a subscriber prevents it.
func (g *Guest) ScrollToAnnotation(ctx context.Context, tag string) error {
	g.mu.Lock()
	var target *Anchor
	for _, a := range g.anchors {
		if a.Annotation.Tag == tag && len(a.Highlights) > 0 {
			target = a
			break
		}
	}
	g.mu.Unlock()

	if target == nil {
		return nil
	}
	r, err := target.Range.ToRange(g.doc)
	if err != nil {
		return nil
	}

	data := &event.ScrollToRangeData{Tag: tag, Start: r.Start, End: r.End}
	g.bus.PublishSync(event.Event{Type: event.ScrollToRange, Data: data})
	if data.DefaultPrevented() {
		return nil
	}
	return g.integration.ScrollToAnchor(ctx, r)
}

// SetHighlightsVisible shows or hides every highlight.
func (g *Guest) SetHighlightsVisible(visible bool) {
	g.mu.Lock()
	g.highlightsVisible = visible
	g.highlighter.SetVisible(visible)
	g.mu.Unlock()

	g.bus.PublishSync(event.Event{
		Type: event.HighlightsVisible,
		Data: event.HighlightsVisibleData{Visible: visible},
	})
}

// HighlightsVisible reports whether highlights are shown.
func (g *Guest) HighlightsVisible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.highlightsVisible
}

// annotationsAt returns the annotations whose highlights contain offset.
func (g *Guest) annotationsAt(offset int) []*types.Annotation {
	handles := g.highlighter.FindOwning(offset)

	g.mu.Lock()
	defer g.mu.Unlock()

	var anns []*types.Annotation
	seen := make(map[*types.Annotation]bool)
	for _, h := range handles {
		wp, ok := g.owners[h]
		if !ok {
			continue
		}
		ann := wp.Value()
		if ann == nil || seen[ann] {
			continue
		}
		seen[ann] = true
		anns = append(anns, ann)
	}
	return anns
}

func tagsOf(anns []*types.Annotation) []string {
	tags := make([]string, 0, len(anns))
	for _, ann := range anns {
		tags = append(tags, ann.Tag)
	}
	return tags
}

// HoverAt tells the sidebar which annotations are under the pointer.
func (g *Guest) HoverAt(offset int) error {
	anns := g.annotationsAt(offset)
	if len(anns) == 0 || !g.HighlightsVisible() {
		return nil
	}
	return g.sidebar.Call("focusAnnotations", tagsOf(anns))
}

// PointerLeave clears the focus in the sidebar.
func (g *Guest) PointerLeave() error {
	if !g.HighlightsVisible() {
		return nil
	}
	return g.sidebar.Call("focusAnnotations", []string{})
}

// ClickAt selects the annotations under the pointer. A click outside any
// highlight closes the sidebar unless it is shown side by side.
func (g *Guest) ClickAt(offset int, toggle bool) error {
	anns := g.annotationsAt(offset)
	if len(anns) == 0 {
		if g.SideBySideActive() {
			return nil
		}
		return g.sidebar.Call("closeSidebar")
	}
	if !g.HighlightsVisible() {
		return nil
	}
	return g.SelectAnnotations(anns, toggle)
}

// SelectAnnotations shows anns in the sidebar, or toggles their selection,
// and opens the sidebar.
func (g *Guest) SelectAnnotations(anns []*types.Annotation, toggle bool) error {
	method := "showAnnotations"
	if toggle {
		method = "toggleAnnotationSelection"
	}
	return errors.Join(
		g.sidebar.Call(method, tagsOf(anns)),
		g.sidebar.Call("openSidebar"),
	)
}

// FitSideBySide lays the content out beside the sidebar when there is room.
func (g *Guest) FitSideBySide(layout types.SidebarLayout) {
	active := g.integration.FitSideBySide(layout)
	g.mu.Lock()
	g.sideBySide = active
	g.mu.Unlock()
}

// SideBySideActive reports whether the content is laid out beside the
// sidebar.
func (g *Guest) SideBySideActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sideBySide
}

// Destroy tells the host the guest is going away, removes every highlight and
// disconnects from the sidebar and host.
func (g *Guest) Destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	for _, a := range g.anchors {
		g.highlighter.Detach(a.Highlights)
	}
	g.install(nil)
	unsub := g.unsub
	g.unsub = nil
	g.mu.Unlock()

	msg, _ := json.Marshal(UnloadMessage{Type: UnloadMessageType, FrameIdentifier: g.frameIdentifier})
	if g.hostFrame != nil {
		if err := g.hostFrame.PostMessage(g.frame, json.RawMessage(msg), frame.Wildcard); err != nil {
			g.log.Debug().Err(err).Msg("failed to notify host of unload")
		}
	}

	for _, fn := range unsub {
		fn()
	}
	g.integration.Destroy()
	g.sync.Destroy()
	g.sidebar.Destroy()
	g.host.Destroy()
	g.bus.Close()
}
