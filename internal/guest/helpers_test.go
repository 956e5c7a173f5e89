package guest_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/gomega"

	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/internal/integration"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/pkg/types"
)

const text = "Rivers carve valleys over time. Herons wait patiently in the shallows. Rivers also flood."

// fakeSidebar records the calls a guest makes to the sidebar.
type fakeSidebar struct {
	bridge *bridge.Bridge
	link   *bridge.Link

	mu    sync.Mutex
	calls map[string][][]json.RawMessage
}

func newFakeSidebar() *fakeSidebar {
	s := &fakeSidebar{bridge: bridge.New(), calls: make(map[string][][]json.RawMessage)}
	for _, method := range []string{
		"sync", "createAnnotation", "focusAnnotations", "showAnnotations",
		"toggleAnnotationSelection", "openSidebar", "closeSidebar",
	} {
		method := method
		s.bridge.On(method, func(ctx context.Context, call *bridge.Call) (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.calls[method] = append(s.calls[method], call.Params)
			return nil, nil
		})
	}
	return s
}

func (s *fakeSidebar) Calls(method string) func() [][]json.RawMessage {
	return func() [][]json.RawMessage {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([][]json.RawMessage(nil), s.calls[method]...)
	}
}

func (s *fakeSidebar) request(method string, args ...any) json.RawMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := s.link.Request(ctx, method, args...)
	Expect(err).NotTo(HaveOccurred())
	return raw
}

// env is one guest frame connected to a fake sidebar.
type env struct {
	host    *frame.Frame
	frame   *frame.Frame
	doc     *document.Document
	guest   *guest.Guest
	sidebar *fakeSidebar
	hostEnd *bridge.Bridge
}

func newEnv(uri string) *env {
	e := &env{
		host:    frame.New("https://example.com"),
		frame:   frame.New("https://example.com"),
		doc:     document.New(uri, text),
		sidebar: newFakeSidebar(),
		hostEnd: bridge.New(),
	}
	e.guest = guest.New(e.frame, e.host, e.doc, guest.Options{
		FrameIdentifier: "main",
		Integration:     integration.DefaultOptions(),
	})

	sidebarPair := port.NewPair()
	Expect(e.guest.ConnectSidebar(sidebarPair.Port1)).To(Succeed())
	link, err := e.sidebar.bridge.CreateChannel(sidebarPair.Port2)
	Expect(err).NotTo(HaveOccurred())
	e.sidebar.link = link

	hostPair := port.NewPair()
	Expect(e.guest.ConnectHost(hostPair.Port1)).To(Succeed())
	_, err = e.hostEnd.CreateChannel(hostPair.Port2)
	Expect(err).NotTo(HaveOccurred())
	return e
}

func (e *env) Close() {
	e.guest.Destroy()
	e.sidebar.bridge.Destroy()
	e.hostEnd.Destroy()
	e.frame.Close()
	e.host.Close()
}

func quoteTarget(exact string) types.Target {
	return types.Target{
		Source:   "https://example.com/rivers",
		Selector: []types.Selector{{Type: types.TextQuoteSelector, Exact: exact}},
	}
}

func annotation(targets ...types.Target) *types.Annotation {
	return &types.Annotation{URI: "https://example.com/rivers", Target: targets}
}

func decodeTags(raw json.RawMessage) []string {
	var tags []string
	Expect(json.Unmarshal(raw, &tags)).To(Succeed())
	return tags
}

func decodeBodies(raw json.RawMessage) []types.AnnotationMessage {
	var bodies []types.AnnotationMessage
	Expect(json.Unmarshal(raw, &bodies)).To(Succeed())
	return bodies
}

func documentWith(content string) *document.Document {
	return document.New("", content)
}

// hookedIntegration runs hook once, right after its first resolution, so
// that result races whatever hook changes.
type hookedIntegration struct {
	integration.Integration
	hook  func()
	fired atomic.Bool
	calls atomic.Int32
}

func (h *hookedIntegration) Anchor(ctx context.Context, doc *document.Document, selectors []types.Selector) (*document.Range, error) {
	h.calls.Add(1)
	r, err := h.Integration.Anchor(ctx, doc, selectors)
	if h.fired.CompareAndSwap(false, true) {
		h.hook()
	}
	return r, err
}
