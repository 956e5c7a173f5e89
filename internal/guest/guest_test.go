package guest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marginalia/framesync/internal/envelope"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/frame"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/internal/highlighter"
	"github.com/marginalia/framesync/internal/integration"
	"github.com/marginalia/framesync/internal/port"
	"github.com/marginalia/framesync/internal/portfinder"
	"github.com/marginalia/framesync/pkg/types"
)

var _ = Describe("Guest", func() {
	var (
		e   *env
		ctx context.Context
		hl  *highlighter.Memory
	)

	BeforeEach(func() {
		ctx = context.Background()
		e = newEnv("https://example.com/rivers#section-2")
		hl = e.guest.Highlighter().(*highlighter.Memory)
	})

	AfterEach(func() {
		e.Close()
	})

	Describe("Anchor", func() {
		It("anchors a quoted target and highlights it", func() {
			var changed []event.AnchorsChangedData
			e.guest.Bus().Subscribe(event.AnchorsChanged, func(ev event.Event) {
				changed = append(changed, ev.Data.(event.AnchorsChangedData))
			})

			ann := annotation(quoteTarget("Herons wait"))
			anchors := e.guest.Anchor(ctx, ann)

			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Anchored()).To(BeTrue())
			Expect(text[anchors[0].Range.Start:anchors[0].Range.End]).To(Equal("Herons wait"))
			Expect(anchors[0].Highlights).To(HaveLen(1))
			Expect(anchors[0].Annotation.Orphan).To(BeFalse())
			Expect(e.guest.Anchors()).To(HaveLen(1))
			Expect(changed).To(HaveLen(1))
			Expect(changed[0].Count).To(Equal(1))
		})

		It("syncs the tagged annotation to the sidebar", func() {
			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)

			Expect(ann.Tag).NotTo(BeEmpty())
			Eventually(e.sidebar.Calls("sync")).Should(HaveLen(1))
			bodies := decodeBodies(e.sidebar.Calls("sync")()[0][0])
			Expect(bodies).To(HaveLen(1))
			Expect(bodies[0].Tag).To(Equal(ann.Tag))
		})

		It("marks an annotation whose targets all fail as orphan", func() {
			ann := annotation(quoteTarget("penguins dancing on ice"), quoteTarget("glaciers melting slowly"))
			anchors := e.guest.Anchor(ctx, ann)

			Expect(anchors).To(HaveLen(2))
			Expect(anchors[0].Anchored()).To(BeFalse())
			Expect(anchors[1].Anchored()).To(BeFalse())
			Expect(anchors[0].Annotation.Orphan).To(BeTrue())
			Expect(ann.Orphan).To(BeFalse())
			Expect(hl.Len()).To(Equal(0))
		})

		It("does not mark an annotation with one resolved target as orphan", func() {
			ann := annotation(quoteTarget("penguins dancing on ice"), quoteTarget("Herons wait"))
			anchors := e.guest.Anchor(ctx, ann)
			Expect(anchors[0].Annotation.Orphan).To(BeFalse())
		})

		It("treats a target with selectors but no quote as unresolved", func() {
			start, end := 0, 6
			ann := annotation(types.Target{Selector: []types.Selector{
				{Type: types.TextPositionSelector, Start: &start, End: &end},
			}})
			anchors := e.guest.Anchor(ctx, ann)
			Expect(anchors[0].Anchored()).To(BeFalse())
			Expect(anchors[0].Annotation.Orphan).To(BeTrue())
		})

		It("anchors a page note without a range", func() {
			ann := annotation(types.Target{Source: "https://example.com/rivers"})
			anchors := e.guest.Anchor(ctx, ann)

			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Anchored()).To(BeFalse())
			Expect(anchors[0].Annotation.Orphan).To(BeFalse())
		})

		It("gives an annotation without targets an empty target list", func() {
			ann := &types.Annotation{}
			Expect(e.guest.Anchor(ctx, ann)).To(BeEmpty())

			Eventually(e.sidebar.Calls("sync")).Should(HaveLen(1))
			bodies := decodeBodies(e.sidebar.Calls("sync")()[0][0])
			Expect(bodies).To(HaveLen(1))
			Expect(bodies[0].Msg.Target).NotTo(BeNil())
			Expect(bodies[0].Msg.Orphan).To(BeFalse())
		})

		It("resolves again when the document is replaced before install", func() {
			hooked := &hookedIntegration{
				Integration: e.guest.Integration(),
				hook:        func() { e.doc.Replace(documentWith("Herons wait. " + text)) },
			}
			guest.SetIntegration(e.guest, hooked)

			anchors := e.guest.Anchor(ctx, annotation(quoteTarget("Herons wait")))

			Expect(hooked.calls.Load()).To(BeNumerically(">=", 2))
			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Anchored()).To(BeTrue())
			Expect(anchors[0].Range.Start).To(Equal(0))
			Expect(e.guest.Anchors()).To(HaveLen(1))
			Expect(e.guest.Anchors()[0].Range.Start).To(Equal(0))
			Expect(hl.All()).To(HaveLen(1))
			Expect(hl.All()[0].Range.Start).To(Equal(0))
		})

		It("hands out snapshots that later loads do not change", func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Rivers carve"))},
			})
			before := e.guest.Anchors()
			Expect(before).To(HaveLen(1))

			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("penguins dancing on ice"))},
			})

			Expect(before[0].Annotation.Orphan).To(BeFalse())
			Expect(before[0].Target.Quote()).To(Equal("Rivers carve"))
			after := e.guest.Anchors()
			Expect(after).To(HaveLen(1))
			Expect(after[0].Annotation.Orphan).To(BeTrue())
		})

		It("replaces the anchors of an annotation anchored twice", func() {
			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)
			e.guest.Anchor(ctx, ann)

			Expect(e.guest.Anchors()).To(HaveLen(1))
			Expect(hl.Len()).To(Equal(1))
		})

		It("keeps anchors of concurrent anchoring calls consistent", func() {
			anns := []*types.Annotation{
				annotation(quoteTarget("Rivers carve")),
				annotation(quoteTarget("Herons wait")),
				annotation(quoteTarget("also flood")),
			}
			for i, ann := range anns {
				ann.Tag = fmt.Sprintf("t%d", i)
			}
			var wg sync.WaitGroup
			for _, ann := range anns {
				for i := 0; i < 3; i++ {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						e.guest.Anchor(ctx, ann)
					}()
				}
			}
			wg.Wait()

			Expect(e.guest.Anchors()).To(HaveLen(3))
			Expect(hl.Len()).To(Equal(3))
		})
	})

	Describe("Connect", func() {
		It("closes the endpoint it received when the other one never arrives", func() {
			host := frame.New("https://example.com")
			defer host.Close()
			self := frame.New("https://example.com")
			defer self.Close()

			pair := port.NewPair()
			defer pair.Close()
			offer := envelope.New(envelope.GuestSidebar, envelope.Guest, envelope.Offer).Marshal()
			var once sync.Once
			host.AddListener(func(ev frame.MessageEvent) {
				req, ok := envelope.Parse(ev.Data)
				if !ok || req.Channel != envelope.GuestSidebar {
					return
				}
				once.Do(func() {
					_ = self.PostMessage(host, offer, frame.Wildcard, pair.Port1)
				})
			})

			g := guest.New(self, host, documentWith(text), guest.Options{Integration: integration.DefaultOptions()})
			defer g.Destroy()
			finder := portfinder.New(self, host, envelope.Guest)
			finder.Timeout = 200 * time.Millisecond

			Expect(g.Connect(ctx, finder)).To(MatchError(portfinder.ErrTimeout))
			Expect(pair.Port1.Transferred()).To(BeTrue())
			Expect(pair.Port1.Start()).To(MatchError(port.ErrClosed))
		})
	})

	Describe("Detach", func() {
		It("restores the previous anchor list", func() {
			first := annotation(quoteTarget("Rivers carve"))
			e.guest.Anchor(ctx, first)
			before := e.guest.Anchors()

			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)
			e.guest.Detach(ann, true)

			Expect(e.guest.Anchors()).To(Equal(before))
			Expect(hl.Len()).To(Equal(1))
		})

		It("notifies only when asked to", func() {
			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)

			notified := 0
			e.guest.Bus().Subscribe(event.AnchorsChanged, func(event.Event) { notified++ })
			e.guest.Detach(ann, false)
			Expect(notified).To(Equal(0))
			Expect(e.guest.Anchors()).To(BeEmpty())
		})
	})

	Describe("sidebar requests", func() {
		It("anchors annotations loaded by the sidebar", func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Rivers carve"))},
				{Tag: "t2", Msg: annotation(quoteTarget("Herons wait"))},
			})

			Expect(e.guest.Anchors()).To(HaveLen(2))
			Expect(e.guest.Anchors()[0].Annotation.Tag).To(Equal("t1"))
			Expect(hl.Len()).To(Equal(2))
		})

		It("detaches annotations deleted by the sidebar", func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Rivers carve"))},
			})
			e.sidebar.request("deleteAnnotation", types.AnnotationMessage{
				Tag: "t1", Msg: annotation(quoteTarget("Rivers carve")),
			})

			Expect(e.guest.Anchors()).To(BeEmpty())
			Expect(hl.Len()).To(Equal(0))
		})

		It("focuses and unfocuses highlights", func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Rivers carve"))},
				{Tag: "t2", Msg: annotation(quoteTarget("Herons wait"))},
				{Tag: "t3", Msg: annotation(quoteTarget("also flood"))},
			})

			focused := func() []bool {
				var states []bool
				for _, h := range hl.All() {
					states = append(states, h.Focused)
				}
				return states
			}

			Expect(e.sidebar.link.Call("focusAnnotations", []string{"t1", "t2"})).To(Succeed())
			Eventually(focused).Should(Equal([]bool{true, true, false}))
			Expect(e.guest.FocusedTags()).To(Equal([]string{"t1", "t2"}))

			Expect(e.sidebar.link.Call("focusAnnotations", []string{})).To(Succeed())
			Eventually(focused).Should(Equal([]bool{false, false, false}))
			Expect(e.guest.FocusedTags()).To(BeEmpty())
		})

		It("focuses highlights of annotations anchored after the focus changed", func() {
			Expect(e.sidebar.link.Call("focusAnnotations", []string{"t9"})).To(Succeed())
			Eventually(e.guest.FocusedTags).Should(Equal([]string{"t9"}))

			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t9", Msg: annotation(quoteTarget("Herons wait"))},
			})
			Expect(hl.All()).To(HaveLen(1))
			Expect(hl.All()[0].Focused).To(BeTrue())
		})

		It("reports document info without the fragment", func() {
			raw := e.sidebar.request("getDocumentInfo")
			var info types.DocumentInfo
			Expect(json.Unmarshal(raw, &info)).To(Succeed())
			Expect(info.URI).To(Equal("https://example.com/rivers"))
			Expect(info.FrameIdentifier).To(Equal("main"))
		})

		It("hides highlights", func() {
			Expect(e.sidebar.link.Call("setHighlightsVisible", false)).To(Succeed())
			Eventually(e.guest.HighlightsVisible).Should(BeFalse())
			Expect(hl.Visible()).To(BeFalse())
		})
	})

	Describe("scrollToAnnotation", func() {
		var html *integration.HTML

		BeforeEach(func() {
			html = e.guest.Integration().(*integration.HTML)
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Herons wait"))},
			})
		})

		It("publishes a cancelable event and scrolls", func() {
			var seen *event.ScrollToRangeData
			e.guest.Bus().Subscribe(event.ScrollToRange, func(ev event.Event) {
				seen = ev.Data.(*event.ScrollToRangeData)
			})

			e.sidebar.request("scrollToAnnotation", "t1")

			Expect(seen).NotTo(BeNil())
			Expect(text[seen.Start:seen.End]).To(Equal("Herons wait"))
			scrolled, ok := html.ScrolledTo()
			Expect(ok).To(BeTrue())
			Expect(scrolled.Start).To(Equal(seen.Start))
		})

		It("does not scroll when the event is canceled", func() {
			e.guest.Bus().Subscribe(event.ScrollToRange, func(ev event.Event) {
				ev.Data.(*event.ScrollToRangeData).PreventDefault()
			})

			e.sidebar.request("scrollToAnnotation", "t1")

			_, ok := html.ScrolledTo()
			Expect(ok).To(BeFalse())
		})

		It("ignores unknown tags", func() {
			e.sidebar.request("scrollToAnnotation", "missing")
			_, ok := html.ScrolledTo()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("CreateAnnotation", func() {
		It("creates a page note when nothing is selected", func() {
			ann, err := e.guest.CreateAnnotation(ctx, guest.CreateOptions{Highlight: true})

			Expect(err).NotTo(HaveOccurred())
			Expect(ann.Target).NotTo(BeNil())
			Expect(ann.Target).To(BeEmpty())
			Expect(ann.Highlight).To(BeTrue())
			Expect(ann.URI).To(Equal("https://example.com/rivers"))
			Expect(ann.Tag).NotTo(BeEmpty())

			Eventually(e.sidebar.Calls("createAnnotation")).Should(HaveLen(1))
		})

		It("annotates the pending selection once", func() {
			start := strings.Index(text, "patiently")
			r, err := e.doc.Range(start, start+len("patiently"))
			Expect(err).NotTo(HaveOccurred())

			e.guest.SelectionChanged(r)
			Expect(e.guest.HasSelection()).To(BeTrue())

			var before []*types.Annotation
			e.guest.Bus().Subscribe(event.BeforeAnnotationCreated, func(ev event.Event) {
				before = append(before, ev.Data.(event.BeforeAnnotationCreatedData).Annotation)
			})

			ann, err := e.guest.CreateAnnotation(ctx, guest.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(before).To(ConsistOf(ann))
			Expect(ann.Target).To(HaveLen(1))
			Expect(ann.Target[0].Quote()).To(Equal("patiently"))
			Expect(ann.Target[0].Source).To(Equal("https://example.com/rivers"))
			Expect(e.guest.HasSelection()).To(BeFalse())
			Expect(e.guest.Anchors()).To(HaveLen(1))
			Expect(e.guest.Anchors()[0].Anchored()).To(BeTrue())

			second, err := e.guest.CreateAnnotation(ctx, guest.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Target).To(BeEmpty())
		})
	})

	Describe("SelectionChanged", func() {
		It("clears the selection for ranges that cannot be annotated", func() {
			var states []bool
			e.guest.Bus().Subscribe(event.HasSelectionChanged, func(ev event.Event) {
				states = append(states, ev.Data.(event.HasSelectionChangedData).HasSelection)
			})

			r, _ := e.doc.Range(0, 6)
			e.guest.SelectionChanged(r)
			collapsed, _ := e.doc.Range(3, 3)
			e.guest.SelectionChanged(collapsed)
			e.guest.SelectionChanged(nil)

			Expect(states).To(Equal([]bool{true, false, false}))
			Expect(e.guest.HasSelection()).To(BeFalse())
		})
	})

	Describe("pointer interaction", func() {
		var offset int

		BeforeEach(func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Herons wait"))},
			})
			offset = strings.Index(text, "Herons") + 2
		})

		It("focuses annotations under the pointer", func() {
			Expect(e.guest.HoverAt(offset)).To(Succeed())
			Eventually(e.sidebar.Calls("focusAnnotations")).Should(HaveLen(1))
			Expect(decodeTags(e.sidebar.Calls("focusAnnotations")()[0][0])).To(Equal([]string{"t1"}))

			Expect(e.guest.PointerLeave()).To(Succeed())
			Eventually(e.sidebar.Calls("focusAnnotations")).Should(HaveLen(2))
			Expect(decodeTags(e.sidebar.Calls("focusAnnotations")()[1][0])).To(BeEmpty())
		})

		It("selects annotations on click", func() {
			Expect(e.guest.ClickAt(offset, false)).To(Succeed())
			Eventually(e.sidebar.Calls("showAnnotations")).Should(HaveLen(1))
			Eventually(e.sidebar.Calls("openSidebar")).Should(HaveLen(1))

			Expect(e.guest.ClickAt(offset, true)).To(Succeed())
			Eventually(e.sidebar.Calls("toggleAnnotationSelection")).Should(HaveLen(1))
		})

		It("closes the sidebar on a click outside highlights", func() {
			Expect(e.guest.ClickAt(0, false)).To(Succeed())
			Eventually(e.sidebar.Calls("closeSidebar")).Should(HaveLen(1))
		})

		It("keeps the sidebar open in side-by-side mode", func() {
			Expect(e.hostEnd.Call("sidebarLayoutChanged", types.SidebarLayout{Expanded: true, Width: 400})).To(Succeed())
			Eventually(e.guest.SideBySideActive).Should(BeTrue())

			Expect(e.guest.ClickAt(0, false)).To(Succeed())
			Consistently(e.sidebar.Calls("closeSidebar")).Should(BeEmpty())
		})
	})

	Describe("Reanchor", func() {
		It("re-resolves annotations after the document changes", func() {
			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)
			oldStart := e.guest.Anchors()[0].Range.Start

			e.doc.Replace(documentWith("Prologue. " + text))
			e.guest.Reanchor(ctx)

			anchors := e.guest.Anchors()
			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Range.Start).To(Equal(oldStart + len("Prologue. ")))
			Expect(hl.Len()).To(Equal(1))
		})

		It("does not restore an annotation detached while it was re-resolved", func() {
			ann := annotation(quoteTarget("Herons wait"))
			e.guest.Anchor(ctx, ann)

			guest.SetIntegration(e.guest, &hookedIntegration{
				Integration: e.guest.Integration(),
				hook:        func() { e.guest.Detach(ann, true) },
			})
			e.guest.Reanchor(ctx)

			Expect(e.guest.Anchors()).To(BeEmpty())
			Expect(hl.Len()).To(Equal(0))
		})

		It("keeps a reload that lands while re-resolving", func() {
			e.sidebar.request("loadAnnotations", []types.AnnotationMessage{
				{Tag: "t1", Msg: annotation(quoteTarget("Rivers carve"))},
			})

			guest.SetIntegration(e.guest, &hookedIntegration{
				Integration: e.guest.Integration(),
				hook: func() {
					e.guest.Anchor(ctx, &types.Annotation{Tag: "t1", Target: []types.Target{quoteTarget("Herons wait")}})
				},
			})
			e.guest.Reanchor(ctx)

			anchors := e.guest.Anchors()
			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Target.Quote()).To(Equal("Herons wait"))
			Expect(hl.Len()).To(Equal(1))
		})
	})

	Describe("Destroy", func() {
		It("tells the host frame and removes highlights", func() {
			unloaded := make(chan guest.UnloadMessage, 1)
			e.host.AddListener(func(ev frame.MessageEvent) {
				var msg guest.UnloadMessage
				if json.Unmarshal(ev.Data, &msg) == nil && msg.Type == guest.UnloadMessageType {
					unloaded <- msg
				}
			})

			e.guest.Anchor(ctx, annotation(quoteTarget("Herons wait")))
			e.guest.Destroy()

			Eventually(unloaded).Should(Receive(Equal(guest.UnloadMessage{
				Type:            guest.UnloadMessageType,
				FrameIdentifier: "main",
			})))
			Expect(hl.Len()).To(Equal(0))
			Expect(e.guest.Anchors()).To(BeEmpty())
		})
	})
})
