package e2e_test

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marginalia/framesync/internal/app"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/pkg/types"
)

var _ = Describe("Frames", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		a      *app.App
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		DeferCleanup(func() { cancel() })
		a = startApp(ctx, nil)
	})

	Describe("annotation loading", func() {
		It("anchors annotations in the frame showing their document only", func() {
			sub, err := a.AddGuest(ctx, document.New(notesURI, notes), "notes")
			Expect(err).NotTo(HaveOccurred())

			Expect(a.LoadAnnotations(ctx, []*types.Annotation{
				quote(articleURI, "Herons wait patiently"),
				quote(notesURI, "a kingfisher at dusk"),
			})).To(Succeed())

			Expect(a.Guest().Anchors()).To(HaveLen(1))
			Expect(a.Guest().Anchors()[0].Target.Quote()).To(Equal("Herons wait patiently"))
			Expect(sub.Anchors()).To(HaveLen(1))
			Expect(sub.Anchors()[0].Target.Quote()).To(Equal("a kingfisher at dusk"))
		})

		It("reports orphans back to the sidebar", func() {
			ann := quote(articleURI, "penguins on an ice floe")
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())

			Eventually(func() bool {
				stored, ok := a.Sidebar.Annotation(ann.Tag)
				return ok && stored.Orphan
			}).Should(BeTrue())
		})

		It("loads annotations into a frame that connects later", func() {
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{quote(notesURI, "one egret")})).To(Succeed())

			sub, err := a.AddGuest(ctx, document.New(notesURI, notes), "notes")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return len(sub.Anchors()) }).Should(Equal(1))
		})

		It("keeps one copy per tag when the same annotation is loaded twice", func() {
			ann := quote(articleURI, "Salt marshes")
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())

			Expect(a.Sidebar.Annotations()).To(HaveLen(1))
			Expect(a.Guest().Anchors()).To(HaveLen(1))
			Expect(a.Guest().Highlighter().(interface{ Len() int }).Len()).To(Equal(1))
		})
	})

	Describe("deletion", func() {
		It("removes highlights from every frame", func() {
			sub, err := a.AddGuest(ctx, document.New(articleURI, "Herons wait patiently, again."), "copy")
			Expect(err).NotTo(HaveOccurred())

			ann := quote(articleURI, "Herons wait patiently")
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())
			Expect(sub.Anchors()).To(HaveLen(1))

			Expect(a.Sidebar.DeleteAnnotation(ctx, ann.Tag)).To(Succeed())
			Expect(a.Guest().Anchors()).To(BeEmpty())
			Expect(sub.Anchors()).To(BeEmpty())
			Eventually(a.Host.AnnotationCount).Should(Equal(0))
		})
	})

	Describe("creating annotations in a guest", func() {
		It("reaches the sidebar and opens it", func() {
			g := a.Guest()
			text := g.Document().Text()
			start := strings.Index(text, "filter the water")
			r, err := g.Document().Range(start, start+len("filter the water"))
			Expect(err).NotTo(HaveOccurred())

			g.SelectionChanged(r)
			Expect(g.HasSelection()).To(BeTrue())

			ann, err := g.CreateAnnotation(ctx, guest.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ann.Target).To(HaveLen(1))
			Expect(g.HasSelection()).To(BeFalse())

			Eventually(func() bool {
				_, ok := a.Sidebar.Annotation(ann.Tag)
				return ok
			}).Should(BeTrue())
			Eventually(a.Host.IsOpen).Should(BeTrue())
			Eventually(a.Host.AnnotationCount).Should(Equal(1))
		})

		It("creates page notes without a selection", func() {
			ann, err := a.Guest().CreateAnnotation(ctx, guest.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ann.IsPageNote()).To(BeTrue())
			Expect(ann.URI).To(Equal(articleURI))
		})
	})

	Describe("focus and selection", func() {
		var ann *types.Annotation

		BeforeEach(func() {
			ann = quote(articleURI, "rivers meet the sea")
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())
		})

		It("focuses highlights from the sidebar", func() {
			Expect(a.Sidebar.FocusAnnotations([]string{ann.Tag})).To(Succeed())
			Eventually(a.Guest().FocusedTags).Should(Equal([]string{ann.Tag}))

			Expect(a.Sidebar.FocusAnnotations(nil)).To(Succeed())
			Eventually(a.Guest().FocusedTags).Should(BeEmpty())
		})

		It("relays hover and click from the guest to the sidebar", func() {
			offset := a.Guest().Anchors()[0].Range.Start + 1

			Expect(a.Guest().HoverAt(offset)).To(Succeed())
			Eventually(a.Sidebar.Focused).Should(Equal([]string{ann.Tag}))

			Expect(a.Guest().ClickAt(offset, false)).To(Succeed())
			Eventually(a.Sidebar.Selected).Should(ContainElement(ann.Tag))
			Eventually(a.Host.IsOpen).Should(BeTrue())
		})

		It("scrolls the guest to an annotation", func() {
			var mu sync.Mutex
			var scrolled []string
			unsub := a.Guest().Bus().Subscribe(event.ScrollToRange, func(e event.Event) {
				mu.Lock()
				scrolled = append(scrolled, e.Data.(*event.ScrollToRangeData).Tag)
				mu.Unlock()
			})
			defer unsub()

			Expect(a.Sidebar.ScrollToAnnotation(ann.Tag)).To(Succeed())
			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), scrolled...)
			}).Should(Equal([]string{ann.Tag}))
		})
	})

	Describe("highlight visibility", func() {
		It("follows the host into every guest", func() {
			sub, err := a.AddGuest(ctx, document.New(notesURI, notes), "notes")
			Expect(err).NotTo(HaveOccurred())

			Expect(a.Host.SetHighlightsVisible(false)).To(Succeed())
			Eventually(a.Guest().HighlightsVisible).Should(BeFalse())
			Eventually(sub.HighlightsVisible).Should(BeFalse())
		})
	})

	Describe("frame lifecycle", func() {
		It("forgets a guest once its frame unloads", func() {
			_, err := a.AddGuest(ctx, document.New(notesURI, notes), "notes")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() int { return len(a.Sidebar.Frames()) }).Should(Equal(2))

			Expect(a.RemoveGuest("notes")).To(BeTrue())
			Eventually(func() int { return len(a.Sidebar.Frames()) }).Should(Equal(1))
			Expect(a.FrameIdentifiers()).To(Equal([]string{app.MainFrame}))
		})

		It("re-anchors after the document changes", func() {
			ann := quote(articleURI, "Herons wait patiently")
			Expect(a.LoadAnnotations(ctx, []*types.Annotation{ann})).To(Succeed())
			before := a.Guest().Anchors()[0].Range.Start

			updated := strings.Replace(article, "<h1>Estuaries</h1>", "<h1>Estuaries and deltas of the world</h1>", 1)
			Expect(a.ReloadDocument(ctx, []byte(updated))).To(Succeed())

			anchors := a.Guest().Anchors()
			Expect(anchors).To(HaveLen(1))
			Expect(anchors[0].Range).NotTo(BeNil())
			Expect(anchors[0].Range.Start).To(BeNumerically(">", before))
		})
	})
})

var _ = Describe("Configuration", func() {
	It("hides highlights until the sidebar opens in whenSidebarOpen mode", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a := startApp(ctx, &types.Config{ShowHighlights: "whenSidebarOpen"})

		Eventually(a.Guest().HighlightsVisible).Should(BeFalse())

		Expect(a.Host.OpenSidebar()).To(Succeed())
		Eventually(a.Guest().HighlightsVisible).Should(BeTrue())

		Expect(a.Host.CloseSidebar()).To(Succeed())
		Eventually(a.Guest().HighlightsVisible).Should(BeFalse())
	})
})
