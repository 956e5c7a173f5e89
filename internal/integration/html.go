package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/anchoring"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/pkg/types"
)

// minContentWidth is the narrowest content column side-by-side mode allows.
const minContentWidth = 480

// HTML is the integration for ordinary web pages and plain text.
type HTML struct {
	doc  *document.Document
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	scrolledTo *document.TextRange
	sideBySide bool
}

var _ Integration = (*HTML)(nil)

// NewHTML creates an HTML integration for doc.
func NewHTML(doc *document.Document, opts Options) *HTML {
	return &HTML{doc: doc, opts: opts, log: logging.Component("integration")}
}

func (h *HTML) Anchor(ctx context.Context, doc *document.Document, selectors []types.Selector) (*document.Range, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tr, err := anchoring.Resolve(doc.Text(), selectors, h.opts.Anchoring)
	if err != nil {
		return nil, err
	}
	return tr.ToRange(doc)
}

func (h *HTML) Describe(r *document.Range) ([]types.Selector, error) {
	if r.Stale() {
		return nil, fmt.Errorf("integration: range is stale")
	}
	return anchoring.Describe(r.Document().Text(), r.Start, r.End, h.opts.Anchoring.ContextLength)
}

func (h *HTML) CanAnnotate(r *document.Range) bool {
	return r != nil && r.Document() == h.doc && !r.Stale() && strings.TrimSpace(r.Text()) != ""
}

func (h *HTML) Metadata(ctx context.Context) (types.DocumentMetadata, error) {
	dom := h.doc.DOM()
	if dom == nil {
		return types.DocumentMetadata{Link: []types.Link{{Href: h.doc.URI()}}}, nil
	}
	return htmlMetadata(dom, h.doc.URI()), nil
}

// htmlMetadata collects the title, related links and keywords of a page.
func htmlMetadata(dom *goquery.Document, uri string) types.DocumentMetadata {
	md := types.DocumentMetadata{
		Title: strings.TrimSpace(dom.Find("head title").First().Text()),
	}
	if og, ok := dom.Find(`meta[property="og:title"]`).Attr("content"); ok && md.Title == "" {
		md.Title = strings.TrimSpace(og)
	}

	md.Link = append(md.Link, types.Link{Href: uri})
	seen := map[string]bool{uri: true}
	dom.Find("link[rel][href]").Each(func(_ int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		href, _ := s.Attr("href")
		switch strings.ToLower(rel) {
		case "canonical", "alternate", "shortlink":
		default:
			return
		}
		if href == "" || seen[href] {
			return
		}
		seen[href] = true
		typ, _ := s.Attr("type")
		md.Link = append(md.Link, types.Link{Href: href, Rel: strings.ToLower(rel), Type: typ})
	})

	if keywords, ok := dom.Find(`meta[name="keywords"]`).Attr("content"); ok {
		for _, k := range strings.Split(keywords, ",") {
			if k = strings.TrimSpace(k); k != "" {
				md.Tags = append(md.Tags, k)
			}
		}
	}
	return md
}

func (h *HTML) URI(ctx context.Context) (string, error) {
	return h.doc.URI(), nil
}

func (h *HTML) ScrollToAnchor(ctx context.Context, r *document.Range) error {
	if r.Stale() {
		return fmt.Errorf("integration: range is stale")
	}
	tr := r.TextRange()
	h.mu.Lock()
	h.scrolledTo = &tr
	h.mu.Unlock()
	h.log.Debug().Int("start", tr.Start).Int("end", tr.End).Msg("scrolled to anchor")
	return nil
}

// ScrolledTo returns the range last scrolled into view.
func (h *HTML) ScrolledTo() (document.TextRange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.scrolledTo == nil {
		return document.TextRange{}, false
	}
	return *h.scrolledTo, true
}

// FitSideBySide activates side-by-side mode when the sidebar is expanded and
// leaves a content column of at least minContentWidth.
func (h *HTML) FitSideBySide(layout types.SidebarLayout) bool {
	active := h.opts.SideBySide && layout.Expanded &&
		h.opts.ViewportWidth-layout.Width >= minContentWidth
	h.mu.Lock()
	h.sideBySide = active
	h.mu.Unlock()
	return active
}

// SideBySideActive reports the result of the last FitSideBySide.
func (h *HTML) SideBySideActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sideBySide
}

func (h *HTML) Destroy() {}
