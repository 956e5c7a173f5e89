package integration

import (
	"context"
	"net/url"
	"strings"

	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/pkg/types"
)

// ReaderContainer is the integration for the ebook reader's outer frame. The
// container only hosts the content frame; nothing in it can be annotated.
type ReaderContainer struct {
	doc *document.Document
}

var _ Integration = (*ReaderContainer)(nil)

func (c *ReaderContainer) Anchor(ctx context.Context, doc *document.Document, selectors []types.Selector) (*document.Range, error) {
	return doc.Range(0, 0)
}

func (c *ReaderContainer) Describe(r *document.Range) ([]types.Selector, error) {
	return nil, ErrNotAnnotatable
}

func (c *ReaderContainer) CanAnnotate(r *document.Range) bool { return false }

func (c *ReaderContainer) Metadata(ctx context.Context) (types.DocumentMetadata, error) {
	return types.DocumentMetadata{Link: []types.Link{}}, nil
}

func (c *ReaderContainer) URI(ctx context.Context) (string, error) {
	return c.doc.URI(), nil
}

func (c *ReaderContainer) ScrollToAnchor(ctx context.Context, r *document.Range) error { return nil }

func (c *ReaderContainer) FitSideBySide(layout types.SidebarLayout) bool { return false }

func (c *ReaderContainer) Destroy() {}

// ReaderContent is the integration for the frame holding a book chapter. It
// anchors like an HTML page but reports a stable chapter URI and minimal
// metadata.
type ReaderContent struct {
	html *HTML
}

var _ Integration = (*ReaderContent)(nil)

func (c *ReaderContent) Anchor(ctx context.Context, doc *document.Document, selectors []types.Selector) (*document.Range, error) {
	return c.html.Anchor(ctx, doc, selectors)
}

func (c *ReaderContent) Describe(r *document.Range) ([]types.Selector, error) {
	return c.html.Describe(r)
}

func (c *ReaderContent) CanAnnotate(r *document.Range) bool {
	return c.html.CanAnnotate(r)
}

func (c *ReaderContent) Metadata(ctx context.Context) (types.DocumentMetadata, error) {
	var title string
	if dom := c.html.doc.DOM(); dom != nil {
		title = strings.TrimSpace(dom.Find("head title").First().Text())
	}
	return types.DocumentMetadata{Title: title, Link: []types.Link{}}, nil
}

// URI strips the query from the chapter address. The query carries reader
// session state, not the identity of the chapter.
func (c *ReaderContent) URI(ctx context.Context) (string, error) {
	u, err := url.Parse(c.html.doc.URI())
	if err != nil {
		return c.html.doc.URI(), nil
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String(), nil
}

func (c *ReaderContent) ScrollToAnchor(ctx context.Context, r *document.Range) error {
	return c.html.ScrollToAnchor(ctx, r)
}

func (c *ReaderContent) FitSideBySide(layout types.SidebarLayout) bool { return false }

func (c *ReaderContent) Destroy() {
	c.html.Destroy()
}
