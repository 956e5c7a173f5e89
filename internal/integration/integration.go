// Package integration adapts the guest to the kind of document it is running
// in. New picks the implementation by inspecting the document.
package integration

import (
	"context"
	"errors"

	"github.com/marginalia/framesync/internal/anchoring"
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/pkg/types"
)

// ErrNotAnnotatable is returned by Describe in documents that cannot carry
// annotations.
var ErrNotAnnotatable = errors.New("integration: this frame cannot be annotated")

// Integration is the document-type specific part of a guest.
type Integration interface {
	// Anchor resolves selectors to a live range in doc.
	Anchor(ctx context.Context, doc *document.Document, selectors []types.Selector) (*document.Range, error)
	// Describe returns the selectors recording r.
	Describe(r *document.Range) ([]types.Selector, error)
	// CanAnnotate reports whether r may seed a new annotation.
	CanAnnotate(r *document.Range) bool
	// Metadata returns the document's metadata.
	Metadata(ctx context.Context) (types.DocumentMetadata, error)
	// URI returns the document's address as annotations should record it.
	URI(ctx context.Context) (string, error)
	// ScrollToAnchor brings r into view.
	ScrollToAnchor(ctx context.Context, r *document.Range) error
	// FitSideBySide adjusts the layout to the sidebar and reports whether
	// side-by-side mode is active.
	FitSideBySide(layout types.SidebarLayout) bool
	Destroy()
}

// Kind names an integration implementation.
type Kind string

const (
	KindHTML            Kind = "html"
	KindReaderContainer Kind = "reader-container"
	KindReaderContent   Kind = "reader-content"
)

// Options configure New.
type Options struct {
	Anchoring anchoring.Options
	// Parent is the document of the enclosing frame, if any.
	Parent *document.Document
	// SideBySide allows the content to be laid out beside the sidebar.
	SideBySide bool
	// ViewportWidth is the width of the guest's viewport in pixels.
	ViewportWidth int
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{Anchoring: anchoring.DefaultOptions(), SideBySide: true, ViewportWidth: 1280}
}

// readerElement marks the container frame of the ebook reader.
const readerElement = "mosaic-book"

// FrameRole reports whether doc belongs to the ebook reader: "container" when
// it holds the reader element, "content" when its parent does, and "" when it
// is not part of the reader.
func FrameRole(doc, parent *document.Document) Kind {
	if hasReaderElement(doc) {
		return KindReaderContainer
	}
	if parent != nil && hasReaderElement(parent) {
		return KindReaderContent
	}
	return ""
}

func hasReaderElement(doc *document.Document) bool {
	dom := doc.DOM()
	return dom != nil && dom.Find(readerElement).Length() > 0
}

// New creates the integration for doc.
func New(doc *document.Document, opts Options) Integration {
	switch FrameRole(doc, opts.Parent) {
	case KindReaderContainer:
		return &ReaderContainer{doc: doc}
	case KindReaderContent:
		return &ReaderContent{html: NewHTML(doc, opts)}
	default:
		return NewHTML(doc, opts)
	}
}

// KindOf returns the kind of i.
func KindOf(i Integration) Kind {
	switch i.(type) {
	case *ReaderContainer:
		return KindReaderContainer
	case *ReaderContent:
		return KindReaderContent
	default:
		return KindHTML
	}
}
