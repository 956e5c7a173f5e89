package types

import (
	"slices"

	"github.com/oklog/ulid/v2"
)

// Selector types understood by the anchoring layer.
const (
	TextQuoteSelector    = "TextQuoteSelector"
	TextPositionSelector = "TextPositionSelector"
	FragmentSelector     = "FragmentSelector"
)

// Selector describes a region of a document. Only the fields relevant to
// Type are set.
type Selector struct {
	Type string `json:"type" yaml:"type"`

	// TextQuoteSelector
	Exact  string `json:"exact,omitempty" yaml:"exact,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty" yaml:"suffix,omitempty"`

	// TextPositionSelector
	Start *int `json:"start,omitempty" yaml:"start,omitempty"`
	End   *int `json:"end,omitempty" yaml:"end,omitempty"`

	// FragmentSelector
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Target is one annotated region of a document. In the annotation API the
// selectors field is called "selector" despite being a list.
type Target struct {
	Source   string     `json:"source,omitempty" yaml:"source,omitempty"`
	Selector []Selector `json:"selector,omitempty" yaml:"selector,omitempty"`
}

// HasSelectors reports whether the target refers to a document region at all.
// Targets without selectors belong to page notes.
func (t Target) HasSelectors() bool {
	return len(t.Selector) > 0
}

// HasQuote reports whether the target carries a TextQuoteSelector. Only quoted
// targets can be anchored because the quote verifies the other selectors.
func (t Target) HasQuote() bool {
	for _, s := range t.Selector {
		if s.Type == TextQuoteSelector {
			return true
		}
	}
	return false
}

// Quote returns the exact text of the first TextQuoteSelector, if any.
func (t Target) Quote() string {
	for _, s := range t.Selector {
		if s.Type == TextQuoteSelector {
			return s.Exact
		}
	}
	return ""
}

// DocumentMetadata is the metadata extracted from an annotated document.
type DocumentMetadata struct {
	Title string   `json:"title,omitempty" yaml:"title,omitempty"`
	Link  []Link   `json:"link,omitempty" yaml:"link,omitempty"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Link is a related URL of a document (canonical, alternate, ...).
type Link struct {
	Href string `json:"href" yaml:"href"`
	Rel  string `json:"rel,omitempty" yaml:"rel,omitempty"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// DocumentInfo is what a guest reports when asked about its document.
type DocumentInfo struct {
	URI             string           `json:"uri"`
	Metadata        DocumentMetadata `json:"metadata"`
	FrameIdentifier string           `json:"frameIdentifier,omitempty"`
}

// Annotation is a frame-local copy of an annotation record.
//
// Tag is the identity token shared verbatim across frames; it is assigned once
// and never changed. Orphan is true when every target with selectors failed to
// anchor.
type Annotation struct {
	ID        string            `json:"id,omitempty" yaml:"id,omitempty"`
	URI       string            `json:"uri,omitempty" yaml:"uri,omitempty"`
	Text      string            `json:"text,omitempty" yaml:"text,omitempty"`
	Tags      []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Group     string            `json:"group,omitempty" yaml:"group,omitempty"`
	Document  *DocumentMetadata `json:"document,omitempty" yaml:"document,omitempty"`
	Target    []Target          `json:"target" yaml:"target"`
	Highlight bool              `json:"$highlight,omitempty" yaml:"highlight,omitempty"`
	Tag       string            `json:"$tag,omitempty" yaml:"tag,omitempty"`
	Orphan    bool              `json:"$orphan,omitempty" yaml:"orphan,omitempty"`
}

// IsPageNote reports whether the annotation refers to the document as a whole.
func (a *Annotation) IsPageNote() bool {
	for _, t := range a.Target {
		if t.HasSelectors() {
			return false
		}
	}
	return true
}

// Clone returns a copy of a that shares no slices with it. Records handed
// between goroutines are replaced by clones, never modified in place.
func (a *Annotation) Clone() *Annotation {
	c := *a
	c.Tags = slices.Clone(a.Tags)
	if a.Target != nil {
		c.Target = make([]Target, len(a.Target))
		for i, t := range a.Target {
			t.Selector = slices.Clone(t.Selector)
			c.Target[i] = t
		}
	}
	if a.Document != nil {
		d := *a.Document
		d.Link = slices.Clone(d.Link)
		d.Tags = slices.Clone(d.Tags)
		c.Document = &d
	}
	return &c
}

// Same reports whether a and b are copies of the same annotation: either the
// same record, or two records sharing an identity tag.
func Same(a, b *Annotation) bool {
	if a == nil || b == nil {
		return false
	}
	if a == b {
		return true
	}
	return a.Tag != "" && a.Tag == b.Tag
}

// AnnotationMessage is the wire form of an annotation crossing a frame
// boundary: the identity tag travels beside the record.
type AnnotationMessage struct {
	Tag string      `json:"tag"`
	Msg *Annotation `json:"msg"`
}

// NewTag allocates a process-unique identity tag.
func NewTag() string {
	return "t" + ulid.Make().String()
}

// SidebarLayout describes the sidebar geometry the host reports to guests.
type SidebarLayout struct {
	Expanded bool `json:"expanded"`
	Width    int  `json:"width"`
	Height   int  `json:"height"`
}
