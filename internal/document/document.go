// Package document holds the annotatable content of a guest frame and the
// ranges that refer into it.
//
// All offsets are byte offsets into Document.Text.
package document

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Document is the content of one guest frame. Its text may be replaced; live
// ranges taken before a replacement become stale.
type Document struct {
	mu      sync.RWMutex
	uri     string
	text    string
	dom     *goquery.Document
	version uint64
}

// New creates a plain-text document.
func New(uri, text string) *Document {
	return &Document{uri: uri, text: text}
}

// ParseHTML reads an HTML document. Its text is the visible text of the body.
func ParseHTML(uri string, r io.Reader) (*Document, error) {
	dom, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("document: parse %s: %w", uri, err)
	}
	return &Document{uri: uri, text: visibleText(dom), dom: dom}, nil
}

// Load reads a document, parsing it as HTML when it looks like markup.
func Load(uri string, r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("document: read %s: %w", uri, err)
	}
	if looksLikeHTML(data) {
		return ParseHTML(uri, bytes.NewReader(data))
	}
	return New(uri, string(data)), nil
}

func looksLikeHTML(data []byte) bool {
	head := strings.ToLower(strings.TrimSpace(string(data[:min(len(data), 512)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") ||
		strings.Contains(head, "<body") || strings.Contains(head, "<head")
}

func visibleText(dom *goquery.Document) string {
	body := dom.Find("body")
	if body.Length() == 0 {
		body = dom.Selection
	}
	body = body.Clone()
	body.Find("script, style, noscript, template").Remove()
	return body.Text()
}

// URI returns the document's address.
func (d *Document) URI() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.uri
}

// Text returns the current text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// DOM returns the parsed markup, or nil for plain-text documents.
func (d *Document) DOM() *goquery.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dom
}

// Version counts replacements.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Replace swaps in new content. Live ranges into the old content go stale.
func (d *Document) Replace(other *Document) {
	other.mu.RLock()
	text, dom := other.text, other.dom
	other.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
	d.dom = dom
	d.version++
}

// Len returns the text length.
func (d *Document) Len() int {
	return len(d.Text())
}

// Range returns a live range over [start, end).
func (d *Document) Range(start, end int) (*Range, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if start < 0 || end < start || end > len(d.text) {
		return nil, fmt.Errorf("document: range [%d,%d) outside text of length %d", start, end, len(d.text))
	}
	return &Range{doc: d, Start: start, End: end, version: d.version}, nil
}

// Range is a live range. It is only meaningful for the document version it
// was taken from; convert it to a TextRange to keep it.
type Range struct {
	doc     *Document
	Start   int
	End     int
	version uint64
}

// Document returns the range's document.
func (r *Range) Document() *Document {
	return r.doc
}

// Collapsed reports whether the range selects nothing.
func (r *Range) Collapsed() bool {
	return r.Start == r.End
}

// Version returns the document version the range was taken from.
func (r *Range) Version() uint64 {
	return r.version
}

// Stale reports whether the document changed since the range was taken.
func (r *Range) Stale() bool {
	return r.doc.Version() != r.version
}

// Text returns the selected text, or "" if the range is stale.
func (r *Range) Text() string {
	r.doc.mu.RLock()
	defer r.doc.mu.RUnlock()
	if r.doc.version != r.version {
		return ""
	}
	return r.doc.text[r.Start:r.End]
}

// TextRange returns the range's position independent of the document
// version.
func (r *Range) TextRange() TextRange {
	return TextRange{Start: r.Start, End: r.End}
}

// TextRange is a stored position. It survives document changes and is
// re-validated when turned back into a live Range.
type TextRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ToRange resolves the position against the current content of doc.
func (tr TextRange) ToRange(doc *Document) (*Range, error) {
	return doc.Range(tr.Start, tr.End)
}

// Len returns the length of the range.
func (tr TextRange) Len() int {
	return tr.End - tr.Start
}

// Contains reports whether offset falls inside the range.
func (tr TextRange) Contains(offset int) bool {
	return offset >= tr.Start && offset < tr.End
}
