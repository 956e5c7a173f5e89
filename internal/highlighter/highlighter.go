// Package highlighter marks anchored ranges of a document.
package highlighter

import (
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/marginalia/framesync/internal/document"
)

// Handle identifies one highlight.
type Handle string

// Highlighter paints and removes highlights.
type Highlighter interface {
	// Attach highlights r. A range spanning several lines gets one highlight
	// per non-blank line.
	Attach(r *document.Range) []Handle
	Detach(handles []Handle)
	SetFocused(handles []Handle, focused bool)
	SetVisible(visible bool)
	Visible() bool
	// FindOwning returns the highlights containing offset, innermost first.
	FindOwning(offset int) []Handle
}

// Highlight is the state of one highlight.
type Highlight struct {
	Handle  Handle             `json:"handle"`
	Range   document.TextRange `json:"range"`
	Focused bool               `json:"focused"`
}

// Memory is a Highlighter that keeps highlights in memory.
type Memory struct {
	mu         sync.RWMutex
	highlights map[Handle]*Highlight
	visible    bool
}

var _ Highlighter = (*Memory)(nil)

// NewMemory creates an empty, visible highlighter.
func NewMemory() *Memory {
	return &Memory{highlights: make(map[Handle]*Highlight), visible: true}
}

func (m *Memory) Attach(r *document.Range) []Handle {
	text := r.Text()
	if text == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var handles []Handle
	offset := r.Start
	for _, line := range strings.SplitAfter(text, "\n") {
		start, end := offset, offset+len(line)
		offset = end
		if strings.TrimSpace(line) == "" {
			continue
		}
		h := Handle(ulid.Make().String())
		m.highlights[h] = &Highlight{Handle: h, Range: document.TextRange{Start: start, End: end}}
		handles = append(handles, h)
	}
	return handles
}

func (m *Memory) Detach(handles []Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		delete(m.highlights, h)
	}
}

func (m *Memory) SetFocused(handles []Handle, focused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range handles {
		if hl, ok := m.highlights[h]; ok {
			hl.Focused = focused
		}
	}
}

func (m *Memory) SetVisible(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible = visible
}

func (m *Memory) Visible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visible
}

func (m *Memory) FindOwning(offset int) []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []*Highlight
	for _, hl := range m.highlights {
		if hl.Range.Contains(offset) {
			found = append(found, hl)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Range.Len() != found[j].Range.Len() {
			return found[i].Range.Len() < found[j].Range.Len()
		}
		return found[i].Handle < found[j].Handle
	})

	handles := make([]Handle, 0, len(found))
	for _, hl := range found {
		handles = append(handles, hl.Handle)
	}
	return handles
}

// Get returns a copy of the highlight's state.
func (m *Memory) Get(h Handle) (Highlight, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hl, ok := m.highlights[h]
	if !ok {
		return Highlight{}, false
	}
	return *hl, true
}

// All returns every highlight ordered by position.
func (m *Memory) All() []Highlight {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Highlight, 0, len(m.highlights))
	for _, hl := range m.highlights {
		all = append(all, *hl)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Range.Start != all[j].Range.Start {
			return all[i].Range.Start < all[j].Range.Start
		}
		return all[i].Handle < all[j].Handle
	})
	return all
}

// Len returns the number of highlights.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.highlights)
}
