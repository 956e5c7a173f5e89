package guest

import (
	"github.com/marginalia/framesync/internal/document"
	"github.com/marginalia/framesync/internal/highlighter"
	"github.com/marginalia/framesync/pkg/types"
)

// Anchor is the placement of one annotation target in the document. Range is
// nil when the target has no quote or could not be resolved. Neither an
// installed anchor nor its annotation is modified once installed.
type Anchor struct {
	Annotation *types.Annotation
	Target     types.Target
	Range      *document.TextRange
	Highlights []highlighter.Handle

	// document version the target was resolved against
	version uint64
}

// Anchored reports whether the target resolved to a range.
func (a *Anchor) Anchored() bool {
	return a.Range != nil
}

// isOrphan reports whether an annotation with these anchors failed to anchor:
// it has anchors and every one of them has selectors but no range.
func isOrphan(anchors []*Anchor) bool {
	if len(anchors) == 0 {
		return false
	}
	for _, a := range anchors {
		if !a.Target.HasSelectors() || a.Range != nil {
			return false
		}
	}
	return true
}

// stale reports whether any of anchors was resolved against a document
// version other than version.
func stale(anchors []*Anchor, version uint64) bool {
	for _, a := range anchors {
		if a.version != version {
			return true
		}
	}
	return false
}
