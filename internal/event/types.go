package event

import (
	"sync/atomic"

	"github.com/marginalia/framesync/pkg/types"
)

// AnchorsChangedData is the data for anchors.changed events.
type AnchorsChangedData struct {
	Count   int      `json:"count"`
	Tags    []string `json:"tags"`
	Orphans int      `json:"orphans"`
}

// AnnotationsLoadedData is the data for annotations.loaded events.
type AnnotationsLoadedData struct {
	Annotations []*types.Annotation `json:"annotations"`
}

// AnnotationDeletedData is the data for annotation.deleted events.
type AnnotationDeletedData struct {
	Annotation *types.Annotation `json:"annotation"`
}

// BeforeAnnotationCreatedData is the data for annotation.before-created events.
type BeforeAnnotationCreatedData struct {
	Annotation *types.Annotation `json:"annotation"`
}

// HasSelectionChangedData is the data for selection.changed events.
type HasSelectionChangedData struct {
	HasSelection bool `json:"hasSelection"`
}

// ScrollToRangeData is the data for scroll.range events. It is published
// synchronously; a subscriber that handles the scroll itself (for example by
// expanding a collapsed section first) calls PreventDefault.
type ScrollToRangeData struct {
	Tag   string `json:"tag"`
	Start int    `json:"start"`
	End   int    `json:"end"`

	prevented atomic.Bool
}

// PreventDefault cancels the default scroll.
func (d *ScrollToRangeData) PreventDefault() {
	d.prevented.Store(true)
}

// DefaultPrevented reports whether a subscriber canceled the default scroll.
func (d *ScrollToRangeData) DefaultPrevented() bool {
	return d.prevented.Load()
}

// FrameData is the data for frame.connected and frame.destroyed events.
type FrameData struct {
	FrameIdentifier string `json:"frameIdentifier"`
	URI             string `json:"uri,omitempty"`
}

// HighlightsVisibleData is the data for highlights.visible events.
type HighlightsVisibleData struct {
	Visible bool `json:"visible"`
}
