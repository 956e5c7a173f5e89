package app

import (
	"github.com/marginalia/framesync/internal/guest"
)

// Anchoring states reported by Status.
const (
	StateAnchored = "anchored"
	StateOrphan   = "orphan"
	StatePageNote = "page-note"
)

// AnnotationStatus describes how one annotation anchored in one frame.
type AnnotationStatus struct {
	Tag             string `json:"tag"`
	ID              string `json:"id,omitempty"`
	FrameIdentifier string `json:"frameIdentifier"`
	State           string `json:"state"`
	Quote           string `json:"quote,omitempty"`
	Start           int    `json:"start,omitempty"`
	End             int    `json:"end,omitempty"`
	Highlights      int    `json:"highlights"`
}

// Status reports the anchoring state of every annotation in every frame,
// frames in identifier order and annotations in anchor order.
func (a *App) Status() []AnnotationStatus {
	var out []AnnotationStatus
	for _, id := range a.FrameIdentifiers() {
		g, ok := a.GuestFor(id)
		if !ok {
			continue
		}
		out = append(out, statusOf(id, g.Anchors())...)
	}
	return out
}

func statusOf(id string, anchors []*guest.Anchor) []AnnotationStatus {
	var out []AnnotationStatus
	index := make(map[string]int)
	for _, anchor := range anchors {
		ann := anchor.Annotation
		i, seen := index[ann.Tag]
		if !seen {
			state := StateAnchored
			switch {
			case ann.Orphan:
				state = StateOrphan
			case ann.IsPageNote():
				state = StatePageNote
			}
			out = append(out, AnnotationStatus{
				Tag:             ann.Tag,
				ID:              ann.ID,
				FrameIdentifier: id,
				State:           state,
			})
			i = len(out) - 1
			index[ann.Tag] = i
		}

		st := &out[i]
		st.Highlights += len(anchor.Highlights)
		if anchor.Range != nil && st.Quote == "" {
			st.Quote = anchor.Target.Quote()
			st.Start = anchor.Range.Start
			st.End = anchor.Range.End
		}
	}
	return out
}
