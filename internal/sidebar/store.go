package sidebar

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/pkg/types"
)

// ErrUnknownAnnotation is returned for tags missing from the store.
var ErrUnknownAnnotation = errors.New("sidebar: unknown annotation")

// LoadAnnotations adds anns to the store and loads them into every connected
// guest showing their document. Untagged annotations are tagged first. It
// returns once every guest has anchored them.
func (s *Sidebar) LoadAnnotations(ctx context.Context, anns []*types.Annotation) error {
	s.mu.Lock()
	for _, ann := range anns {
		tag := ann.Tag
		if tag == "" {
			tag = types.NewTag()
		}
		c := *ann
		s.putLocked(tag, &c)
		ann.Tag = tag
	}
	frames := s.frames
	targets := make(map[*GuestFrame][]*types.Annotation, len(frames))
	for _, gf := range frames {
		var forFrame []*types.Annotation
		for _, ann := range anns {
			if c := *s.store[ann.Tag]; belongsTo(&c, gf.Info.URI) {
				forFrame = append(forFrame, &c)
			}
		}
		targets[gf] = forFrame
	}
	count := len(s.store)
	s.notifyLocked()
	s.mu.Unlock()

	var errs []error
	for _, gf := range frames {
		if len(targets[gf]) == 0 {
			continue
		}
		errs = append(errs, s.load(ctx, gf, targets[gf]))
	}
	errs = append(errs, s.host.Call("publicAnnotationCountChanged", count))
	return errors.Join(errs...)
}

// DeleteAnnotation removes the annotation with tag from the store and from
// every guest.
func (s *Sidebar) DeleteAnnotation(ctx context.Context, tag string) error {
	s.mu.Lock()
	ann, ok := s.store[tag]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, tag)
	}
	c := *ann
	delete(s.store, tag)
	s.order = slices.DeleteFunc(slices.Clone(s.order), func(t string) bool { return t == tag })
	count := len(s.store)
	s.notifyLocked()
	s.mu.Unlock()

	errs := s.callAll(ctx, "deleteAnnotation", types.AnnotationMessage{Tag: tag, Msg: &c})
	errs = append(errs, s.host.Call("publicAnnotationCountChanged", count))
	return errors.Join(errs...)
}

func (s *Sidebar) callAll(ctx context.Context, method string, args ...any) []error {
	replies, err := s.guests.CallAll(ctx, method, args...)
	if err != nil {
		return []error{err}
	}
	errs := make([]error, 0, len(replies))
	for _, r := range replies {
		errs = append(errs, r.Err)
	}
	return errs
}

// FocusAnnotations focuses the highlights of the annotations with tags in
// every guest. An empty list clears the focus.
func (s *Sidebar) FocusAnnotations(tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return s.guests.Call("focusAnnotations", tags)
}

// ScrollToAnnotation asks the guests to scroll the annotation with tag into
// view.
func (s *Sidebar) ScrollToAnnotation(tag string) error {
	return s.guests.Call("scrollToAnnotation", tag)
}

// SetHighlightsVisible shows or hides highlights in every guest.
func (s *Sidebar) SetHighlightsVisible(visible bool) error {
	s.mu.Lock()
	s.highlightsVisible = visible
	s.mu.Unlock()

	s.bus.PublishSync(event.Event{
		Type: event.HighlightsVisible,
		Data: event.HighlightsVisibleData{Visible: visible},
	})
	return s.guests.Call("setHighlightsVisible", visible)
}

// HighlightsVisible reports the highlight visibility last sent to guests.
func (s *Sidebar) HighlightsVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highlightsVisible
}

// Annotations returns copies of the stored annotations in insertion order.
func (s *Sidebar) Annotations() []types.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	anns := make([]types.Annotation, 0, len(s.order))
	for _, tag := range s.order {
		anns = append(anns, *s.store[tag])
	}
	return anns
}

// Annotation returns a copy of the stored annotation with tag.
func (s *Sidebar) Annotation(tag string) (types.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ann, ok := s.store[tag]
	if !ok {
		return types.Annotation{}, false
	}
	return *ann, true
}

// Frames returns the connected guests.
func (s *Sidebar) Frames() []*GuestFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// WaitForFrame blocks until a guest with frameIdentifier is connected.
func (s *Sidebar) WaitForFrame(ctx context.Context, frameIdentifier string) (*GuestFrame, error) {
	for {
		s.mu.Lock()
		for _, gf := range s.frames {
			if gf.Info.FrameIdentifier == frameIdentifier {
				s.mu.Unlock()
				return gf, nil
			}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("sidebar: waiting for frame %q: %w", frameIdentifier, ctx.Err())
		}
	}
}

// Focused returns the tags the guests last reported as hovered.
func (s *Sidebar) Focused() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.focused)
}

// Selected returns the tags of the selected annotations.
func (s *Sidebar) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.selected)
}

// IsOpen reports whether the host told the sidebar it was opened.
func (s *Sidebar) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Destroy disconnects from the host and every guest.
func (s *Sidebar) Destroy() {
	s.mu.Lock()
	stop := s.stopOffers
	s.stopOffers = nil
	s.frames = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.guests.Destroy()
	s.host.Destroy()
	s.bus.Close()
}
