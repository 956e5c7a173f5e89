// Package annotationsync replicates annotation records between a frame and
// its peers over a bridge.
//
// Every record crossing a frame boundary travels as {tag, msg}. The tag is
// the identity shared by all frame-local copies of one annotation: it is
// assigned once, by whichever frame first sees the record untagged, and never
// changes. Each frame caches its copies by tag, so a record loaded twice
// replaces the copy already held instead of adding a second one. Cached
// records are never modified after they are handed out.
package annotationsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/event"
	"github.com/marginalia/framesync/internal/logging"
	"github.com/marginalia/framesync/pkg/types"
)

// Sync is the synchronizer for one frame.
type Sync struct {
	bus    *event.Bus
	bridge *bridge.Bridge
	log    zerolog.Logger

	mu        sync.Mutex
	cache     map[string]*types.Annotation
	destroyed bool
	unsub     []func()
}

// New registers the loadAnnotations and deleteAnnotation handlers on br and
// starts tagging annotations created in this frame.
func New(bus *event.Bus, br *bridge.Bridge) *Sync {
	s := &Sync{
		bus:    bus,
		bridge: br,
		log:    logging.Component("annotationsync"),
		cache:  make(map[string]*types.Annotation),
	}

	br.On("loadAnnotations", s.onLoad)
	br.On("deleteAnnotation", s.onDelete)

	s.unsub = append(s.unsub,
		bus.Subscribe(event.BeforeAnnotationCreated, s.onBeforeCreated),
	)
	return s
}

func (s *Sync) onLoad(ctx context.Context, call *bridge.Call) (any, error) {
	var bodies []types.AnnotationMessage
	if err := call.Arg(0, &bodies); err != nil {
		return nil, err
	}
	if s.isDestroyed() {
		return nil, nil
	}

	annotations := make([]*types.Annotation, 0, len(bodies))
	for _, body := range bodies {
		if ann := s.parse(body); ann != nil {
			annotations = append(annotations, ann)
		}
	}

	s.log.Debug().Int("count", len(annotations)).Msg("annotations loaded")
	s.bus.PublishSync(event.Event{
		Type: event.AnnotationsLoaded,
		Data: event.AnnotationsLoadedData{Annotations: annotations},
	})
	return s.formatAll(annotations), nil
}

func (s *Sync) onDelete(ctx context.Context, call *bridge.Call) (any, error) {
	var body types.AnnotationMessage
	if err := call.Arg(0, &body); err != nil {
		return nil, err
	}
	if s.isDestroyed() {
		return nil, nil
	}

	ann := s.parse(body)
	if ann == nil {
		return nil, nil
	}

	s.mu.Lock()
	delete(s.cache, ann.Tag)
	s.mu.Unlock()

	s.bus.PublishSync(event.Event{
		Type: event.AnnotationDeleted,
		Data: event.AnnotationDeletedData{Annotation: ann},
	})
	return s.format(ann), nil
}

func (s *Sync) onBeforeCreated(e event.Event) {
	ann := e.Data.(event.BeforeAnnotationCreatedData).Annotation
	if ann == nil || ann.Tag != "" {
		return
	}
	s.tag(ann, "")
	if err := s.bridge.Call("createAnnotation", s.format(ann)); err != nil {
		s.log.Warn().Err(err).Str("tag", ann.Tag).Msg("failed to announce created annotation")
	}
}

// Sync pushes the frame's copies of annotations to its peers, tagging any
// record that has no tag yet.
func (s *Sync) Sync(annotations []*types.Annotation) error {
	if s.isDestroyed() {
		return nil
	}
	for _, ann := range annotations {
		s.tag(ann, "")
	}
	return s.bridge.Call("sync", s.formatAll(annotations))
}

// Get returns the cached copy of the annotation with tag.
func (s *Sync) Get(tag string) *types.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache[tag]
}

// Len returns the number of cached annotations.
func (s *Sync) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// parse builds a fresh record from an inbound body and caches it under its
// tag, replacing any earlier copy. The wire tag wins over the record's own
// $tag; a body with neither gets a fresh tag.
func (s *Sync) parse(body types.AnnotationMessage) *types.Annotation {
	if body.Msg == nil {
		return nil
	}
	ann := body.Msg.Clone()
	if body.Tag != "" {
		ann.Tag = body.Tag
	}
	return s.tag(ann, "")
}

// Track caches ann under its tag, tagging it first if it has none. Callers
// track a record before sharing it with other goroutines.
func (s *Sync) Track(ann *types.Annotation) *types.Annotation {
	return s.tag(ann, "")
}

// tag assigns tag, or a fresh one if tag is empty, to an untagged record and
// caches it. A record that already has a tag keeps it.
func (s *Sync) tag(ann *types.Annotation, tag string) *types.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ann.Tag != "" {
		s.cache[ann.Tag] = ann
		return ann
	}
	if tag == "" {
		tag = types.NewTag()
	}
	ann.Tag = tag
	s.cache[tag] = ann
	return ann
}

func (s *Sync) format(ann *types.Annotation) types.AnnotationMessage {
	return types.AnnotationMessage{Tag: ann.Tag, Msg: ann}
}

func (s *Sync) formatAll(annotations []*types.Annotation) []types.AnnotationMessage {
	bodies := make([]types.AnnotationMessage, 0, len(annotations))
	for _, ann := range annotations {
		bodies = append(bodies, s.format(ann))
	}
	return bodies
}

func (s *Sync) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Destroy stops handling events. The bridge itself is left to its owner.
func (s *Sync) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	unsub := s.unsub
	s.unsub = nil
	s.cache = make(map[string]*types.Annotation)
	s.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}
