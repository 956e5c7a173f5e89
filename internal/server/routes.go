package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/annotations", func(r chi.Router) {
		r.Get("/", s.listAnnotations)
		r.Post("/", s.loadAnnotations)
		r.Post("/focus", s.focusAnnotations)
		r.Post("/create", s.createAnnotation)

		r.Route("/{tag}", func(r chi.Router) {
			r.Delete("/", s.deleteAnnotation)
			r.Post("/scroll", s.scrollToAnnotation)
		})
	})

	r.Post("/selection", s.setSelection)
	r.Put("/highlights", s.setHighlights)
	r.Get("/anchors", s.listAnchors)

	// Event streaming
	r.Get("/event", s.allEvents)
	r.Get("/event/ws", s.wsEvents)
}
