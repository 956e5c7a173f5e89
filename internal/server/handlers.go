package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marginalia/framesync/internal/app"
	"github.com/marginalia/framesync/internal/bridge"
	"github.com/marginalia/framesync/internal/guest"
	"github.com/marginalia/framesync/internal/sidebar"
)

// maxBodySize bounds request bodies.
const maxBodySize = 8 << 20

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string   `json:"status"`
	Frames            []string `json:"frames"`
	Annotations       int      `json:"annotations"`
	SidebarOpen       bool     `json:"sidebarOpen"`
	HighlightsVisible bool     `json:"highlightsVisible"`
}

// FocusRequest is the body of POST /annotations/focus.
type FocusRequest struct {
	Tags []string `json:"tags"`
}

// CreateRequest is the body of POST /annotations/create.
type CreateRequest struct {
	FrameIdentifier string `json:"frameIdentifier"`
	Highlight       bool   `json:"highlight"`
}

// SelectionRequest is the body of POST /selection. An empty range clears the
// selection.
type SelectionRequest struct {
	FrameIdentifier string `json:"frameIdentifier"`
	Start           int    `json:"start"`
	End             int    `json:"end"`
}

// SelectionResponse is returned by POST /selection.
type SelectionResponse struct {
	HasSelection bool `json:"hasSelection"`
}

// HighlightsRequest is the body of PUT /highlights.
type HighlightsRequest struct {
	Visible bool `json:"visible"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:            "ok",
		Frames:            s.app.FrameIdentifiers(),
		Annotations:       len(s.app.Sidebar.Annotations()),
		SidebarOpen:       s.app.Host.IsOpen(),
		HighlightsVisible: s.app.Host.HighlightsVisible(),
	})
}

func (s *Server) listAnnotations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Sidebar.Annotations())
}

// loadAnnotations accepts a JSON list, an {"annotations": [...]} object or,
// with a YAML content type, the same shapes in YAML.
func (s *Server) loadAnnotations(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	ext := ".json"
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		switch mt {
		case "application/yaml", "application/x-yaml", "text/yaml":
			ext = ".yaml"
		}
	}

	anns, err := sidebar.ParseAnnotations(data, ext)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	if err := s.app.LoadAnnotations(r.Context(), anns); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anns)
}

func (s *Server) deleteAnnotation(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.app.Sidebar.DeleteAnnotation(r.Context(), tag); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) focusAnnotations(w http.ResponseWriter, r *http.Request) {
	var req FocusRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.app.Sidebar.FocusAnnotations(req.Tags); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) scrollToAnnotation(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if _, ok := s.app.Sidebar.Annotation(tag); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "annotation not found: "+tag)
		return
	}
	if err := s.app.Sidebar.ScrollToAnnotation(tag); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) createAnnotation(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	g, ok := s.guestFor(w, req.FrameIdentifier)
	if !ok {
		return
	}

	ann, err := g.CreateAnnotation(r.Context(), guest.CreateOptions{Highlight: req.Highlight})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ann)
}

func (s *Server) setSelection(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if !decode(w, r, &req) {
		return
	}
	g, ok := s.guestFor(w, req.FrameIdentifier)
	if !ok {
		return
	}

	if req.Start == req.End {
		g.SelectionChanged(nil)
	} else {
		rng, err := g.Document().Range(req.Start, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		g.SelectionChanged(rng)
	}
	writeJSON(w, http.StatusOK, SelectionResponse{HasSelection: g.HasSelection()})
}

func (s *Server) setHighlights(w http.ResponseWriter, r *http.Request) {
	var req HighlightsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.app.Host.SetHighlightsVisible(req.Visible); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) listAnchors(w http.ResponseWriter, r *http.Request) {
	status := s.app.Status()
	if status == nil {
		status = []app.AnnotationStatus{}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) guestFor(w http.ResponseWriter, id string) (*guest.Guest, bool) {
	g, ok := s.app.GuestFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no guest in frame: "+id)
	}
	return g, ok
}

// writeFailure maps an operation error to a response.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, sidebar.ErrUnknownAnnotation):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.As(err, &remote):
		writeErrorWithDetails(w, http.StatusBadGateway, ErrCodeRemoteError, err.Error(), map[string]any{
			"code": remote.Code,
		})
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

