package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nikhil-bora/finops-agent/internal/contexts"
)

func (s *Server) contextsReady(w http.ResponseWriter) bool {
	if s.deps.Contexts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "context store not configured")
		return false
	}
	return true
}

func (s *Server) handleContextList(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	all, err := s.deps.Contexts.List()
	if err != nil {
		s.internalError(w, "list contexts", err)
		return
	}
	if all == nil {
		all = []contexts.Context{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, all, s.logger)
}

func (s *Server) handleContextCreate(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Content     string `json:"content"`
		Description string `json:"description"`
		Type        string `json:"type"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	content := strings.TrimSpace(req.Content)
	if name == "" || content == "" {
		s.errorResponse(w, http.StatusBadRequest, "Name and content are required")
		return
	}
	switch req.Type {
	case "", contexts.TypeText, contexts.TypeImage, contexts.TypePDF:
	default:
		s.errorResponse(w, http.StatusBadRequest, "unknown context type "+req.Type)
		return
	}

	c, err := s.deps.Contexts.Add(name, content, strings.TrimSpace(req.Description), req.Type)
	if err != nil {
		s.internalError(w, "create context", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, c, s.logger)
}

// maxUploadBytes bounds a context file upload.
const maxUploadBytes = 20 << 20

// handleContextUpload stores a multipart "file" as a context. Optional
// form fields: name (defaults to the file name) and description.
func (s *Server) handleContextUpload(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		s.errorResponse(w, http.StatusBadRequest, "No file selected")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	c, err := s.deps.Contexts.AddFile(
		strings.TrimSpace(r.FormValue("name")),
		strings.TrimSpace(r.FormValue("description")),
		header.Filename,
		data,
	)
	if errors.Is(err, contexts.ErrInvalidFile) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, "upload context", err)
		return
	}
	s.logger.Info("context uploaded", "context_id", c.ID, "type", c.Type, "size", len(data))
	c.Content = ""
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, c, s.logger)
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	c, err := s.deps.Contexts.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get context", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

func (s *Server) handleContextUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	var u contexts.Update
	if !s.decodeJSON(w, r, &u) {
		return
	}
	c, err := s.deps.Contexts.Update(r.PathValue("id"), u)
	if err != nil {
		s.storeError(w, "update context", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, c, s.logger)
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	if !s.contextsReady(w) {
		return
	}
	if err := s.deps.Contexts.Delete(r.PathValue("id")); err != nil {
		s.storeError(w, "delete context", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}
