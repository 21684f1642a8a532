package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/filestore"
)

// maxUploadMemory bounds how much of a multipart upload stays in memory
// before spooling to a temp file.
const maxUploadMemory = 32 << 20

// fileStore returns the configured store or answers 503 and returns nil.
func (s *Server) fileStore(w http.ResponseWriter, r *http.Request) *filestore.Store {
	if s.cfg.Files != nil {
		return s.cfg.Files
	}
	metaFromContext(r.Context()).errMsg = "file storage is not configured"
	observability.RecordError("service_unavailable")
	writeJSON(w, http.StatusServiceUnavailable,
		anthropic.NewErrorResponse("service_unavailable", "File storage is not configured"))
	return nil
}

// handleUploadFile stores the multipart "file" field and returns its
// metadata.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	store := s.fileStore(w, r)
	if store == nil {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, "file field is required")
		return
	}
	defer file.Close()

	filename := header.Filename
	if filename == "" {
		filename = "unnamed"
	}

	info, err := store.Upload(filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	store := s.fileStore(w, r)
	if store == nil {
		return
	}
	limit, afterID, beforeID, err := parsePageParams(r)
	if err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, store.List(limit, afterID, beforeID))
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	store := s.fileStore(w, r)
	if store == nil {
		return
	}
	id := r.PathValue("id")
	info, err := store.Get(id)
	if err != nil {
		s.fail(w, r, anthropic.ErrNotFound, "File not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleFileContent serves the stored bytes as an attachment download.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	store := s.fileStore(w, r)
	if store == nil {
		return
	}
	id := r.PathValue("id")
	data, info, err := store.Content(id)
	if err != nil {
		s.fail(w, r, anthropic.ErrNotFound, "File not found: "+id)
		return
	}
	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	store := s.fileStore(w, r)
	if store == nil {
		return
	}
	id := r.PathValue("id")
	err := store.Delete(id)
	switch {
	case errors.Is(err, filestore.ErrNotFound):
		s.fail(w, r, anthropic.ErrNotFound, "File not found: "+id)
		return
	case err != nil:
		s.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anthropic.NewFileDeletedResponse(id))
}
