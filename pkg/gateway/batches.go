package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/batch"
)

// handleCreateBatch submits a batch for immediate background execution.
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req anthropic.CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	created, err := s.cfg.Batches.Create(req.Requests)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, afterID, beforeID, err := parsePageParams(r)
	if err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Batches.List(limit, afterID, beforeID))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.cfg.Batches.Get(id)
	if err != nil {
		s.fail(w, r, anthropic.ErrNotFound, "Batch not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.cfg.Batches.Cancel(id)
	if err != nil {
		s.fail(w, r, anthropic.ErrNotFound, "Batch not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleBatchResults streams the per-item outcomes of an ended batch as
// JSONL, one result envelope per line.
func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := s.cfg.Batches.Results(id)
	switch {
	case errors.Is(err, batch.ErrNotFound):
		s.fail(w, r, anthropic.ErrNotFound, "Batch not found: "+id)
		return
	case err != nil:
		s.failErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-jsonlines")
	enc := json.NewEncoder(w)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			logger := tracing.LoggerFromContext(r.Context(), s.logger)
			logger.Warn().Err(err).Str("batch_id", id).Msg("Failed to write batch results")
			return
		}
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.cfg.Batches.Delete(id)
	switch {
	case errors.Is(err, batch.ErrNotFound):
		s.fail(w, r, anthropic.ErrNotFound, "Batch not found: "+id)
		return
	case err != nil:
		s.failErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anthropic.NewMessageBatchDeletedResponse(id))
}
