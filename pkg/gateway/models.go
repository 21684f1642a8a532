package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rollo/gantry/pkg/anthropic"
)

// Listing defaults shared by the paginated collection endpoints.
const (
	defaultPageLimit = 20
	maxPageLimit     = 1000
)

// parsePageParams reads the limit/after_id/before_id query parameters.
func parsePageParams(r *http.Request) (limit int, afterID, beforeID string, err error) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			return 0, "", "", fmt.Errorf("limit must be an integer")
		}
	}
	if limit < 1 || limit > maxPageLimit {
		return 0, "", "", fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
	}
	return limit, r.URL.Query().Get("after_id"), r.URL.Query().Get("before_id"), nil
}

// handleListModels serves the model catalog with cursor pagination over
// the fixed listing order.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	limit, afterID, beforeID, err := parsePageParams(r)
	if err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, err.Error())
		return
	}

	all := anthropic.Models()
	startIdx := 0
	if afterID != "" {
		if i := modelIndex(all, afterID); i >= 0 {
			startIdx = i + 1
		}
	}
	endIdx := len(all)
	if beforeID != "" {
		if i := modelIndex(all, beforeID); i >= 0 {
			endIdx = i
		}
	}

	page := []anthropic.ModelInfo{}
	if startIdx < endIdx {
		page = all[startIdx:endIdx]
		if len(page) > limit {
			page = page[:limit]
		}
	}

	resp := anthropic.ModelsListResponse{
		Data:    page,
		HasMore: endIdx < len(all) && len(page) == limit,
	}
	if len(page) > 0 {
		resp.FirstID = &page[0].ID
		resp.LastID = &page[len(page)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetModel serves one model, resolving aliases to their canonical
// id. The response carries the resolved id.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, ok := anthropic.LookupModel(id)
	if !ok {
		s.fail(w, r, anthropic.ErrNotFound, "Model not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func modelIndex(models []anthropic.ModelInfo, id string) int {
	for i, m := range models {
		if m.ID == id {
			return i
		}
	}
	return -1
}
