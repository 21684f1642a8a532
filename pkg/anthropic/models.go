package anthropic

import "time"

// ModelInfo describes one model the gateway serves.
type ModelInfo struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModelsListResponse is the paginated model listing body.
type ModelsListResponse struct {
	Data    []ModelInfo `json:"data"`
	FirstID *string     `json:"first_id"`
	LastID  *string     `json:"last_id"`
	HasMore bool        `json:"has_more"`
}

func modelDate(value string) time.Time {
	t, _ := time.Parse(time.RFC3339, value)
	return t
}

// modelCatalog lists served models newest-generation first. Order is the
// listing order.
var modelCatalog = []ModelInfo{
	{ID: "claude-opus-4-5-20251101", Type: "model", DisplayName: "Claude Opus 4.5", CreatedAt: modelDate("2025-11-01T00:00:00Z")},
	{ID: "claude-sonnet-4-5-20250514", Type: "model", DisplayName: "Claude Sonnet 4.5", CreatedAt: modelDate("2025-05-14T00:00:00Z")},
	{ID: "claude-haiku-4-5-20251001", Type: "model", DisplayName: "Claude Haiku 4.5", CreatedAt: modelDate("2025-10-01T00:00:00Z")},
	{ID: "claude-sonnet-4-20250514", Type: "model", DisplayName: "Claude Sonnet 4", CreatedAt: modelDate("2025-05-14T00:00:00Z")},
	{ID: "claude-opus-4-20250514", Type: "model", DisplayName: "Claude Opus 4", CreatedAt: modelDate("2025-05-14T00:00:00Z")},
	{ID: "claude-3-5-sonnet-latest", Type: "model", DisplayName: "Claude 3.5 Sonnet (Latest)", CreatedAt: modelDate("2024-10-22T00:00:00Z")},
	{ID: "claude-3-opus-latest", Type: "model", DisplayName: "Claude 3 Opus (Latest)", CreatedAt: modelDate("2024-02-29T00:00:00Z")},
}

// modelAliases maps short names to canonical model IDs.
var modelAliases = map[string]string{
	"claude-opus-4-5":   "claude-opus-4-5-20251101",
	"claude-sonnet-4-5": "claude-sonnet-4-5-20250514",
	"claude-haiku-4-5":  "claude-haiku-4-5-20251001",
	"claude-sonnet-4":   "claude-sonnet-4-20250514",
	"claude-sonnet-4-0": "claude-sonnet-4-20250514",
	"claude-opus-4":     "claude-opus-4-20250514",
	"claude-opus-4-0":   "claude-opus-4-20250514",
}

// Models returns the served model catalog in listing order.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(modelCatalog))
	copy(out, modelCatalog)
	return out
}

// ResolveModel maps an alias to its canonical model ID, passing through
// names that are not aliases.
func ResolveModel(model string) string {
	if canonical, ok := modelAliases[model]; ok {
		return canonical
	}
	return model
}

// LookupModel finds a model by ID after alias resolution.
func LookupModel(model string) (ModelInfo, bool) {
	resolved := ResolveModel(model)
	for _, m := range modelCatalog {
		if m.ID == resolved {
			return m, true
		}
	}
	return ModelInfo{}, false
}
