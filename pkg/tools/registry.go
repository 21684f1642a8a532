package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes one tool invocation and returns its textual result.
type Handler func(ctx context.Context, input map[string]interface{}) (string, error)

// Tool is a locally executable tool the runtime can dispatch to.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Definition is the model-facing description of a tool.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Registry holds the executable tools exposed to agent sessions.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool. The input schema is compiled once at registration.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	var schema *gojsonschema.Schema
	if tool.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
		if err != nil {
			return fmt.Errorf("tool %s has an invalid input schema: %w", tool.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	if schema != nil {
		r.schemas[tool.Name] = schema
	}
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Definitions returns model-facing descriptions of all tools, sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates the input against the tool's schema and executes it.
func (r *Registry) Dispatch(ctx context.Context, name string, input map[string]interface{}) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(input))
		if err != nil {
			return "", fmt.Errorf("validating input for %s: %w", name, err)
		}
		if !result.Valid() {
			first := result.Errors()[0]
			return "", fmt.Errorf("invalid input for %s: %s", name, first.String())
		}
	}

	return tool.Handler(ctx, input)
}

// errorPayload renders a tool failure the way tool results carry errors.
func errorPayload(message string) string {
	data, _ := json.Marshal(map[string]string{"error": message})
	return string(data)
}
