package runtime

// DefaultMaxTurns bounds the agent loop when Options.MaxTurns is unset.
const DefaultMaxTurns = 10

// defaultMaxTokens applies when a session is opened without a cap.
const defaultMaxTokens = 4096

// ToolDef describes a tool offered to the model but executed by the
// caller. The agent loop never dispatches these locally; a request for
// one ends the turn with a tool_use stop reason.
type ToolDef struct {
	Name        string
	Description string
	// InputSchema holds the JSON Schema "properties" object.
	InputSchema map[string]interface{}
	// Required lists mandatory schema properties.
	Required []string
}

// Options configure one session at open time. Reused sessions keep the
// options they were opened with.
type Options struct {
	// Model names the provider model to query.
	Model string
	// SystemPrompt is prepended to every turn. Optional.
	SystemPrompt string
	// MaxTokens caps generated tokens per turn.
	MaxTokens int
	// Temperature overrides sampling temperature when non-nil. Ignored
	// while extended thinking is enabled.
	Temperature *float64
	// MaxTurns bounds tool-execution round trips per query. Zero means
	// DefaultMaxTurns.
	MaxTurns int
	// ThinkingTokens enables extended thinking with the given budget.
	// Budgets under the provider minimum disable it.
	ThinkingTokens int
	// AllowedTools restricts which tools are offered to the model. Empty
	// offers every registered and passthrough tool.
	AllowedTools []string
	// PassthroughTools are caller-executed tool definitions forwarded to
	// the model alongside the locally registered ones.
	PassthroughTools []ToolDef
}

func (o Options) maxTurns() int {
	if o.MaxTurns <= 0 {
		return DefaultMaxTurns
	}
	return o.MaxTurns
}

// toolAllowed reports whether name survives the AllowedTools filter.
func (o Options) toolAllowed(name string) bool {
	if len(o.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range o.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
