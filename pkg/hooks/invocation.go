package hooks

import (
	"errors"
	"time"
)

// Tool categories used for metrics and access log rows.
const (
	CategoryAgent   = "agent"
	CategorySkill   = "skill"
	CategoryBuiltin = "builtin"
)

// Categorize maps a tool name to its category. Task spawns subagents and
// Skill runs packaged skills; everything else counts as a builtin tool.
func Categorize(toolName string) string {
	switch toolName {
	case "Task":
		return CategoryAgent
	case "Skill":
		return CategorySkill
	default:
		return CategoryBuiltin
	}
}

// ToolInvocation describes one tool call for auditing.
type ToolInvocation struct {
	ToolUseID string
	SessionID string
	RequestID string
	Name      string
	Input     map[string]interface{}
	Duration  time.Duration
	Err       error
}

// Category returns the invocation's tool category.
func (inv ToolInvocation) Category() string {
	return Categorize(inv.Name)
}

// SubagentType returns the subagent type for Task invocations, "" otherwise.
func (inv ToolInvocation) SubagentType() string {
	if inv.Name != "Task" {
		return ""
	}
	if st, ok := inv.Input["subagent_type"].(string); ok && st != "" {
		return st
	}
	return "unknown"
}

// SkillName returns the skill name for Skill invocations, "" otherwise.
func (inv ToolInvocation) SkillName() string {
	if inv.Name != "Skill" {
		return ""
	}
	if name, ok := inv.Input["skill"].(string); ok && name != "" {
		return name
	}
	return "unknown"
}

// ErrorType classifies the invocation error for metrics labels.
func (inv ToolInvocation) ErrorType() string {
	switch {
	case inv.Err == nil:
		return ""
	case errors.Is(inv.Err, ErrDenied):
		return "denied"
	case errors.Is(inv.Err, ErrRateLimited):
		return "rate_limited"
	default:
		return "execution_error"
	}
}

// ToolObserver receives audited tool invocations.
type ToolObserver interface {
	RecordToolUse(inv ToolInvocation)
}
