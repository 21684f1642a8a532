package hooks

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		tool     string
		category string
	}{
		{"Task", CategoryAgent},
		{"Skill", CategorySkill},
		{"Bash", CategoryBuiltin},
		{"Read", CategoryBuiltin},
		{"WebSearch", CategoryBuiltin},
		{"mcp__github__get_issue", CategoryBuiltin},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.category, Categorize(tt.tool))
		})
	}
}

func TestToolInvocation_SubagentType(t *testing.T) {
	inv := ToolInvocation{
		Name:  "Task",
		Input: map[string]interface{}{"subagent_type": "researcher", "prompt": "dig in"},
	}
	assert.Equal(t, "researcher", inv.SubagentType())

	// Task without a declared type still counts as a spawn.
	inv = ToolInvocation{Name: "Task", Input: map[string]interface{}{}}
	assert.Equal(t, "unknown", inv.SubagentType())

	inv = ToolInvocation{Name: "Bash", Input: map[string]interface{}{"subagent_type": "x"}}
	assert.Equal(t, "", inv.SubagentType())
}

func TestToolInvocation_SkillName(t *testing.T) {
	inv := ToolInvocation{
		Name:  "Skill",
		Input: map[string]interface{}{"skill": "pdf-tools", "args": "merge a.pdf b.pdf"},
	}
	assert.Equal(t, "pdf-tools", inv.SkillName())

	inv = ToolInvocation{Name: "Skill", Input: nil}
	assert.Equal(t, "unknown", inv.SkillName())

	inv = ToolInvocation{Name: "Read", Input: map[string]interface{}{"skill": "x"}}
	assert.Equal(t, "", inv.SkillName())
}

func TestToolInvocation_ErrorType(t *testing.T) {
	assert.Equal(t, "", ToolInvocation{}.ErrorType())
	assert.Equal(t, "denied", ToolInvocation{Err: fmt.Errorf("wrap: %w", ErrDenied)}.ErrorType())
	assert.Equal(t, "rate_limited", ToolInvocation{Err: fmt.Errorf("wrap: %w", ErrRateLimited)}.ErrorType())
	assert.Equal(t, "execution_error", ToolInvocation{Err: errors.New("boom")}.ErrorType())
}
