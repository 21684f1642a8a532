package tokenizer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rollo/gantry/pkg/anthropic"
)

func TestEstimateText(t *testing.T) {
	assert.Equal(t, 0, EstimateText(""))
	assert.Equal(t, 2, EstimateText("hello world"))
	assert.Equal(t, 25, EstimateText(strings.Repeat("a", 100)))
}

func TestEstimateBlock_Kinds(t *testing.T) {
	tests := []struct {
		name  string
		block anthropic.ContentBlock
		want  int
	}{
		{"text", anthropic.TextBlock(strings.Repeat("x", 40)), 10},
		{"image", anthropic.ContentBlock{Type: anthropic.BlockImage}, 1000},
		{"document without data", anthropic.ContentBlock{Type: anthropic.BlockDocument}, 1500},
		{
			"document with inline data",
			anthropic.ContentBlock{
				Type:   anthropic.BlockDocument,
				Source: &anthropic.Source{Type: "base64", Data: strings.Repeat("A", 600)},
			},
			100,
		},
		{"unknown type", anthropic.ContentBlock{Type: "redacted_thinking"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateBlock(tt.block))
		})
	}
}

func TestEstimateBlock_ToolUse(t *testing.T) {
	block := anthropic.ToolUseBlock("toolu_01", "search", map[string]interface{}{
		"query": "weather in tokyo",
	})
	// name tokens plus serialized input tokens
	want := EstimateText("search") + EstimateText(`{"query":"weather in tokyo"}`)
	assert.Equal(t, want, EstimateBlock(block))
}

func TestEstimateBlock_ToolResult(t *testing.T) {
	str := anthropic.ContentBlock{
		Type:    anthropic.BlockToolResult,
		Content: json.RawMessage(`"twelve chars"`),
	}
	assert.Equal(t, EstimateText("twelve chars"), EstimateBlock(str))

	nested := anthropic.ContentBlock{
		Type:    anthropic.BlockToolResult,
		Content: json.RawMessage(`[{"type":"text","text":"` + strings.Repeat("y", 80) + `"}]`),
	}
	assert.Equal(t, 20, EstimateBlock(nested))
}

func TestEstimateMessage_IncludesRoleOverhead(t *testing.T) {
	msg := anthropic.Message{
		Role:    anthropic.RoleUser,
		Content: anthropic.MessageContent{anthropic.TextBlock(strings.Repeat("z", 40))},
	}
	assert.Equal(t, 14, EstimateMessage(msg))
}

func TestEstimateRequest(t *testing.T) {
	messages := []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.MessageContent{anthropic.TextBlock(strings.Repeat("a", 400))}},
		{Role: anthropic.RoleAssistant, Content: anthropic.MessageContent{anthropic.TextBlock(strings.Repeat("b", 200))}},
	}
	system := anthropic.SystemPrompt{anthropic.TextBlock(strings.Repeat("s", 100))}

	// system 25, messages 4+100 and 4+50, request overhead 10
	assert.Equal(t, 25+104+54+10, EstimateRequest(messages, system, nil))

	withTools := EstimateRequest(messages, system, []anthropic.Tool{{
		Name:        "current_time",
		Description: "Returns the current time",
		InputSchema: map[string]interface{}{"type": "object"},
	}})
	assert.Greater(t, withTools, EstimateRequest(messages, system, nil))
}
