// Package tokenizer estimates token counts for Messages API payloads
// using a characters-per-token heuristic. Estimates are close enough for
// usage reporting and request budgeting; they are not exact counts.
package tokenizer

import (
	"encoding/json"

	"github.com/rollo/gantry/pkg/anthropic"
)

const (
	// charsPerToken approximates English text tokenization.
	charsPerToken = 4
	// imageTokens is the flat estimate for one image block.
	imageTokens = 1000
	// documentTokens applies when a document block carries no inline data.
	documentTokens = 1500
	// base64CharsPerToken approximates text yield from inline documents.
	base64CharsPerToken = 6
	// messageOverhead covers per-message role markers.
	messageOverhead = 4
	// requestOverhead covers request formatting.
	requestOverhead = 10
)

// EstimateText estimates tokens in a plain string.
func EstimateText(s string) int {
	return len(s) / charsPerToken
}

// EstimateBlock estimates tokens in one content block.
func EstimateBlock(b anthropic.ContentBlock) int {
	switch b.Type {
	case anthropic.BlockText:
		return EstimateText(b.Text)
	case anthropic.BlockImage:
		return imageTokens
	case anthropic.BlockDocument:
		if b.Source != nil && b.Source.Data != "" {
			return len(b.Source.Data) / base64CharsPerToken
		}
		return documentTokens
	case anthropic.BlockToolUse:
		n := EstimateText(b.Name)
		if data, err := json.Marshal(b.Input); err == nil {
			n += EstimateText(string(data))
		}
		return n
	case anthropic.BlockToolResult:
		return toolResultTokens(b.Content)
	default:
		return 0
	}
}

// toolResultTokens handles the string-or-block-list content union.
func toolResultTokens(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return EstimateText(s)
	}

	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		n := 0
		for _, b := range blocks {
			n += EstimateBlock(b)
		}
		return n
	}
	return EstimateText(string(raw))
}

// EstimateMessage estimates tokens in one message, including role overhead.
func EstimateMessage(m anthropic.Message) int {
	n := messageOverhead
	for _, b := range m.Content {
		n += EstimateBlock(b)
	}
	return n
}

// EstimateSystem estimates tokens in a system prompt.
func EstimateSystem(s anthropic.SystemPrompt) int {
	n := 0
	for _, b := range s {
		n += EstimateBlock(b)
	}
	return n
}

// EstimateTool estimates tokens in a tool definition.
func EstimateTool(t anthropic.Tool) int {
	n := EstimateText(t.Name) + EstimateText(t.Description)
	if t.InputSchema != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			n += EstimateText(string(data))
		}
	}
	return n
}

// EstimateRequest estimates total input tokens for a Messages request.
func EstimateRequest(messages []anthropic.Message, system anthropic.SystemPrompt, tools []anthropic.Tool) int {
	n := EstimateSystem(system)
	for _, m := range messages {
		n += EstimateMessage(m)
	}
	for _, t := range tools {
		n += EstimateTool(t)
	}
	return n + requestOverhead
}
