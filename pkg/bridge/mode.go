package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rollo/gantry/pkg/anthropic"
)

// Mode selects how tool and thinking blocks appear in responses.
type Mode string

const (
	// ModeForward passes structured blocks through unchanged.
	ModeForward Mode = "forward"
	// ModeIgnore drops everything except text blocks.
	ModeIgnore Mode = "ignore"
	// ModeFormatted collapses the response into a single text block with
	// tool invocations serialized as tagged text.
	ModeFormatted Mode = "formatted"
)

// ParseMode reads a mode value case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeForward:
		return ModeForward, nil
	case ModeIgnore:
		return ModeIgnore, nil
	case ModeFormatted:
		return ModeFormatted, nil
	default:
		return "", fmt.Errorf("unknown message mode %q", s)
	}
}

// FormatToolUse renders one tool invocation as tagged text for formatted
// mode.
func FormatToolUse(name string, input map[string]interface{}) string {
	if input == nil {
		input = map[string]interface{}{}
	}
	encoded, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		encoded = []byte("{}")
	}
	return fmt.Sprintf("<tool_use name=%q>\n%s\n</tool_use>", name, encoded)
}

// ApplyMode transforms a final content-block list according to mode. The
// input slice is never mutated.
func ApplyMode(blocks []anthropic.ContentBlock, mode Mode) []anthropic.ContentBlock {
	switch mode {
	case ModeIgnore:
		out := make([]anthropic.ContentBlock, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == anthropic.BlockText {
				out = append(out, b)
			}
		}
		return out
	case ModeFormatted:
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			switch b.Type {
			case anthropic.BlockText:
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			case anthropic.BlockToolUse:
				parts = append(parts, FormatToolUse(b.Name, b.Input))
			}
		}
		if len(parts) == 0 {
			return []anthropic.ContentBlock{}
		}
		return []anthropic.ContentBlock{anthropic.TextBlock(strings.Join(parts, "\n\n"))}
	default:
		return blocks
	}
}
