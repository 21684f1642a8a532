package anthropic

import (
	"encoding/json"
	"fmt"
)

// Role values accepted on messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block type discriminators.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockDocument   = "document"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// Source carries base64 or URL payloads for image/document blocks.
type Source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// ContentBlock is one unit of message content. The Type field selects
// which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image / document
	Source *Source `json:"source,omitempty"`
}

// MarshalJSON emits the canonical shape for each block kind. tool_use blocks
// always carry an input object, even when empty.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{BlockText, b.Text})
	case BlockThinking:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature,omitempty"`
		}{BlockThinking, b.Thinking, b.Signature})
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]interface{}{}
		}
		return json.Marshal(struct {
			Type  string                 `json:"type"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		}{BlockToolUse, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		}{BlockToolResult, b.ToolUseID, b.Content, b.IsError})
	case BlockImage, BlockDocument:
		return json.Marshal(struct {
			Type   string  `json:"type"`
			Source *Source `json:"source,omitempty"`
		}{b.Type, b.Source})
	default:
		type raw ContentBlock
		return json.Marshal(raw(b))
	}
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Thinking: thinking}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	if input == nil {
		input = map[string]interface{}{}
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// MessageContent accepts either a bare string or a list of content blocks
// on the wire and normalizes both to a block list.
type MessageContent []ContentBlock

// UnmarshalJSON decodes the string-or-list union.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*c = MessageContent{TextBlock(text)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of content blocks: %w", err)
	}
	*c = MessageContent(blocks)
	return nil
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Text concatenates the text of all text blocks in the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// SystemPrompt accepts either a bare string or a list of text blocks.
type SystemPrompt []ContentBlock

// UnmarshalJSON decodes the string-or-list union.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = SystemPrompt{TextBlock(text)}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or an array of text blocks: %w", err)
	}
	*s = SystemPrompt(blocks)
	return nil
}

// Text joins the prompt's text blocks with blank lines.
func (s SystemPrompt) Text() string {
	var out string
	for _, b := range s {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}

// Tool is a caller-supplied tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolChoice selects how the model may use tools.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Thinking enables extended thinking with a token budget.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Metadata carries opaque caller metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesRequest is the Messages API request body.
type MessagesRequest struct {
	Model         string       `json:"model"`
	Messages      []Message    `json:"messages"`
	MaxTokens     int          `json:"max_tokens"`
	System        SystemPrompt `json:"system,omitempty"`
	Tools         []Tool       `json:"tools,omitempty"`
	ToolChoice    *ToolChoice  `json:"tool_choice,omitempty"`
	Metadata      *Metadata    `json:"metadata,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopK          *int         `json:"top_k,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	Thinking      *Thinking    `json:"thinking,omitempty"`
}

// Validate checks the minimum shape the gateway requires.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("messages[%d].role must be %q or %q", i, RoleUser, RoleAssistant)
		}
	}
	return nil
}

// Stop reasons reported on responses.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// Usage reports token consumption for a request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the Messages API response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessagesResponse builds a response shell with the fixed discriminators set.
func NewMessagesResponse(id, model string) MessagesResponse {
	return MessagesResponse{
		ID:      id,
		Type:    "message",
		Role:    RoleAssistant,
		Content: []ContentBlock{},
		Model:   model,
	}
}

// CountTokensRequest is the count_tokens request body.
type CountTokensRequest struct {
	Model    string       `json:"model"`
	Messages []Message    `json:"messages"`
	System   SystemPrompt `json:"system,omitempty"`
	Tools    []Tool       `json:"tools,omitempty"`
}

// CountTokensResponse reports the estimated input token count.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
