package anthropic

// StreamEvent is implemented by every server-sent event the gateway emits.
// The SSE writer uses EventType for the `event:` field and marshals the
// value itself as the `data:` payload.
type StreamEvent interface {
	EventType() string
}

// Delta type discriminators.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// BlockDelta is the delta payload of a content_block_delta event.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// MessageStartEvent opens a streamed message.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

func NewMessageStartEvent(msg MessagesResponse) MessageStartEvent {
	return MessageStartEvent{Type: "message_start", Message: msg}
}

func (e MessageStartEvent) EventType() string { return e.Type }

// ContentBlockStartEvent opens a content block at an index.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func NewContentBlockStartEvent(index int, block ContentBlock) ContentBlockStartEvent {
	return ContentBlockStartEvent{Type: "content_block_start", Index: index, ContentBlock: block}
}

func (e ContentBlockStartEvent) EventType() string { return e.Type }

// ContentBlockDeltaEvent appends content to an open block.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

func NewTextDeltaEvent(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: BlockDelta{Type: DeltaText, Text: text},
	}
}

func NewThinkingDeltaEvent(index int, thinking string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  "content_block_delta",
		Index: index,
		Delta: BlockDelta{Type: DeltaThinking, Thinking: thinking},
	}
}

func (e ContentBlockDeltaEvent) EventType() string { return e.Type }

// ContentBlockStopEvent closes the block at an index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func NewContentBlockStopEvent(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: "content_block_stop", Index: index}
}

func (e ContentBlockStopEvent) EventType() string { return e.Type }

// MessageDeltaBody carries the terminal stop metadata.
type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaUsage reports output tokens on the terminal delta.
type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageDeltaEvent carries the stop reason and final usage.
type MessageDeltaEvent struct {
	Type  string            `json:"type"`
	Delta MessageDeltaBody  `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

func NewMessageDeltaEvent(stopReason string, outputTokens int) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDeltaBody{StopReason: &stopReason},
		Usage: MessageDeltaUsage{OutputTokens: outputTokens},
	}
}

func (e MessageDeltaEvent) EventType() string { return e.Type }

// MessageStopEvent ends a streamed message.
type MessageStopEvent struct {
	Type string `json:"type"`
}

func NewMessageStopEvent() MessageStopEvent {
	return MessageStopEvent{Type: "message_stop"}
}

func (e MessageStopEvent) EventType() string { return e.Type }

// PingEvent keeps idle streams alive.
type PingEvent struct {
	Type string `json:"type"`
}

func NewPingEvent() PingEvent { return PingEvent{Type: "ping"} }

func (e PingEvent) EventType() string { return e.Type }

// ErrorEvent reports a mid-stream failure.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func NewErrorEvent(errType, message string) ErrorEvent {
	return ErrorEvent{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}

func (e ErrorEvent) EventType() string { return e.Type }
