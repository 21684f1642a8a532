package runtime

// Stop reasons reported on terminal events.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// Event is the closed set of events an agent session emits while answering
// one query. Exactly one Result terminates every event sequence.
type Event interface {
	isEvent()
}

// TextDelta carries one chunk of assistant text.
type TextDelta struct {
	Text string
}

// ThinkingDelta carries one chunk of extended-thinking content.
type ThinkingDelta struct {
	Thinking string
}

// ToolUse reports one tool invocation the model requested.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// Usage counts tokens consumed by a query.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result terminates an event sequence. Err is set when the query failed;
// StopReason and Usage describe a successful completion.
type Result struct {
	StopReason string
	Usage      Usage
	Err        error
}

func (TextDelta) isEvent()     {}
func (ThinkingDelta) isEvent() {}
func (ToolUse) isEvent()       {}
func (Result) isEvent()        {}
