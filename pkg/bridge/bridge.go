// Package bridge translates agent runtime event sequences into Anthropic
// Messages API responses and stream events.
//
// A streaming request runs a small state machine with a single content
// index and at most one open block. A non-streaming request accumulates
// the same classification into a block list and applies the mode
// transform once at the end.
package bridge

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/runtime"
)

// charsPerToken is the divisor for the length-based token fallback.
const charsPerToken = 4

// Params carries the per-request translation inputs.
type Params struct {
	// Model is echoed into message envelopes.
	Model string
	// Mode selects the tool/thinking representation.
	Mode Mode
	// PromptLen is the prompt length in characters, used only for the
	// input-token fallback estimate.
	PromptLen int
}

// Sink receives translated stream events in order.
type Sink func(anthropic.StreamEvent) error

// Translator converts runtime event sequences into wire shapes.
type Translator struct {
	logger zerolog.Logger
}

// New builds a translator.
func New(logger zerolog.Logger) *Translator {
	return &Translator{logger: logger.With().Str("component", "bridge").Logger()}
}

// cursor is the per-request streaming state: one content index and at
// most one open block. Only text blocks stay open across events; thinking
// and tool blocks open and close within a single event.
type cursor struct {
	index    int
	textOpen bool
	text     string
	estimate int
}

// Stream translates one event sequence into Anthropic stream events,
// calling sink for each in order. The sequence begins with message_start
// and, unless the runtime or the sink fails, ends with message_delta and
// message_stop. A runtime failure aborts the stream as-is and is returned
// for the caller to surface.
func (t *Translator) Stream(ctx context.Context, events <-chan runtime.Event, p Params, sink Sink) error {
	msg := anthropic.NewMessagesResponse(anthropic.NewMessageID(), p.Model)
	if err := sink(anthropic.NewMessageStartEvent(msg)); err != nil {
		return err
	}

	cur := &cursor{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return t.finish(sink, cur, anthropic.StopEndTurn, 0)
			}
			switch ev := ev.(type) {
			case runtime.TextDelta:
				if err := streamText(sink, cur, ev.Text); err != nil {
					return err
				}
			case runtime.ThinkingDelta:
				if err := streamThinking(sink, cur, ev.Thinking); err != nil {
					return err
				}
			case runtime.ToolUse:
				if err := streamToolUse(sink, cur, ev, p.Mode); err != nil {
					return err
				}
			case runtime.Result:
				if ev.Err != nil {
					return ev.Err
				}
				return t.finish(sink, cur, ev.StopReason, ev.Usage.OutputTokens)
			}
		}
	}
}

// streamText opens a text block if none is open and appends the delta.
func streamText(sink Sink, cur *cursor, text string) error {
	if !cur.textOpen {
		if err := sink(anthropic.NewContentBlockStartEvent(cur.index, anthropic.TextBlock(""))); err != nil {
			return err
		}
		cur.textOpen = true
	}
	if text == "" {
		return nil
	}
	if err := sink(anthropic.NewTextDeltaEvent(cur.index, text)); err != nil {
		return err
	}
	cur.text += text
	cur.estimate += len(text) / charsPerToken
	return nil
}

// streamThinking closes any open text block and emits one complete
// thinking block. Each runtime chunk becomes its own block.
func streamThinking(sink Sink, cur *cursor, thinking string) error {
	if err := closeText(sink, cur); err != nil {
		return err
	}
	if err := sink(anthropic.NewContentBlockStartEvent(cur.index, anthropic.ThinkingBlock(""))); err != nil {
		return err
	}
	if thinking != "" {
		if err := sink(anthropic.NewThinkingDeltaEvent(cur.index, thinking)); err != nil {
			return err
		}
		cur.estimate += len(thinking) / charsPerToken
	}
	if err := sink(anthropic.NewContentBlockStopEvent(cur.index)); err != nil {
		return err
	}
	cur.index++
	return nil
}

// streamToolUse emits a tool invocation according to mode.
func streamToolUse(sink Sink, cur *cursor, call runtime.ToolUse, mode Mode) error {
	switch mode {
	case ModeIgnore:
		return nil

	case ModeFormatted:
		tagged := FormatToolUse(call.Name, call.Input)
		if !cur.textOpen {
			if err := sink(anthropic.NewContentBlockStartEvent(cur.index, anthropic.TextBlock(""))); err != nil {
				return err
			}
			cur.textOpen = true
		}
		if cur.text != "" {
			tagged = "\n\n" + tagged
		}
		if err := sink(anthropic.NewTextDeltaEvent(cur.index, tagged)); err != nil {
			return err
		}
		cur.text += tagged
		cur.estimate += len(tagged) / charsPerToken
		return nil

	default: // forward: tool blocks are atomic, open and close immediately
		if err := closeText(sink, cur); err != nil {
			return err
		}
		block := anthropic.ToolUseBlock(call.ID, call.Name, call.Input)
		if err := sink(anthropic.NewContentBlockStartEvent(cur.index, block)); err != nil {
			return err
		}
		if err := sink(anthropic.NewContentBlockStopEvent(cur.index)); err != nil {
			return err
		}
		cur.index++
		return nil
	}
}

// closeText closes the open text block, if any, and advances the index.
func closeText(sink Sink, cur *cursor) error {
	if !cur.textOpen {
		return nil
	}
	if err := sink(anthropic.NewContentBlockStopEvent(cur.index)); err != nil {
		return err
	}
	cur.index++
	cur.textOpen = false
	cur.text = ""
	return nil
}

// finish closes any open block and emits the terminal pair. The runtime's
// output count wins over the accumulated estimate whenever it is nonzero.
func (t *Translator) finish(sink Sink, cur *cursor, stopReason string, outputTokens int) error {
	if err := closeText(sink, cur); err != nil {
		return err
	}
	if stopReason == "" {
		stopReason = anthropic.StopEndTurn
	}
	if outputTokens == 0 {
		outputTokens = cur.estimate
	}
	if err := sink(anthropic.NewMessageDeltaEvent(stopReason, outputTokens)); err != nil {
		return err
	}
	return sink(anthropic.NewMessageStopEvent())
}

// Collect runs the same classification as Stream but accumulates into a
// final block list: thinking blocks first, one merged text block, then
// tool blocks in arrival order. The mode transform is applied once at the
// end as a pure list-to-list function.
func (t *Translator) Collect(ctx context.Context, events <-chan runtime.Event, p Params) (*anthropic.MessagesResponse, error) {
	var (
		thinking []anthropic.ContentBlock
		toolUses []anthropic.ContentBlock
		text     strings.Builder
		usage    runtime.Usage
		stop     = anthropic.StopEndTurn
	)

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev := ev.(type) {
			case runtime.TextDelta:
				text.WriteString(ev.Text)
			case runtime.ThinkingDelta:
				thinking = append(thinking, anthropic.ThinkingBlock(ev.Thinking))
			case runtime.ToolUse:
				toolUses = append(toolUses, anthropic.ToolUseBlock(ev.ID, ev.Name, ev.Input))
			case runtime.Result:
				if ev.Err != nil {
					return nil, ev.Err
				}
				usage = ev.Usage
				if ev.StopReason != "" {
					stop = ev.StopReason
				}
				break loop
			}
		}
	}

	blocks := make([]anthropic.ContentBlock, 0, len(thinking)+len(toolUses)+1)
	blocks = append(blocks, thinking...)
	if text.Len() > 0 {
		blocks = append(blocks, anthropic.TextBlock(text.String()))
	}
	blocks = append(blocks, toolUses...)
	blocks = ApplyMode(blocks, p.Mode)

	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		t.logger.Warn().Msg("No token usage from runtime, falling back to length estimates")
		usage.InputTokens = p.PromptLen / charsPerToken
		usage.OutputTokens = text.Len() / charsPerToken
	}

	resp := anthropic.NewMessagesResponse(anthropic.NewMessageID(), p.Model)
	resp.Content = blocks
	resp.StopReason = &stop
	resp.Usage = anthropic.Usage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
	return &resp, nil
}
