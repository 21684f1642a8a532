package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/tools"
)

// minThinkingTokens is the smallest extended-thinking budget the API accepts.
const minThinkingTokens = 1024

// eventBuffer sizes the per-query event channel.
const eventBuffer = 64

type anthropicRuntime struct {
	client   anthropic.Client
	registry *tools.Registry
	guard    *hooks.Guard
	logger   zerolog.Logger
}

func newAnthropicRuntime(cfg Config, logger zerolog.Logger) *anthropicRuntime {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicRuntime{
		client:   anthropic.NewClient(reqOpts...),
		registry: cfg.Registry,
		guard:    cfg.Guard,
		logger:   logger,
	}
}

func (r *anthropicRuntime) Name() string { return ProviderAnthropic }

func (r *anthropicRuntime) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("runtime: model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	s := &anthropicSession{
		id:       newSessionID(),
		client:   r.client,
		opts:     opts,
		registry: r.registry,
		guard:    r.guard,
		logger:   r.logger,
	}
	r.logger.Debug().Str("session_id", s.id).Str("model", opts.Model).Msg("Opened agent session")
	return s, nil
}

// anthropicSession runs a bounded agent loop over the Messages streaming
// API, executing registered tools locally between turns.
type anthropicSession struct {
	id       string
	client   anthropic.Client
	opts     Options
	registry *tools.Registry
	guard    *hooks.Guard
	logger   zerolog.Logger

	mu       sync.Mutex
	history  []anthropic.MessageParam
	inFlight bool
	closed   bool
}

func (s *anthropicSession) ID() string { return s.id }

func (s *anthropicSession) Query(ctx context.Context, prompt string) (<-chan Event, error) {
	if err := s.guard.AllowQuery(s.id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, ErrQueryInFlight
	}
	s.inFlight = true
	s.history = append(s.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	s.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go s.run(ctx, events)
	return events, nil
}

func (s *anthropicSession) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.inFlight {
		return ErrQueryInFlight
	}
	s.history = nil
	return nil
}

func (s *anthropicSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.history = nil
	s.mu.Unlock()

	s.guard.ForgetSession(s.id)
	return nil
}

// run executes the agent loop for one query and closes events afterwards.
func (s *anthropicSession) run(ctx context.Context, events chan<- Event) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		close(events)
	}()

	var total Usage
	maxTurns := s.opts.maxTurns()

	for turn := 0; turn < maxTurns; turn++ {
		msg, err := s.streamTurn(ctx, events)
		if err != nil {
			s.emit(ctx, events, Result{Err: err})
			return
		}
		total.InputTokens += int(msg.Usage.InputTokens)
		total.OutputTokens += int(msg.Usage.OutputTokens)

		s.mu.Lock()
		s.history = append(s.history, msg.ToParam())
		s.mu.Unlock()

		calls := toolCalls(msg)
		for _, call := range calls {
			s.emit(ctx, events, call)
		}

		if msg.StopReason != anthropic.StopReasonToolUse || len(calls) == 0 {
			s.emit(ctx, events, Result{StopReason: stopReason(msg.StopReason), Usage: total})
			return
		}

		results, local := s.execute(ctx, calls)
		if !local {
			// The model asked for a caller-owned tool; hand control back.
			s.emit(ctx, events, Result{StopReason: StopToolUse, Usage: total})
			return
		}

		s.mu.Lock()
		s.history = append(s.history, anthropic.NewUserMessage(results...))
		s.mu.Unlock()
	}

	s.logger.Warn().Str("session_id", s.id).Int("max_turns", maxTurns).Msg("Agent loop reached the turn limit")
	s.emit(ctx, events, Result{StopReason: StopMaxTokens, Usage: total})
}

// streamTurn issues one Messages call and forwards deltas as they arrive.
func (s *anthropicSession) streamTurn(ctx context.Context, events chan<- Event) (*anthropic.Message, error) {
	stream := s.client.Messages.NewStreaming(ctx, s.params())
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				s.emit(ctx, events, TextDelta{Text: delta.Text})
			case anthropic.ThinkingDelta:
				s.emit(ctx, events, ThinkingDelta{Thinking: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// params snapshots history and assembles the request for the next turn.
func (s *anthropicSession) params() anthropic.MessageNewParams {
	s.mu.Lock()
	history := make([]anthropic.MessageParam, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.opts.Model),
		MaxTokens: int64(s.opts.MaxTokens),
		Messages:  history,
	}
	if s.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.opts.SystemPrompt}}
	}
	if defs := s.toolParams(); len(defs) > 0 {
		params.Tools = defs
	}

	// Extended thinking rejects explicit temperatures, so only one of the
	// two is ever set.
	if s.opts.ThinkingTokens >= minThinkingTokens && s.opts.ThinkingTokens < s.opts.MaxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(s.opts.ThinkingTokens))
	} else if s.opts.Temperature != nil {
		params.Temperature = anthropic.Float(*s.opts.Temperature)
	}
	return params
}

func (s *anthropicSession) toolParams() []anthropic.ToolUnionParam {
	var defs []anthropic.ToolUnionParam
	if s.registry != nil {
		for _, def := range s.registry.Definitions() {
			if !s.opts.toolAllowed(def.Name) {
				continue
			}
			props, required := schemaParts(def.InputSchema)
			defs = append(defs, toolUnionParam(def.Name, def.Description, props, required))
		}
	}
	for _, def := range s.opts.PassthroughTools {
		if !s.opts.toolAllowed(def.Name) {
			continue
		}
		props := def.InputSchema
		if props == nil {
			props = map[string]interface{}{}
		}
		defs = append(defs, toolUnionParam(def.Name, def.Description, props, def.Required))
	}
	return defs
}

// execute runs every requested tool locally. It reports local=false when
// any call targets a tool the registry does not own.
func (s *anthropicSession) execute(ctx context.Context, calls []ToolUse) (results []anthropic.ContentBlockParamUnion, local bool) {
	if s.registry == nil {
		return nil, false
	}
	for _, call := range calls {
		if !s.registry.Has(call.Name) {
			return nil, false
		}
	}

	results = make([]anthropic.ContentBlockParamUnion, 0, len(calls))
	for _, call := range calls {
		results = append(results, s.invoke(ctx, call))
	}
	return results, true
}

func (s *anthropicSession) invoke(ctx context.Context, call ToolUse) anthropic.ContentBlockParamUnion {
	output, failed := executeCall(ctx, s.registry, s.guard, s.logger, s.id, call)
	return anthropic.NewToolResultBlock(call.ID, output, failed)
}

func (s *anthropicSession) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// toolCalls extracts tool_use blocks from an accumulated message.
func toolCalls(msg *anthropic.Message) []ToolUse {
	var calls []ToolUse
	for _, block := range msg.Content {
		tu, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		input := map[string]interface{}{}
		if raw := tu.JSON.Input.Raw(); raw != "" && raw != "null" {
			_ = json.Unmarshal([]byte(raw), &input)
		}
		calls = append(calls, ToolUse{ID: tu.ID, Name: tu.Name, Input: input})
	}
	return calls
}

func toolUnionParam(name, description string, props map[string]interface{}, required []string) anthropic.ToolUnionParam {
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		},
	}
}

// schemaParts splits a JSON Schema object into its properties map and
// required list.
func schemaParts(schema map[string]interface{}) (map[string]interface{}, []string) {
	props := map[string]interface{}{}
	var required []string
	if schema == nil {
		return props, required
	}

	if p, ok := schema["properties"].(map[string]interface{}); ok {
		props = p
	}
	switch raw := schema["required"].(type) {
	case []string:
		required = raw
	case []interface{}:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

func stopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn:
		return StopEndTurn
	case anthropic.StopReasonMaxTokens:
		return StopMaxTokens
	case anthropic.StopReasonStopSequence:
		return StopStopSequence
	case anthropic.StopReasonToolUse:
		return StopToolUse
	default:
		return StopEndTurn
	}
}
