package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/tools"
)

type openaiRuntime struct {
	client   openai.Client
	registry *tools.Registry
	guard    *hooks.Guard
	logger   zerolog.Logger
}

func newOpenAIRuntime(cfg Config, logger zerolog.Logger) *openaiRuntime {
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openaiRuntime{
		client:   openai.NewClient(reqOpts...),
		registry: cfg.Registry,
		guard:    cfg.Guard,
		logger:   logger,
	}
}

func (r *openaiRuntime) Name() string { return ProviderOpenAI }

func (r *openaiRuntime) Open(ctx context.Context, opts Options) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("runtime: model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	s := &openaiSession{
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

// openaiSession mirrors the Anthropic agent loop over chat completions.
// Extended thinking has no chat-completions equivalent, so ThinkingTokens
// is ignored and no thinking deltas are emitted.
type openaiSession struct {
	id       string
	client   openai.Client
	opts     Options
	registry *tools.Registry
	guard    *hooks.Guard
	logger   zerolog.Logger

	mu       sync.Mutex
	history  []openai.ChatCompletionMessageParamUnion
	inFlight bool
	closed   bool
}

func (s *openaiSession) ID() string { return s.id }

func (s *openaiSession) Query(ctx context.Context, prompt string) (<-chan Event, error) {
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
	s.history = append(s.history, openai.UserMessage(prompt))
	s.mu.Unlock()

	events := make(chan Event, eventBuffer)
	go s.run(ctx, events)
	return events, nil
}

func (s *openaiSession) Clear(ctx context.Context) error {
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

func (s *openaiSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.history = nil
	s.mu.Unlock()

	s.guard.ForgetSession(s.id)
	return nil
}

func (s *openaiSession) run(ctx context.Context, events chan<- Event) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		close(events)
	}()

	var total Usage
	maxTurns := s.opts.maxTurns()

	for turn := 0; turn < maxTurns; turn++ {
		completion, err := s.streamTurn(ctx, events)
		if err != nil {
			s.emit(ctx, events, Result{Err: err})
			return
		}
		total.InputTokens += int(completion.Usage.PromptTokens)
		total.OutputTokens += int(completion.Usage.CompletionTokens)

		choice := completion.Choices[0]
		s.mu.Lock()
		s.history = append(s.history, choice.Message.ToParam())
		s.mu.Unlock()

		calls := chatToolCalls(choice)
		for _, call := range calls {
			s.emit(ctx, events, call)
		}

		if choice.FinishReason != "tool_calls" || len(calls) == 0 {
			s.emit(ctx, events, Result{StopReason: chatStopReason(choice.FinishReason), Usage: total})
			return
		}

		results, local := s.execute(ctx, calls)
		if !local {
			s.emit(ctx, events, Result{StopReason: StopToolUse, Usage: total})
			return
		}

		s.mu.Lock()
		s.history = append(s.history, results...)
		s.mu.Unlock()
	}

	s.logger.Warn().Str("session_id", s.id).Int("max_turns", maxTurns).Msg("Agent loop reached the turn limit")
	s.emit(ctx, events, Result{StopReason: StopMaxTokens, Usage: total})
}

func (s *openaiSession) streamTurn(ctx context.Context, events chan<- Event) (*openai.ChatCompletion, error) {
	stream := s.client.Chat.Completions.NewStreaming(ctx, s.params())
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if text := chunk.Choices[0].Delta.Content; text != "" {
				s.emit(ctx, events, TextDelta{Text: text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}
	return &acc.ChatCompletion, nil
}

func (s *openaiSession) params() openai.ChatCompletionNewParams {
	s.mu.Lock()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(s.history)+1)
	if s.opts.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(s.opts.SystemPrompt))
	}
	messages = append(messages, s.history...)
	s.mu.Unlock()

	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(s.opts.Model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(s.opts.MaxTokens)),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if s.opts.Temperature != nil {
		params.Temperature = openai.Float(*s.opts.Temperature)
	}
	if defs := s.toolParams(); len(defs) > 0 {
		params.Tools = defs
	}
	return params
}

func (s *openaiSession) toolParams() []openai.ChatCompletionToolParam {
	var defs []openai.ChatCompletionToolParam
	add := func(name, description string, schema map[string]interface{}) {
		defs = append(defs, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}

	if s.registry != nil {
		for _, def := range s.registry.Definitions() {
			if !s.opts.toolAllowed(def.Name) {
				continue
			}
			schema := def.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			add(def.Name, def.Description, schema)
		}
	}
	for _, def := range s.opts.PassthroughTools {
		if !s.opts.toolAllowed(def.Name) {
			continue
		}
		schema := map[string]interface{}{"type": "object"}
		if def.InputSchema != nil {
			schema["properties"] = def.InputSchema
		} else {
			schema["properties"] = map[string]interface{}{}
		}
		if len(def.Required) > 0 {
			schema["required"] = def.Required
		}
		add(def.Name, def.Description, schema)
	}
	return defs
}

func (s *openaiSession) execute(ctx context.Context, calls []ToolUse) (results []openai.ChatCompletionMessageParamUnion, local bool) {
	if s.registry == nil {
		return nil, false
	}
	for _, call := range calls {
		if !s.registry.Has(call.Name) {
			return nil, false
		}
	}

	results = make([]openai.ChatCompletionMessageParamUnion, 0, len(calls))
	for _, call := range calls {
		output, _ := executeCall(ctx, s.registry, s.guard, s.logger, s.id, call)
		results = append(results, openai.ToolMessage(output, call.ID))
	}
	return results, true
}

func (s *openaiSession) emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func chatToolCalls(choice openai.ChatCompletionChoice) []ToolUse {
	var calls []ToolUse
	for _, tc := range choice.Message.ToolCalls {
		input := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		calls = append(calls, ToolUse{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return calls
}

func chatStopReason(reason string) string {
	switch reason {
	case "length":
		return StopMaxTokens
	case "tool_calls", "function_call":
		return StopToolUse
	default:
		return StopEndTurn
	}
}
