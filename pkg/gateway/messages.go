package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/bridge"
	"github.com/rollo/gantry/pkg/runtime"
	"github.com/rollo/gantry/pkg/tokenizer"
)

// handleMessages serves POST /v1/messages. The request is executed on a
// pooled agent session; stream=true answers with SSE, otherwise the full
// response is collected and returned as JSON.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta := metaFromContext(ctx)

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, err.Error())
		return
	}

	model := anthropic.ResolveModel(req.Model)
	meta.model = model
	meta.stream = req.Stream

	prompt := s.buildPrompt(&req)
	opts := s.buildOptions(&req, model)

	sess, err := s.cfg.Pool.Acquire(ctx, opts)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	defer s.cfg.Pool.Release(sess)
	meta.sessionID = sess.ID
	ctx = tracing.WithSessionID(ctx, sess.ID)
	r = r.WithContext(ctx)

	events, err := sess.Session.Query(ctx, prompt)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	params := bridge.Params{Model: model, Mode: s.cfg.MessageMode, PromptLen: len(prompt)}
	start := time.Now()
	defer func() {
		observability.RecordRuntimeQuery(model, req.Stream, time.Since(start))
	}()

	if req.Stream {
		s.streamResponse(w, r, events, params)
		return
	}

	resp, err := s.cfg.Translator.Collect(ctx, events, params)
	if err != nil {
		s.failErr(w, r, err)
		return
	}
	observability.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	meta.inputTokens = resp.Usage.InputTokens
	meta.outputTokens = resp.Usage.OutputTokens
	writeJSON(w, http.StatusOK, resp)
}

// Execute runs a single message request on a pooled session and collects
// the full response. The batch scheduler uses it as its item executor, so
// batch items go through the same prompt, option, and translation pipeline
// as interactive requests. Items are validated here rather than at submit
// time; a bad item fails alone instead of rejecting its whole batch.
func (s *Server) Execute(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	model := anthropic.ResolveModel(req.Model)
	prompt := s.buildPrompt(req)
	opts := s.buildOptions(req, model)

	sess, err := s.cfg.Pool.Acquire(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer s.cfg.Pool.Release(sess)
	ctx = tracing.WithSessionID(ctx, sess.ID)

	events, err := sess.Session.Query(ctx, prompt)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		observability.RecordRuntimeQuery(model, false, time.Since(start))
	}()

	resp, err := s.cfg.Translator.Collect(ctx, events, bridge.Params{Model: model, Mode: s.cfg.MessageMode, PromptLen: len(prompt)})
	if err != nil {
		return nil, err
	}
	observability.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

// handleCountTokens serves POST /v1/messages/count_tokens with the
// heuristic estimate; nothing is sent to the runtime.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req anthropic.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, r, anthropic.ErrInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		s.fail(w, r, anthropic.ErrInvalidRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		s.fail(w, r, anthropic.ErrInvalidRequest, "messages must not be empty")
		return
	}
	metaFromContext(r.Context()).model = anthropic.ResolveModel(req.Model)

	tokens := tokenizer.EstimateRequest(req.Messages, req.System, req.Tools)
	writeJSON(w, http.StatusOK, anthropic.CountTokensResponse{InputTokens: tokens})
}

// buildPrompt flattens the conversation into the single prompt string a
// session query takes. A slash command opening the final user message is
// expanded from the workspace.
func (s *Server) buildPrompt(req *anthropic.MessagesRequest) string {
	parts := make([]string, 0, len(req.Messages))
	for i, msg := range req.Messages {
		prefix := "Human:"
		if msg.Role == anthropic.RoleAssistant {
			prefix = "Assistant:"
		}

		if len(msg.Content) == 1 && msg.Content[0].Type == anthropic.BlockText {
			content := msg.Content[0].Text
			if msg.Role == anthropic.RoleUser && i == len(req.Messages)-1 {
				content = s.expandCommand(content)
			}
			parts = append(parts, prefix+" "+content)
			continue
		}

		texts := make([]string, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case anthropic.BlockText:
				texts = append(texts, block.Text)
			case anthropic.BlockToolResult:
				texts = append(texts, "[Tool Result: "+toolResultText(block.Content)+"]")
			}
		}
		if len(texts) > 0 {
			parts = append(parts, prefix+" "+strings.Join(texts, " "))
		}
	}
	return strings.Join(parts, "\n\n")
}

// buildOptions derives session options from the request and server
// config. A request system prompt overrides the configured one, and
// workspace project instructions are appended to whichever applies.
func (s *Server) buildOptions(req *anthropic.MessagesRequest, model string) runtime.Options {
	system := s.cfg.SystemPrompt
	if text := req.System.Text(); text != "" {
		system = text
	}
	if instructions := s.workspaceInstructions(); instructions != "" {
		if system == "" {
			system = instructions
		} else {
			system = system + "\n\n" + instructions
		}
	}

	opts := runtime.Options{
		Model:            model,
		SystemPrompt:     system,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		MaxTurns:         s.cfg.MaxTurns,
		AllowedTools:     s.cfg.AllowedTools,
		PassthroughTools: passthroughTools(req.Tools),
	}
	if req.Thinking != nil {
		opts.ThinkingTokens = req.Thinking.BudgetTokens
	} else {
		opts.ThinkingTokens = s.cfg.MaxThinkingTokens
	}
	return opts
}

func (s *Server) workspaceInstructions() string {
	if s.cfg.Workspace == nil {
		return ""
	}
	return s.cfg.Workspace.Instructions()
}

func (s *Server) expandCommand(prompt string) string {
	if s.cfg.Workspace == nil {
		return prompt
	}
	expanded, _ := s.cfg.Workspace.ExpandCommand(prompt)
	return expanded
}

// passthroughTools converts caller tool definitions into the runtime
// form, splitting the JSON schema into its properties and required list.
func passthroughTools(tools []anthropic.Tool) []runtime.ToolDef {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]runtime.ToolDef, 0, len(tools))
	for _, t := range tools {
		def := runtime.ToolDef{Name: t.Name, Description: t.Description}
		if props, ok := t.InputSchema["properties"].(map[string]interface{}); ok {
			def.InputSchema = props
		}
		if required, ok := t.InputSchema["required"].([]interface{}); ok {
			for _, entry := range required {
				if name, ok := entry.(string); ok {
					def.Required = append(def.Required, name)
				}
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// toolResultText renders a tool_result content payload as plain text for
// the prompt. String payloads pass through; block lists contribute their
// text blocks; anything else stays raw JSON.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == anthropic.BlockText {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, " ")
	}
	return string(raw)
}
