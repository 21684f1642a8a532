package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/batch"
	"github.com/rollo/gantry/pkg/bridge"
	"github.com/rollo/gantry/pkg/filestore"
	"github.com/rollo/gantry/pkg/pool"
	"github.com/rollo/gantry/pkg/runtime"
)

// scriptedRuntime hands out sessions whose queries replay a scripted
// event sequence. The script is read at query time so tests can swap it
// after the pool has opened sessions.
type scriptedRuntime struct {
	mu      sync.Mutex
	opened  int
	script  func(prompt string) []runtime.Event
	opts    []runtime.Options
	prompts []string
}

func defaultScript(string) []runtime.Event {
	return []runtime.Event{
		runtime.TextDelta{Text: "Hello"},
		runtime.TextDelta{Text: " world"},
		runtime.Result{
			StopReason: runtime.StopEndTurn,
			Usage:      runtime.Usage{InputTokens: 9, OutputTokens: 5},
		},
	}
}

func (r *scriptedRuntime) Name() string { return "scripted" }

func (r *scriptedRuntime) Open(_ context.Context, opts runtime.Options) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
	r.opts = append(r.opts, opts)
	return &scriptedSession{id: fmt.Sprintf("scripted_%03d", r.opened), rt: r}, nil
}

func (r *scriptedRuntime) setScript(fn func(string) []runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = fn
}

func (r *scriptedRuntime) record(prompt string) func(string) []runtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	return r.script
}

func (r *scriptedRuntime) lastPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.prompts) == 0 {
		return ""
	}
	return r.prompts[len(r.prompts)-1]
}

func (r *scriptedRuntime) lastOpts() runtime.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.opts) == 0 {
		return runtime.Options{}
	}
	return r.opts[len(r.opts)-1]
}

type scriptedSession struct {
	id string
	rt *scriptedRuntime
}

func (s *scriptedSession) ID() string { return s.id }

func (s *scriptedSession) Query(_ context.Context, prompt string) (<-chan runtime.Event, error) {
	script := s.rt.record(prompt)
	events := script(prompt)
	ch := make(chan runtime.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *scriptedSession) Clear(context.Context) error { return nil }

func (s *scriptedSession) Close() error { return nil }

type testEnv struct {
	server *Server
	rt     *scriptedRuntime
	ts     *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	rt := &scriptedRuntime{script: defaultScript}
	p, err := pool.New(pool.Config{MaxSessions: 2, Runtime: rt, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Shutdown)

	scheduler, err := batch.New(batch.Config{
		Concurrency: 2,
		Executor:    echoExecutor,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(scheduler.Shutdown)

	files, err := filestore.New(filestore.Config{Dir: t.TempDir(), Logger: logger})
	require.NoError(t, err)

	cfg := Config{
		Port:         8787,
		Version:      "test",
		DefaultModel: "claude-opus-4-5-20251101",
		MaxTurns:     4,
		MessageMode:  bridge.ModeFormatted,
		Pool:         p,
		Batches:      scheduler,
		Translator:   bridge.New(logger),
		Files:        files,
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(server.handler)
	t.Cleanup(ts.Close)

	return &testEnv{server: server, rt: rt, ts: ts}
}

func echoExecutor(_ context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	resp := anthropic.NewMessagesResponse(anthropic.NewMessageID(), params.Model)
	resp.Content = []anthropic.ContentBlock{anthropic.TextBlock("batched")}
	stop := anthropic.StopEndTurn
	resp.StopReason = &stop
	return &resp, nil
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.ts.Client().Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := e.ts.Client().Post(e.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func decodeError(t *testing.T, resp *http.Response) anthropic.ErrorResponse {
	t.Helper()
	var envelope anthropic.ErrorResponse
	decodeJSON(t, resp, &envelope)
	return envelope
}

func messagesBody(stream bool) map[string]interface{} {
	return map[string]interface{}{
		"model":      "claude-opus-4-5",
		"max_tokens": 128,
		"stream":     stream,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "Say hello"},
		},
	}
}

func TestNewServer_Validation(t *testing.T) {
	logger := zerolog.Nop()
	rt := &scriptedRuntime{script: defaultScript}
	p, err := pool.New(pool.Config{Runtime: rt, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	scheduler, err := batch.New(batch.Config{Executor: echoExecutor, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(scheduler.Shutdown)
	translator := bridge.New(logger)

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"no port", Config{Pool: p, Batches: scheduler, Translator: translator}, "invalid port"},
		{"no pool", Config{Port: 8787, Batches: scheduler, Translator: translator}, "session pool is required"},
		{"no scheduler", Config{Port: 8787, Pool: p, Translator: translator}, "batch scheduler is required"},
		{"no translator", Config{Port: 8787, Pool: p, Batches: scheduler}, "stream translator is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewServer(tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "agent", body["mode"])

	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestServer_Root(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "gantry", body["name"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "running", body["status"])

	endpoints := body["endpoints"].(map[string]interface{})
	assert.Equal(t, "/v1/messages", endpoints["messages"])
	assert.Equal(t, "/v1/messages/batches", endpoints["batches"])
}

func TestServer_RequestIDEcho(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/health", map[string]string{"x-request-id": "req_custom42"})
	resp.Body.Close()
	assert.Equal(t, "req_custom42", resp.Header.Get("x-request-id"))

	resp = env.get(t, "/health")
	resp.Body.Close()
	generated := resp.Header.Get("x-request-id")
	assert.NotEmpty(t, generated)
	assert.Contains(t, generated, "req_")
}

func TestServer_RefusesDuringShutdown(t *testing.T) {
	env := newTestEnv(t, nil)

	env.server.shutdownMu.Lock()
	env.server.isShuttingDown = true
	env.server.shutdownMu.Unlock()

	resp := env.get(t, "/health")
	require.Equal(t, 529, resp.StatusCode)
	envelope := decodeError(t, resp)
	assert.Equal(t, anthropic.ErrOverloaded, envelope.Error.Type)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/metrics")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.DisableMetrics = true })

	resp := env.get(t, "/metrics")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
