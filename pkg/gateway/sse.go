package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/bridge"
	"github.com/rollo/gantry/pkg/runtime"
)

// sseWriter frames Anthropic stream events as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	bytes   int
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one event frame and flushes it to the client.
func (sw *sseWriter) send(event anthropic.StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	n, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event.EventType(), data)
	sw.bytes += n
	if err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// streamResponse translates the session's event sequence onto the wire as
// SSE. A failure after the stream opened cannot change the status code
// anymore, so it is reported as a terminal error event instead.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, events <-chan runtime.Event, params bridge.Params) {
	ctx := r.Context()
	meta := metaFromContext(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	sw, err := newSSEWriter(w)
	if err != nil {
		s.failErr(w, r, err)
		return
	}

	start := time.Now()
	sink := func(event anthropic.StreamEvent) error {
		if delta, ok := event.(anthropic.MessageDeltaEvent); ok {
			meta.outputTokens = delta.Usage.OutputTokens
			observability.RecordTokens(0, delta.Usage.OutputTokens)
		}
		return sw.send(event)
	}

	err = s.cfg.Translator.Stream(ctx, events, params, sink)
	observability.RecordStreamBytes(sw.bytes)
	observability.RecordStreamDuration(time.Since(start))
	if err == nil {
		return
	}

	meta.errMsg = err.Error()
	observability.RecordError("stream_error")
	if ctx.Err() != nil {
		meta.disconnect = "client_disconnected"
		logger.Info().Msg("Client disconnected during stream")
		return
	}

	logger.Error().Err(err).Msg("Stream failed")
	if sendErr := sw.send(anthropic.NewErrorEvent("server_error", err.Error())); sendErr != nil {
		logger.Warn().Err(sendErr).Msg("Failed to send stream error event")
	}
}
