package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/accesslog"
	"github.com/rollo/gantry/pkg/anthropic"
)

// requestMeta carries per-request fields only the handler learns, for the
// completion log and the access-log record. Handlers and middleware touch
// it from the same goroutine, in sequence.
type requestMeta struct {
	model        string
	sessionID    string
	stream       bool
	inputTokens  int
	outputTokens int
	errMsg       string
	disconnect   string
}

type metaKey struct{}

// metaFromContext returns the request's metadata holder. A detached holder
// is returned outside a request so handler code never nil-checks.
func metaFromContext(ctx context.Context) *requestMeta {
	if m, ok := ctx.Value(metaKey{}).(*requestMeta); ok {
		return m
	}
	return &requestMeta{}
}

// responseRecorder captures the status code and body size for the
// completion log. Flush passes through so SSE handlers keep streaming.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// route composes the standard middleware for one endpoint. The endpoint
// string is the route pattern, used as the metric label so cardinality
// stays bounded.
func (s *Server) route(endpoint string, authed bool, h http.HandlerFunc) http.HandlerFunc {
	if authed {
		h = s.withAuth(h)
	}
	return s.withRequest(endpoint, h)
}

// withRequest refuses requests during shutdown, establishes the request
// context (request id in and out, session id header, metadata holder),
// and records the completion log, metrics, and access-log row.
func (s *Server) withRequest(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, anthropic.ErrOverloaded, "Server is shutting down")
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		ctx := tracing.NewRequestContext(r.Context(), r.Header.Get("x-request-id"))
		if sid := r.Header.Get("x-session-id"); sid != "" {
			ctx = tracing.WithSessionID(ctx, sid)
		}
		meta := &requestMeta{}
		ctx = context.WithValue(ctx, metaKey{}, meta)

		requestID := tracing.GetRequestID(ctx)
		w.Header().Set("x-request-id", requestID)

		observability.RequestStarted(r.Method, endpoint)
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r.WithContext(ctx))

		duration := time.Since(start)
		observability.RequestFinished(r.Method, endpoint, rec.status, duration)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		evt := logger.Info()
		if rec.status >= 400 {
			evt = logger.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Float64("duration_ms", durationMS(duration)).
			Msg("Request completed")

		sessionID := meta.sessionID
		if sessionID == "" {
			sessionID = tracing.GetSessionID(ctx)
		}
		s.cfg.AccessLog.LogRequest(accesslog.RequestRecord{
			RequestID:        requestID,
			SessionID:        sessionID,
			Timestamp:        start.UTC(),
			Method:           r.Method,
			Path:             r.URL.Path,
			Model:            meta.model,
			ClientIP:         clientIP(r),
			UserAgent:        r.UserAgent(),
			StatusCode:       rec.status,
			DurationMS:       durationMS(duration),
			InputTokens:      meta.inputTokens,
			OutputTokens:     meta.outputTokens,
			Stream:           meta.stream,
			Error:            meta.errMsg,
			DisconnectReason: meta.disconnect,
		})
	}
}

// withAuth enforces the configured API key on a handler. The key is
// accepted from x-api-key or an Authorization bearer token; with no key
// configured every request passes.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next(w, r)
			return
		}
		if keyMatches(r.Header.Get("x-api-key"), s.cfg.APIKey) {
			next(w, r)
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") && keyMatches(parts[1], s.cfg.APIKey) {
				next(w, r)
				return
			}
		}

		observability.RecordSecurityAudit(r.Context(), "auth:api_key", clientIP(r), "denied", map[string]interface{}{
			"path": r.URL.Path,
		})
		metaFromContext(r.Context()).errMsg = "invalid or missing API key"
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, anthropic.ErrAuthentication,
			"Invalid or missing API key. Provide via x-api-key header or Authorization: Bearer <key>")
	}
}

func keyMatches(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// withCORS answers preflight requests and marks allowed origins on every
// response. With no origins configured it is a no-op.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.cfg.CORSOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			headers := r.Header.Get("Access-Control-Request-Headers")
			if headers == "" {
				headers = "*"
			}
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
