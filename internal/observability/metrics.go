package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type gatewayMetrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsInProgress *prometheus.GaugeVec
	errorsTotal        *prometheus.CounterVec

	runtimeQueriesTotal  *prometheus.CounterVec
	runtimeQueryDuration *prometheus.HistogramVec
	tokensTotal          *prometheus.CounterVec
	streamBytesTotal     prometheus.Counter
	streamDuration       prometheus.Histogram

	poolSessions           *prometheus.GaugeVec
	sessionAcquireDuration prometheus.Histogram
	sessionResetsTotal     *prometheus.CounterVec

	batchItemsTotal   *prometheus.CounterVec
	batchItemDuration prometheus.Histogram
	batchesInProgress prometheus.Gauge

	toolInvocationsTotal   *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	toolInvocationErrors   *prometheus.CounterVec
	agentSpawnsTotal       *prometheus.CounterVec
	skillInvocationsTotal  *prometheus.CounterVec
	commandExpansionsTotal *prometheus.CounterVec

	accessLogQueueSize    *prometheus.GaugeVec
	accessLogDroppedTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *gatewayMetrics
)

func getMetrics() *gatewayMetrics {
	metricsOnce.Do(func() {
		m := &gatewayMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_requests_total",
					Help: "Total requests processed by method, endpoint, and status.",
				},
				[]string{"method", "endpoint", "status"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_request_duration_seconds",
					Help:    "Request duration in seconds by method and endpoint.",
					Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"method", "endpoint"},
			),
			requestsInProgress: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gantry_requests_in_progress",
					Help: "Requests currently being processed by method and endpoint.",
				},
				[]string{"method", "endpoint"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_errors_total",
					Help: "Total errors returned to clients by error type.",
				},
				[]string{"error_type"},
			),
			runtimeQueriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_runtime_queries_total",
					Help: "Total queries dispatched to the agent runtime by model and streaming flag.",
				},
				[]string{"model", "streaming"},
			),
			runtimeQueryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_runtime_query_duration_seconds",
					Help:    "Agent runtime query duration in seconds by model.",
					Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"model"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_tokens_total",
					Help: "Total tokens used by direction (input or output).",
				},
				[]string{"type"},
			),
			streamBytesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "gantry_stream_bytes_total",
					Help: "Total bytes written to streaming responses.",
				},
			),
			streamDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "gantry_stream_duration_seconds",
					Help:    "Streaming response duration in seconds.",
					Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			poolSessions: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gantry_pool_sessions",
					Help: "Current session pool population by state.",
				},
				[]string{"state"},
			),
			sessionAcquireDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "gantry_session_acquire_duration_seconds",
					Help:    "Time spent waiting to acquire a pooled session.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionResetsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_session_resets_total",
					Help: "Total session resets on release by outcome (cleared or destroyed).",
				},
				[]string{"outcome"},
			),
			batchItemsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_batch_items_total",
					Help: "Total batch items finished by result.",
				},
				[]string{"result"},
			),
			batchItemDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "gantry_batch_item_duration_seconds",
					Help:    "Batch item execution duration in seconds.",
					Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			batchesInProgress: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gantry_batches_in_progress",
					Help: "Batches currently executing.",
				},
			),
			toolInvocationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_tool_invocations_total",
					Help: "Total tool invocations by tool and category.",
				},
				[]string{"tool_name", "tool_category"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gantry_tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool and category.",
					Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"tool_name", "tool_category"},
			),
			toolInvocationErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_tool_invocation_errors_total",
					Help: "Total tool invocation errors by tool, category, and error type.",
				},
				[]string{"tool_name", "tool_category", "error_type"},
			),
			agentSpawnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_agent_spawns_total",
					Help: "Total subagent spawns via the Task tool by subagent type.",
				},
				[]string{"subagent_type"},
			),
			skillInvocationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_skill_invocations_total",
					Help: "Total skill invocations via the Skill tool by skill name.",
				},
				[]string{"skill_name"},
			),
			commandExpansionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_command_expansions_total",
					Help: "Total slash command expansions by command name.",
				},
				[]string{"command_name"},
			),
			accessLogQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "gantry_accesslog_queue_size",
					Help: "Pending access log records by queue.",
				},
				[]string{"queue"},
			),
			accessLogDroppedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gantry_accesslog_dropped_total",
					Help: "Access log records dropped because the queue was full, by queue.",
				},
				[]string{"queue"},
			),
		}

		prometheus.MustRegister(
			m.requestsTotal,
			m.requestDuration,
			m.requestsInProgress,
			m.errorsTotal,
			m.runtimeQueriesTotal,
			m.runtimeQueryDuration,
			m.tokensTotal,
			m.streamBytesTotal,
			m.streamDuration,
			m.poolSessions,
			m.sessionAcquireDuration,
			m.sessionResetsTotal,
			m.batchItemsTotal,
			m.batchItemDuration,
			m.batchesInProgress,
			m.toolInvocationsTotal,
			m.toolInvocationDuration,
			m.toolInvocationErrors,
			m.agentSpawnsTotal,
			m.skillInvocationsTotal,
			m.commandExpansionsTotal,
			m.accessLogQueueSize,
			m.accessLogDroppedTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RequestStarted(method, endpoint string) {
	m := getMetrics()
	m.requestsInProgress.WithLabelValues(method, endpoint).Inc()
}

func RequestFinished(method, endpoint string, status int, duration time.Duration) {
	m := getMetrics()
	m.requestsInProgress.WithLabelValues(method, endpoint).Dec()
	m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func RecordError(errorType string) {
	m := getMetrics()
	m.errorsTotal.WithLabelValues(errorType).Inc()
}

func RecordRuntimeQuery(model string, streaming bool, duration time.Duration) {
	m := getMetrics()
	m.runtimeQueriesTotal.WithLabelValues(model, strconv.FormatBool(streaming)).Inc()
	m.runtimeQueryDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordTokens(inputTokens, outputTokens int) {
	m := getMetrics()
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
	}
}

func RecordStreamBytes(n int) {
	m := getMetrics()
	m.streamBytesTotal.Add(float64(n))
}

func RecordStreamDuration(duration time.Duration) {
	m := getMetrics()
	m.streamDuration.Observe(duration.Seconds())
}

func SetPoolSessions(active, idle int) {
	m := getMetrics()
	m.poolSessions.WithLabelValues("active").Set(float64(active))
	m.poolSessions.WithLabelValues("idle").Set(float64(idle))
}

func RecordSessionAcquire(duration time.Duration) {
	m := getMetrics()
	m.sessionAcquireDuration.Observe(duration.Seconds())
}

func RecordSessionReset(outcome string) {
	m := getMetrics()
	m.sessionResetsTotal.WithLabelValues(outcome).Inc()
}

func RecordBatchItem(result string, duration time.Duration) {
	m := getMetrics()
	m.batchItemsTotal.WithLabelValues(result).Inc()
	m.batchItemDuration.Observe(duration.Seconds())
}

func SetBatchesInProgress(count int) {
	m := getMetrics()
	m.batchesInProgress.Set(float64(count))
}

func RecordToolInvocation(tool, category string, duration time.Duration, errorType string) {
	m := getMetrics()
	m.toolInvocationsTotal.WithLabelValues(tool, category).Inc()
	m.toolInvocationDuration.WithLabelValues(tool, category).Observe(duration.Seconds())
	if errorType != "" {
		m.toolInvocationErrors.WithLabelValues(tool, category, errorType).Inc()
	}
}

func RecordAgentSpawn(subagentType string) {
	m := getMetrics()
	m.agentSpawnsTotal.WithLabelValues(subagentType).Inc()
}

func RecordSkillInvocation(skillName string) {
	m := getMetrics()
	m.skillInvocationsTotal.WithLabelValues(skillName).Inc()
}

func RecordCommandExpansion(commandName string) {
	m := getMetrics()
	m.commandExpansionsTotal.WithLabelValues(commandName).Inc()
}

func SetAccessLogQueueSize(queue string, size int) {
	m := getMetrics()
	m.accessLogQueueSize.WithLabelValues(queue).Set(float64(size))
}

func RecordAccessLogDropped(queue string) {
	m := getMetrics()
	m.accessLogDroppedTotal.WithLabelValues(queue).Inc()
}
