// Package observability provides Prometheus metrics instrumentation for the story engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// EVENT BUS METRICS
// =============================================================================

var (
	busEmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_bus_emissions_total",
			Help: "Total number of events emitted on the bus",
		},
		[]string{"event_type"},
	)

	busDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_bus_deliveries_total",
			Help: "Total number of handler deliveries",
		},
		[]string{"event_type"},
	)

	busHandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_bus_handler_errors_total",
			Help: "Total number of handler failures during delivery",
		},
		[]string{"event_type"},
	)
)

// =============================================================================
// ADVENTURE / STAGE METRICS
// =============================================================================

var (
	adventureExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_dag_executions_total",
			Help: "Total number of adventure DAG executions",
		},
		[]string{"adventure", "status"}, // status: completed, failed
	)

	adventureDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_dag_duration_seconds",
			Help:    "Adventure DAG execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"adventure"},
	)

	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage_type", "status"}, // status: completed, failed, skipped, timeout
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage_type"},
	)

	activeAdventures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adventure_active_adventures",
			Help: "Number of currently active adventures",
		},
	)
)

// =============================================================================
// COMPETITION METRICS
// =============================================================================

var (
	proposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_proposals_total",
			Help: "Total number of proposal submissions",
		},
		[]string{"proposal_type", "status"}, // status: accepted, rejected, failed
	)

	judgeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_judge_decisions_total",
			Help: "Total number of judge panel decisions",
		},
		[]string{"confidence"}, // low, medium, high
	)

	votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_votes_total",
			Help: "Total number of audience votes processed",
		},
		[]string{"status"}, // accepted, changed, rejected
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_llm_tokens_total",
			Help: "Total LLM tokens consumed",
		},
		[]string{"provider", "kind"}, // kind: prompt, completion
	)

	llmCostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_llm_cost_usd_total",
			Help: "Accumulated LLM spend in USD",
		},
		[]string{"provider"},
	)
)

// =============================================================================
// EXTERNAL SERVICE METRICS
// =============================================================================

var (
	mcpCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_mcp_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"service", "status"}, // status: success, error
	)

	mcpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_mcp_duration_seconds",
			Help:    "MCP call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		},
		[]string{"service"},
	)

	audioRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_audio_requests_total",
			Help: "Total number of audio dispatch requests",
		},
		[]string{"status"}, // queued, partial, offline, noop
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordBusEmission records a single event emission.
func RecordBusEmission(eventType string) {
	busEmissionsTotal.WithLabelValues(eventType).Inc()
}

// RecordBusDelivery records a successful handler delivery.
func RecordBusDelivery(eventType string) {
	busDeliveriesTotal.WithLabelValues(eventType).Inc()
}

// RecordBusHandlerError records a handler failure during delivery.
func RecordBusHandlerError(eventType string) {
	busHandlerErrorsTotal.WithLabelValues(eventType).Inc()
}

// RecordAdventureExecution records adventure DAG execution metrics.
// This should be called after the run reaches a terminal state.
func RecordAdventureExecution(adventure string, status string, durationMS int) {
	adventureExecutionsTotal.WithLabelValues(adventure, status).Inc()
	adventureDurationSeconds.WithLabelValues(adventure).Observe(float64(durationMS) / 1000.0)
}

// RecordStageExecution records stage execution metrics.
func RecordStageExecution(stageType string, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stageType, status).Inc()
	stageDurationSeconds.WithLabelValues(stageType).Observe(float64(durationMS) / 1000.0)
}

// SetActiveAdventures sets the active adventure gauge.
func SetActiveAdventures(n int) {
	activeAdventures.Set(float64(n))
}

// RecordProposal records a proposal submission outcome.
func RecordProposal(proposalType string, status string) {
	proposalsTotal.WithLabelValues(proposalType, status).Inc()
}

// RecordJudgeDecision records a panel decision by confidence.
func RecordJudgeDecision(confidence string) {
	judgeDecisionsTotal.WithLabelValues(confidence).Inc()
}

// RecordVote records a vote outcome.
func RecordVote(status string) {
	votesTotal.WithLabelValues(status).Inc()
}

// RecordLLMCall records LLM call metrics.
// This should be called after provider generation completes.
func RecordLLMCall(provider string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(provider, model, status).Inc()
	llmDurationSeconds.WithLabelValues(provider, model).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMTokens records token consumption for a provider.
func RecordLLMTokens(provider string, promptTokens, completionTokens int) {
	llmTokensTotal.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	llmTokensTotal.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// RecordLLMCost records spend for a provider.
func RecordLLMCost(provider string, costUSD float64) {
	llmCostUSDTotal.WithLabelValues(provider).Add(costUSD)
}

// RecordMCPCall records MCP call metrics.
func RecordMCPCall(service string, status string, durationMS int) {
	mcpCallsTotal.WithLabelValues(service, status).Inc()
	mcpDurationSeconds.WithLabelValues(service).Observe(float64(durationMS) / 1000.0)
}

// RecordAudioRequest records an audio dispatch outcome.
func RecordAudioRequest(status string) {
	audioRequestsTotal.WithLabelValues(status).Inc()
}
