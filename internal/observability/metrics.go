// Package observability holds the Prometheus metrics served on the
// panel's /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ModelCalls counts provider invocations by requesting role and kind.
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "model_calls_total",
		Help:      "Model provider calls by requesting role and provider kind.",
	}, []string{"role", "kind"})

	// ModelTokens counts tokens by direction.
	ModelTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "model_tokens_total",
		Help:      "Tokens consumed by direction (input/output).",
	}, []string{"direction"})

	// ToolExecutions counts tool runs by tool name and outcome.
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "tool_executions_total",
		Help:      "Tool executions by name and outcome (ok/error).",
	}, []string{"tool", "outcome"})

	// HeartbeatTicks counts heartbeat runs by result.
	HeartbeatTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "heartbeat_ticks_total",
		Help:      "Heartbeat ticks by result (ran/skipped/dropped).",
	}, []string{"result"})

	// CronFires counts cron job executions by job name and outcome.
	CronFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "cron_fires_total",
		Help:      "Cron job fires by job and outcome.",
	}, []string{"job", "outcome"})

	// Compactions counts session compactions by outcome.
	Compactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "valet",
		Name:      "session_compactions_total",
		Help:      "Session compactions by outcome (summarized/fallback/aborted).",
	}, []string{"outcome"})
)
