// Package observability carries the host's prometheus metrics and logging
// setup.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsFinished counts jobs by terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "jobs_finished_total",
		Help:      "Jobs by terminal status.",
	}, []string{"status"})

	// JobDuration observes wall time from claim to terminal state.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steward",
		Name:      "job_duration_seconds",
		Help:      "Job wall time from claim to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// LLMCalls counts provider calls by tier and outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "llm_calls_total",
		Help:      "LLM calls by tier and outcome.",
	}, []string{"tier", "outcome"})

	// LLMTokens counts tokens by tier and direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "llm_tokens_total",
		Help:      "Tokens by tier and direction (prompt/completion).",
	}, []string{"tier", "direction"})

	// ToolCalls counts tool executions by tool and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "tool_calls_total",
		Help:      "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// QueueDepth tracks pending jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "steward",
		Name:      "queue_depth",
		Help:      "Jobs currently pending.",
	})

	// ScheduleFires counts schedule fires by schedule name.
	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "steward",
		Name:      "schedule_fires_total",
		Help:      "Schedule fires by schedule name.",
	}, []string{"schedule"})
)

// MetricsHandler serves the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
