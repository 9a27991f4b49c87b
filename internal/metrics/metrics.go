// Package metrics defines the Prometheus metrics the executor and its
// collaborators emit.
//
// Naming follows Prometheus conventions: maestro_ prefix, _total suffix for
// counters. Latency histograms are kept in milliseconds to match the
// wall_ms accounting carried on runs and steps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsStarted counts runs entering the executor by tenant and mode.
	RunsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_started_total",
			Help: "Total runs started, by tenant and mode.",
		},
		[]string{"tenant", "mode"},
	)

	// RunsFinished counts terminal runs by tenant and terminal status.
	RunsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_runs_finished_total",
			Help: "Total runs reaching a terminal status.",
		},
		[]string{"tenant", "status"},
	)

	// StepsExecuted counts steps reaching a terminal status.
	StepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_steps_executed_total",
			Help: "Total steps reaching a terminal status, by tool and status.",
		},
		[]string{"tool", "status"},
	)

	// AdapterCalls counts real effector invocations by tool and outcome.
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_adapter_calls_total",
			Help: "Total adapter invocations, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// PolicyBlocks counts reviewer blocks by reason class.
	PolicyBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_policy_blocks_total",
			Help: "Total steps blocked by policy, by first reason.",
		},
		[]string{"reason"},
	)

	// ApprovalsRequested counts approval rendezvous entries.
	ApprovalsRequested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_approvals_requested_total",
			Help: "Total approvals requested, by tenant.",
		},
		[]string{"tenant"},
	)

	// Hallucinations counts hallucinated steps found by shadow scoring.
	Hallucinations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_hallucinations_total",
			Help: "Total hallucinated steps detected in shadow runs.",
		},
		[]string{"tenant"},
	)

	// StepLatencyMs is the per-step latency covering gate + invoke + record.
	StepLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_step_latency_ms",
			Help:    "Step latency in milliseconds.",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"tool"},
	)

	// RunLatencyMs is the whole-run wall clock.
	RunLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_run_latency_ms",
			Help:    "Run latency in milliseconds.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000, 900000},
		},
		[]string{"tenant"},
	)

	// TokenCostUSD observes per-step LLM spend.
	TokenCostUSD = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_token_cost_usd",
			Help:    "LLM cost per step in USD.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"tenant"},
	)
)

// Register adds all maestro metrics to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RunsStarted,
		RunsFinished,
		StepsExecuted,
		AdapterCalls,
		PolicyBlocks,
		ApprovalsRequested,
		Hallucinations,
		StepLatencyMs,
		RunLatencyMs,
		TokenCostUSD,
	)
}
