package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics holds the Prometheus instruments exposed on the operator
// metrics endpoint. All instruments register on a private registry so tests
// can construct independent instances.
type WorkerMetrics struct {
	// Registry serves the instruments below; hand it to promhttp.HandlerFor.
	Registry *prometheus.Registry

	// RunsStarted counts runs admitted by the dispatcher.
	// Labels: model
	RunsStarted *prometheus.CounterVec

	// RunsCompleted counts terminal runs.
	// Labels: status (completed|failed|cancelled)
	RunsCompleted *prometheus.CounterVec

	// ActiveRuns gauges runs currently owned by this worker.
	ActiveRuns prometheus.Gauge

	// TurnDuration measures one loop turn (LLM call plus tool execution).
	// Labels: model
	TurnDuration *prometheus.HistogramVec

	// WALAppends counts write-ahead log appends.
	// Labels: write_type (message|credit|status), path (broker|local)
	WALAppends *prometheus.CounterVec

	// WritesDropped counts WAL entries lost to local-buffer eviction. DLQ
	// routing does not count as a drop.
	WritesDropped prometheus.Counter

	// PendingWrites gauges WAL depth summed over owned runs.
	PendingWrites prometheus.Gauge

	// FlushDuration measures one flusher drain cycle in seconds.
	FlushDuration prometheus.Histogram

	// FlushResults counts flushed entries by outcome.
	// Labels: outcome (success|failed|dlq)
	FlushResults *prometheus.CounterVec

	// DLQDepth gauges entries currently held in the dead-letter stream.
	DLQDepth prometheus.Gauge

	// LoadLevel gauges the current backpressure level (0=normal..3=critical).
	LoadLevel prometheus.Gauge

	// LLMRequests counts model calls.
	// Labels: model, status (ok|error)
	LLMRequests *prometheus.CounterVec

	// TokensUsed counts tokens consumed.
	// Labels: model, type (input|output)
	TokensUsed *prometheus.CounterVec

	// CompressionRuns counts compressor invocations.
	// Labels: outcome (skipped|compressed|failed)
	CompressionRuns *prometheus.CounterVec

	// OrphansRecovered counts runs reclaimed by the recovery sweeper.
	OrphansRecovered prometheus.Counter

	// HeartbeatFailures counts heartbeat refreshes that errored.
	HeartbeatFailures prometheus.Counter
}

// NewWorkerMetrics creates and registers all worker instruments on a fresh
// registry.
func NewWorkerMetrics() *WorkerMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &WorkerMetrics{
		Registry: reg,
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_runs_started_total",
			Help: "Runs admitted by the dispatcher.",
		}, []string{"model"}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_runs_completed_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_active_runs",
			Help: "Runs currently owned by this worker.",
		}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_turn_duration_seconds",
			Help:    "Duration of one agent loop turn.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"model"}),
		WALAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_wal_appends_total",
			Help: "Write-ahead log appends by type and path.",
		}, []string{"write_type", "path"}),
		WritesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_writes_dropped_total",
			Help: "WAL entries lost to local-buffer eviction.",
		}),
		PendingWrites: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_pending_writes",
			Help: "WAL depth summed over owned runs.",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentd_flush_duration_seconds",
			Help:    "Duration of one flusher drain cycle.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		FlushResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_flush_results_total",
			Help: "Flushed WAL entries by outcome.",
		}, []string{"outcome"}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_dlq_depth",
			Help: "Entries currently held in the dead-letter stream.",
		}),
		LoadLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentd_load_level",
			Help: "Backpressure level: 0 normal, 1 elevated, 2 high, 3 critical.",
		}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_llm_requests_total",
			Help: "Model calls by model and outcome.",
		}, []string{"model", "status"}),
		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tokens_used_total",
			Help: "Tokens consumed by model calls.",
		}, []string{"model", "type"}),
		CompressionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_compression_runs_total",
			Help: "Context compressor invocations by outcome.",
		}, []string{"outcome"}),
		OrphansRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_orphans_recovered_total",
			Help: "Runs reclaimed by the recovery sweeper.",
		}),
		HeartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_heartbeat_failures_total",
			Help: "Heartbeat refreshes that returned an error.",
		}),
	}
}
