// Package metrics exposes the Prometheus collectors shared across the
// control-plane binaries (apiserver, autonomy, indexer).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "daoctl"

var (
	// Registry holds every collector registered by this process.
	Registry = prometheus.NewRegistry()

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled, by method/path/status.",
	}, []string{"method", "path", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	LedgerEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Ledger events appended, by event type and whether the write was a dedup hit.",
	}, []string{"event_type", "result"})

	IndexerCursorLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "cursor_lag_blocks",
		Help:      "Blocks between chain head (minus confirmations) and the indexer cursor.",
	}, []string{"chain_id"})

	IndexerTransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "transfers_observed_total",
		Help:      "Observed ERC-20 transfers recorded, by chain.",
	}, []string{"chain_id"})

	ReconciliationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation runs, by scope and outcome (ready/blocked_reason).",
	}, []string{"scope", "outcome"})

	OutboxQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "queue_depth",
		Help:      "Pending outbox tasks, by outbox name and status.",
	}, []string{"outbox", "status"})

	OutboxTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "outbox",
		Name:      "tasks_total",
		Help:      "Outbox tasks completed, by outbox name and terminal status.",
	}, []string{"outbox", "status"})

	OracleRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oracle",
		Name:      "requests_total",
		Help:      "Oracle-gated requests, by verification outcome.",
	}, []string{"outcome"})

	SpendGateDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "spend_gate_decisions_total",
		Help:      "Spend-policy gate decisions, by allowed/blocked reason.",
	}, []string{"reason"})

	AutonomyTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "autonomy",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of a single autonomy loop tick.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(
		HTTPInFlight,
		HTTPRequests,
		HTTPDuration,
		LedgerEventsTotal,
		IndexerCursorLag,
		IndexerTransfersTotal,
		ReconciliationRunsTotal,
		OutboxQueueDepth,
		OutboxTasksTotal,
		OracleRequestsTotal,
		SpendGateDecisionsTotal,
		AutonomyTickDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps next with in-flight/count/duration instrumentation
// keyed by a caller-supplied route label (not the raw URL, to keep
// cardinality bounded).
func InstrumentHandler(routeLabel string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		HTTPDuration.WithLabelValues(r.Method, routeLabel).Observe(time.Since(start).Seconds())
		HTTPRequests.WithLabelValues(r.Method, routeLabel, strconv.Itoa(rec.status)).Inc()
	})
}
