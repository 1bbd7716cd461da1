// Package metrics provides Prometheus instrumentation for pageguard. It
// exposes counters for scan and redaction throughput, classifier and cache
// outcomes, and gauges for live sessions and engine states.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of control connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pageguard_connections_total",
		Help: "Current number of active control WebSocket connections",
	})

	// EnginesByState tracks how many engines sit in each lifecycle state.
	EnginesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pageguard_engines",
		Help: "Number of engines by lifecycle state",
	}, []string{"state"})

	// ScansTotal counts scan passes, labeled by trigger ("initial",
	// "mutation", "rescan", "settings" or "toggle").
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_scans_total",
		Help: "Total number of scan passes",
	}, []string{"trigger"})

	// ScanDuration records the wall time of a scan pass in seconds.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pageguard_scan_duration_seconds",
		Help:    "Scan pass duration in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// NodesScanned counts text nodes run through the term index.
	NodesScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageguard_nodes_scanned_total",
		Help: "Total number of text nodes scanned",
	})

	// SpansTotal counts detected context spans by detection mode.
	SpansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_spans_total",
		Help: "Total number of detected spans",
	}, []string{"mode"})

	// RedactionsTotal counts markers inserted, labeled by flag style.
	RedactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_redactions_total",
		Help: "Total number of redaction markers inserted",
	}, []string{"style"})

	// ClassifierCalls counts classifier sub-batch attempts by endpoint and
	// outcome ("ok", "error", "open").
	ClassifierCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_classifier_calls_total",
		Help: "Classifier sub-batch attempts",
	}, []string{"endpoint", "outcome"})

	// ClassifierLatency records a successful sub-batch round trip in seconds.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pageguard_classifier_latency_seconds",
		Help:    "Classifier sub-batch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// FallbackActivations counts entries into heuristic fallback mode.
	FallbackActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pageguard_classifier_fallback_total",
		Help: "Number of times the classifier entered fallback mode",
	})

	// CacheLookups counts verdict cache lookups by result ("hit", "miss").
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_cache_lookups_total",
		Help: "Verdict cache lookups",
	}, []string{"result"})

	// ReportsTotal counts detection reports by outcome ("published",
	// "dropped", "rate_limited").
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pageguard_reports_total",
		Help: "Detection reports by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EnginesByState,
		ScansTotal,
		ScanDuration,
		NodesScanned,
		SpansTotal,
		RedactionsTotal,
		ClassifierCalls,
		ClassifierLatency,
		FallbackActivations,
		CacheLookups,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
