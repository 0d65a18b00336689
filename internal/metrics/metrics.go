package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WindowsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "positionwatch_windows_scanned_total",
			Help: "Log windows scanned per contract scan",
		},
		[]string{"status"}, // success, failed
	)

	LogsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "positionwatch_logs_processed_total",
			Help: "Event logs handled by the indexer",
		},
		[]string{"status"}, // processed, skipped
	)

	RPCRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "positionwatch_rpc_retries_total",
			Help: "RPC calls retried after a retryable provider error",
		},
	)

	SnapshotsBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "positionwatch_snapshots_built_total",
			Help: "Position snapshots computed",
		},
		[]string{"status"}, // success, failed
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "positionwatch_alert_transitions_total",
			Help: "Alert lifecycle transitions",
		},
		[]string{"kind"}, // new, updated, resolved
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "positionwatch_notifications_total",
			Help: "Notification delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered, blocked, transient
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "positionwatch_cycle_duration_seconds",
			Help:    "Duration of a full monitoring cycle",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	CyclesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "positionwatch_cycles_skipped_total",
			Help: "Scheduled cycles skipped because one was already in flight",
		},
	)
)

// ObserveCycle records the duration of a completed monitoring cycle.
func ObserveCycle(d time.Duration) {
	CycleDuration.Observe(d.Seconds())
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
