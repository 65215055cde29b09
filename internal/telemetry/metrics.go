// Package telemetry provides application-level observability for the auth gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<AGW_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped by a Prometheus server every 15–60 seconds.
// It is NOT served by the Gin router.
//
// # Metric Groups
//
//   - Authentication attempt counters and validation latency histograms
//   - Audit pipeline health counters (drops and write failures)
//   - Rotation and expiry background-job counters
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /v1/tokens/:id/rotate)
// rather than the raw request URL to prevent unbounded label cardinality.
// Authentication metrics are labelled by method and outcome only — never by
// actor or credential — for the same reason.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Authentication metrics.
//
// AuthAttemptsTotal is a CounterVec with labels {method, outcome}. method is
// "service_token" or "assertion"; outcome is "success", "invalid",
// "store_unavailable", or "degraded" (assertion validated while the store
// was unreachable).
//
// Example PromQL queries:
//   - Failure rate (%):  sum(rate(auth_attempts_total{outcome!="success"}[5m])) / sum(rate(auth_attempts_total[5m])) * 100
//   - Outage detector:   increase(auth_attempts_total{outcome="store_unavailable"}[5m]) > 0
//
// TokenValidationDuration is a Histogram of the service-token hot path
// (hash + indexed lookup + policy checks). Buckets are tuned tightly around
// the expected few-millisecond range so a regression is visible.
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Total number of authentication attempts, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	TokenValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "token_validation_duration_seconds",
			Help:    "Latency of service-token validation, including the store lookup.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// Audit pipeline health.
//
// AuditEventsDroppedTotal counts events discarded because the in-memory
// queue was full. AuditWriteFailuresTotal counts batches that failed to
// persist. Both should be zero in steady state; either rising is the
// "audit trail has gaps" alert.
//
// UsageUpdatesDroppedTotal is the same signal for the deferred usage-count
// recorder; losing increments only skews analytics, so it alerts at a lower
// severity.
var (
	AuditEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of authentication events dropped due to a full audit queue.",
		},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit event batches that failed to persist.",
		},
	)

	UsageUpdatesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_updates_dropped_total",
			Help: "Total number of token usage increments dropped due to a full recorder queue.",
		},
	)
)

// Background job metrics.
//
// TokensRotatedTotal is a CounterVec with label {trigger}: "age", "usage",
// or "manual". ExpiryAlertsSentTotal is incremented once per alert actually
// dispatched (post-dedup). RotationsSkippedTotal counts scheduler cycles
// skipped because a blackout window was open.
//
// Example PromQL queries:
//   - Rotations per week:  increase(tokens_rotated_total[7d])
//   - Stuck scheduler:     increase(tokens_rotated_total[30d]) == 0 with old tokens present
var (
	TokensRotatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokens_rotated_total",
			Help: "Total number of service-token rotations, by trigger.",
		},
		[]string{"trigger"},
	)

	ExpiryAlertsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "expiry_alerts_sent_total",
			Help: "Total number of token expiry alerts dispatched.",
		},
	)

	RotationsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rotations_skipped_total",
			Help: "Total number of scheduler cycles skipped due to a blackout window.",
		},
	)
)

// HTTP metrics — labelled by method, route template, and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /v1/tokens/:id/rotate),
// NOT the raw URL, to prevent unbounded cardinality.
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
// The pool label distinguishes the hot-path pool from the background-job pool.
var DBOpenConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections, by pool.",
	},
	[]string{"pool"},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once per pool, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector("hot", database)
func StartDBStatsCollector(pool string, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "pool", pool, "error", err)
				return
			}
			DBOpenConnections.WithLabelValues(pool).Set(float64(db.Stats().OpenConnections))
		}
	}()
}
