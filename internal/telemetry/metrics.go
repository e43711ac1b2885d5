// Package telemetry provides application-level observability for the update
// server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<CNUP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns the Prometheus text exposition
// format and is intended to be scraped every 15 to 60 seconds. It is NOT served
// by the Gin router, so it stays off the public ingress path and outside the
// rate-limiting middleware.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template,
//     not raw URL)
//   - Release install counters and duration per product line
//   - Update manifest request and version file download counters
//   - Webhook event counters by action and outcome
//   - Client report counters per telemetry field, plus rate-limit rejections
//   - Telemetry flush duration and database connection pool gauge
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as
// /versions/:line/repository) rather than the raw URL so user-supplied path
// segments like version names cannot inflate label cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
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

// Release pipeline metrics.
//
// InstallsTotal counts completed release installs per product line and
// outcome ("ok" or "error"). An alert on the error outcome catches broken CI
// artifact layouts or unreachable upstreams early.
//
// InstallDuration observes the wall time of one complete install (artifact
// download, extraction, archival, persistence, manifest regeneration).
var (
	InstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "release_installs_total",
			Help: "Total number of release install attempts, by product line and outcome.",
		},
		[]string{"line", "outcome"},
	)

	InstallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "release_install_duration_seconds",
			Help:    "Duration of a single release install, end to end.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Update repository metrics.
var (
	ManifestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "update_manifest_requests_total",
			Help: "Total number of update manifest fetches, by product line.",
		},
		[]string{"line"},
	)

	VersionFileDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "version_file_downloads_total",
			Help: "Total number of version file downloads, by product line and version.",
		},
		[]string{"line", "version"},
	)
)

// WebhookEventsTotal counts inbound release events by product line, action
// (published/edited/deleted/ping), and outcome (accepted/unauthorized/invalid).
var WebhookEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "release_webhook_events_total",
		Help: "Total number of inbound release webhook events, by product line, action, and outcome.",
	},
	[]string{"line", "action", "outcome"},
)

// Client telemetry metrics.
//
// ClientReportsTotal counts accepted client fact reports by product line and
// field (version, runtime, product, country, platform).
//
// RateLimitRejectionsTotal counts requests rejected with 429, by endpoint.
//
// TelemetryFlushDuration observes one flush cycle of the aggregate snapshot.
var (
	ClientReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_reports_total",
			Help: "Total number of accepted client telemetry reports, by product line and field.",
		},
		[]string{"line", "field"},
	)

	RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter, by endpoint.",
		},
		[]string{"endpoint"},
	)

	TelemetryFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_flush_duration_seconds",
			Help:    "Duration of one telemetry aggregate flush to the database.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// DBOpenConnections tracks the number of open connections currently held by
// the sql.DB pool. It is sampled every 30 seconds by StartDBStatsCollector
// rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// connection pool statistics every 30 seconds and updates DBOpenConnections.
// The goroutine exits cleanly when the database becomes unreachable, which
// happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
