// Package metrics provides Prometheus metrics for the fruitsync client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Discovery metrics
	discoveryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitsync_discovery_requests_total",
			Help: "Total discovery round trips by kind and result code",
		},
		[]string{"kind", "code"},
	)

	discoveryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fruitsync_discovery_request_duration_seconds",
			Help:    "Time the worker spent blocked on a discovery round trip",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	discoveryEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitsync_discovery_entries_total",
			Help: "Total remote entries delivered to the worker",
		},
	)

	discoveryAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitsync_discovery_aborts_total",
			Help: "Total discovery requests resolved by an abort",
		},
	)

	// Selective sync metrics
	bigFoldersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitsync_selective_sync_new_big_folders_total",
			Help: "Folders held back for user confirmation",
		},
		[]string{"external"},
	)

	whitelistInsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitsync_selective_sync_whitelist_inserts_total",
			Help: "Small folders remembered in the whitelist",
		},
	)

	// Bandwidth metrics
	bandwidthEndpoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruitsync_bandwidth_endpoints",
			Help: "Registered transfer endpoints per direction",
		},
		[]string{"direction"},
	)

	bandwidthQuotaGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitsync_bandwidth_quota_granted_bytes_total",
			Help: "Bytes of quota handed out by the governor",
		},
		[]string{"direction", "mode"},
	)

	bandwidthMeasuredSpeed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruitsync_bandwidth_measured_bytes_per_second",
			Help: "Last full-speed throughput observed by the relative limiter",
		},
		[]string{"direction"},
	)

	bandwidthLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fruitsync_bandwidth_limit",
			Help: "Active limit per direction (0 off, >0 bytes/s, <0 relative percent)",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDiscovery records one worker round trip.
func RecordDiscovery(kind, code string, duration time.Duration) {
	discoveryRequestsTotal.WithLabelValues(kind, code).Inc()
	discoveryRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddDiscoveredEntries counts entries handed to the worker.
func AddDiscoveredEntries(n int) {
	discoveryEntriesTotal.Add(float64(n))
}

// RecordDiscoveryAbort records an abort that resolved a pending request.
func RecordDiscoveryAbort() {
	discoveryAbortsTotal.Inc()
}

// RecordNewBigFolder records a folder held back for confirmation.
func RecordNewBigFolder(external bool) {
	label := "false"
	if external {
		label = "true"
	}
	bigFoldersTotal.WithLabelValues(label).Inc()
}

// RecordWhitelistInsert records a small folder added to the whitelist.
func RecordWhitelistInsert() {
	whitelistInsertsTotal.Inc()
}

// SetBandwidthEndpoints sets the registered endpoint count for a direction.
func SetBandwidthEndpoints(direction string, count int) {
	bandwidthEndpoints.WithLabelValues(direction).Set(float64(count))
}

// AddQuotaGranted records quota handed out in one grant round.
func AddQuotaGranted(direction, mode string, bytes int64) {
	bandwidthQuotaGranted.WithLabelValues(direction, mode).Add(float64(bytes))
}

// SetMeasuredSpeed records the last relative-mode measurement.
func SetMeasuredSpeed(direction string, bytesPerSecond float64) {
	bandwidthMeasuredSpeed.WithLabelValues(direction).Set(bytesPerSecond)
}

// SetBandwidthLimit records the active limit of a direction.
func SetBandwidthLimit(direction string, limit int64) {
	bandwidthLimit.WithLabelValues(direction).Set(float64(limit))
}
