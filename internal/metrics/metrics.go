// Package metrics holds the process's Prometheus collectors.
//
// Grounded on mercator-hq-jupiter's pkg/limits/metrics.go (promauto-built
// CounterVec/GaugeVec/HistogramVec set, one constructor) and
// tectonic-technologies-tectonic-chproxy's metrics.go for the
// server-level counter/gauge naming convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of collectors the pipeline updates.
type Metrics struct {
	ProxiesCheckedTotal    *prometheus.CounterVec
	CheckLatencySeconds    *prometheus.HistogramVec
	GeoLookupsTotal        *prometheus.CounterVec
	ClaimsTotal            *prometheus.CounterVec
	RelayConnectionsActive prometheus.Gauge
	RelayBytesTotal        *prometheus.CounterVec
	StageQueueDepth        *prometheus.GaugeVec
}

// New registers and returns the collector set against the default
// registry.
func New() *Metrics {
	return &Metrics{
		ProxiesCheckedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prxfinder_proxies_checked_total",
				Help: "Total number of proxy liveness checks performed, by outcome.",
			},
			[]string{"outcome"},
		),
		CheckLatencySeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prxfinder_check_latency_seconds",
				Help:    "Observed latency of successful proxy probes.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scheme"},
		),
		GeoLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prxfinder_geo_lookups_total",
				Help: "Total number of geo-IP lookups, by outcome.",
			},
			[]string{"outcome"},
		),
		ClaimsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prxfinder_claims_total",
				Help: "Total number of rescheduler claim attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		RelayConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "prxfinder_relay_connections_active",
				Help: "Number of TCP relay connections currently open.",
			},
		),
		RelayBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prxfinder_relay_bytes_total",
				Help: "Total bytes relayed, by direction.",
			},
			[]string{"direction"},
		),
		StageQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "prxfinder_stage_queue_depth",
				Help: "Current depth of each pipeline stage's input queue.",
			},
			[]string{"stage"},
		),
	}
}
