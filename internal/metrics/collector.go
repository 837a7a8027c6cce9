// Package porymetrics exposes the daemon's Prometheus metrics.
package porymetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "porygon"
	subsystem = "daemon"
)

// Label names.
const (
	labelResult = "result"
	labelIP     = "ip"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Daemon Metrics
// -------------------------------------------------------------------------

// Collector holds all daemon Prometheus metrics.
//
// Designed around the two loops of the daemon:
//   - Sweep metrics: iteration counter, duration, live/known host gauges.
//   - Walk metrics: per-result counters, durations, and indexed file and
//     byte counters.
type Collector struct {
	// Scans counts completed sweep iterations.
	Scans prometheus.Counter

	// ScanDuration observes the wall time of each sweep.
	ScanDuration prometheus.Histogram

	// HostsOnline tracks the number of hosts live in the latest sweep.
	HostsOnline prometheus.Gauge

	// HostsKnown tracks the registry size after reconciliation.
	HostsKnown prometheus.Gauge

	// Walks counts finished walks, labeled by result.
	Walks *prometheus.CounterVec

	// WalkDuration observes the wall time of each walk.
	WalkDuration prometheus.Histogram

	// FilesIndexed and BytesIndexed count totals committed by successful
	// walks, labeled by host.
	FilesIndexed *prometheus.CounterVec
	BytesIndexed *prometheus.CounterVec
}

// NewCollector creates a Collector with all daemon metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "porygon_daemon_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Scans,
		c.ScanDuration,
		c.HostsOnline,
		c.HostsKnown,
		c.Walks,
		c.WalkDuration,
		c.FilesIndexed,
		c.BytesIndexed,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scans_total",
			Help:      "Total completed network sweep iterations.",
		}),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of each network sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		HostsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hosts_online",
			Help:      "Hosts that answered the latest sweep.",
		}),

		HostsKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "hosts_known",
			Help:      "Registry size after the latest reconciliation.",
		}),

		Walks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "walks_total",
			Help:      "Total finished host walks by result.",
		}, []string{labelResult}),

		WalkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "walk_duration_seconds",
			Help:      "Wall time of each host walk.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),

		FilesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "files_indexed_total",
			Help:      "Files committed to the index by successful walks.",
		}, []string{labelIP}),

		BytesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_indexed_total",
			Help:      "Bytes committed to the index by successful walks.",
		}, []string{labelIP}),
	}
}

// -------------------------------------------------------------------------
// Reporter hooks — called by the daemon
// -------------------------------------------------------------------------

// ScanFinished records one completed sweep.
func (c *Collector) ScanFinished(elapsed time.Duration, online, known int) {
	c.Scans.Inc()
	c.ScanDuration.Observe(elapsed.Seconds())
	c.HostsOnline.Set(float64(online))
	c.HostsKnown.Set(float64(known))
}

// WalkFinished records one finished walk. files and bytes are the totals
// of the committed snapshot; both are zero for failed walks.
func (c *Collector) WalkFinished(ip string, success bool, elapsed time.Duration, files, bytes int64) {
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	c.Walks.WithLabelValues(result).Inc()
	c.WalkDuration.Observe(elapsed.Seconds())

	if success {
		c.FilesIndexed.WithLabelValues(ip).Add(float64(files))
		c.BytesIndexed.WithLabelValues(ip).Add(float64(bytes))
	}
}
