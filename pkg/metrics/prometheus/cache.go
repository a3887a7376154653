// Package prometheus contains the Prometheus-backed implementations of the
// interfaces in pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/streamcache/pkg/metrics"
)

// cacheMetrics is the Prometheus implementation of metrics.CacheMetrics.
type cacheMetrics struct {
	transferAttempts  prometheus.Counter
	transferCompleted prometheus.Counter
	transferDuration  prometheus.Histogram
	transferFailed    *prometheus.CounterVec
	suspends          prometheus.Counter
	resumes           prometheus.Counter

	flushOperations prometheus.Counter
	flushBytes      prometheus.Histogram

	readOperations *prometheus.CounterVec
	readBytes      prometheus.Histogram
	readWait       *prometheus.HistogramVec
	pendingReads   prometheus.Gauge

	downloadedBytes prometheus.Gauge
	expectedBytes   prometheus.Gauge
}

// NewCacheMetrics creates a new Prometheus-backed CacheMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCacheMetrics() metrics.CacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		transferAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamcache_transfer_attempts_total",
			Help: "Total transfer attempts, counting each resume as a new attempt",
		}),
		transferCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamcache_transfer_completed_total",
			Help: "Total transfers that completed and passed size verification",
		}),
		transferDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "streamcache_transfer_duration_seconds",
			Help: "Wall time from transfer start to completion, across suspends",
			Buckets: []float64{
				0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800,
			},
		}),
		transferFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamcache_transfer_failed_total",
				Help: "Total terminal transfer failures by kind",
			},
			[]string{"kind"},
		),
		suspends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamcache_transfer_suspends_total",
			Help: "Total connectivity-driven suspends",
		}),
		resumes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamcache_transfer_resumes_total",
			Help: "Total resumes after a suspend",
		}),
		flushOperations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "streamcache_flush_operations_total",
			Help: "Total flushes of the in-flight buffer to disk",
		}),
		flushBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "streamcache_flush_bytes",
			Help: "Distribution of bytes per flush",
			Buckets: []float64{
				4096,    // 4KB
				16384,   // 16KB
				65536,   // 64KB - default flush threshold
				131072,  // 128KB
				524288,  // 512KB
				1048576, // 1MB
			},
		}),
		readOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamcache_read_operations_total",
				Help: "Total byte-range read requests by outcome",
			},
			[]string{"status"}, // "served", "rejected", "cancelled"
		),
		readBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "streamcache_read_bytes",
			Help: "Distribution of bytes delivered per read request",
			Buckets: []float64{
				4096,    // 4KB
				65536,   // 64KB
				262144,  // 256KB
				524288,  // 512KB - max chunk size
				1048576, // 1MB
				4194304, // 4MB
			},
		}),
		readWait: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "streamcache_read_wait_seconds",
				Help: "Time read requests waited before their bytes arrived",
				Buckets: []float64{
					0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60,
				},
			},
			[]string{"status"},
		),
		pendingReads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamcache_pending_reads",
			Help: "Read requests currently waiting for bytes beyond the persisted prefix",
		}),
		downloadedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamcache_downloaded_bytes",
			Help: "Bytes persisted for the active transfer",
		}),
		expectedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "streamcache_expected_bytes",
			Help: "Total size the origin declared, -1 when unknown",
		}),
	}
}

func (m *cacheMetrics) RecordTransferStarted() {
	m.transferAttempts.Inc()
}

func (m *cacheMetrics) RecordTransferCompleted(duration time.Duration) {
	m.transferCompleted.Inc()
	m.transferDuration.Observe(duration.Seconds())
}

func (m *cacheMetrics) RecordTransferFailed(kind string) {
	m.transferFailed.WithLabelValues(kind).Inc()
}

func (m *cacheMetrics) RecordSuspend() {
	m.suspends.Inc()
}

func (m *cacheMetrics) RecordResume() {
	m.resumes.Inc()
}

func (m *cacheMetrics) RecordFlush(bytes int64) {
	m.flushOperations.Inc()
	m.flushBytes.Observe(float64(bytes))
}

func (m *cacheMetrics) RecordRead(status string, bytes int64, duration time.Duration) {
	m.readOperations.WithLabelValues(status).Inc()
	if status == "served" {
		m.readBytes.Observe(float64(bytes))
	}
	m.readWait.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *cacheMetrics) SetPendingReads(n int) {
	m.pendingReads.Set(float64(n))
}

func (m *cacheMetrics) SetProgress(downloaded, expected int64) {
	m.downloadedBytes.Set(float64(downloaded))
	m.expectedBytes.Set(float64(expected))
}
