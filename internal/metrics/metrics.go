// Package metrics provides Prometheus metrics for hamstore.
package metrics

import (
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for hamstore.
type Metrics struct {
	// Page cache metrics
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	PagesFetchedTotal  prometheus.Counter
	PagesFlushedTotal  prometheus.Counter
	PagesPurgedTotal   prometheus.Counter
	CacheBytesInUse    prometheus.Gauge
	PageTypeCountTotal *prometheus.CounterVec

	// Freelist metrics
	FreelistFreeBytes        prometheus.Gauge
	FreelistAllocationsTotal *prometheus.CounterVec
	FreelistFragmentedRuns   prometheus.Gauge

	// Blob manager metrics
	BlobAllocationsTotal prometheus.Counter
	BlobOverwritesTotal  prometheus.Counter
	BlobFreesTotal       prometheus.Counter
	BlobBytesStored      prometheus.Gauge

	// WAL metrics
	WalAppendsTotal     *prometheus.CounterVec
	WalAppendDuration   prometheus.Histogram
	WalRotationsTotal   prometheus.Counter
	WalReplayedOpsTotal prometheus.Counter
	WalCurrentLSN       prometheus.Gauge

	// Environment metrics
	EnvUptimeSeconds prometheus.Gauge
	EnvStartTime     time.Time
	EnvPoisoned      prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against a
// fresh registry, so that multiple Environments (as in tests, which
// open several in one process) never collide on metric names.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		EnvStartTime: time.Now(),
	}

	m.CacheHitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_cache_hits_total",
		Help: "Total number of page cache hits",
	})
	m.CacheMissesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_cache_misses_total",
		Help: "Total number of page cache misses",
	})
	m.PagesFetchedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_pages_fetched_total",
		Help: "Total number of pages read from the device",
	})
	m.PagesFlushedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_pages_flushed_total",
		Help: "Total number of dirty pages flushed to the device",
	})
	m.PagesPurgedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_pages_purged_total",
		Help: "Total number of pages evicted from the cache",
	})
	m.CacheBytesInUse = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_cache_bytes_in_use",
		Help: "Current number of bytes held by cached pages",
	})
	m.PageTypeCountTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hamstore_page_type_allocations_total",
			Help: "Total number of page allocations by type",
		},
		[]string{"type"},
	)

	m.FreelistFreeBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_freelist_free_bytes",
		Help: "Current number of free bytes tracked by the freelist",
	})
	m.FreelistAllocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hamstore_freelist_allocations_total",
			Help: "Total number of freelist allocations",
		},
		[]string{"granularity"},
	)
	m.FreelistFragmentedRuns = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_freelist_fragmented_runs",
		Help: "Current number of distinct free runs tracked by the freelist",
	})

	m.BlobAllocationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_blob_allocations_total",
		Help: "Total number of blob allocations",
	})
	m.BlobOverwritesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_blob_overwrites_total",
		Help: "Total number of blob overwrites",
	})
	m.BlobFreesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_blob_frees_total",
		Help: "Total number of blob frees",
	})
	m.BlobBytesStored = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_blob_bytes_stored",
		Help: "Current number of bytes occupied by live blobs",
	})

	m.WalAppendsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hamstore_wal_appends_total",
			Help: "Total number of WAL entries appended, by kind",
		},
		[]string{"kind"},
	)
	m.WalAppendDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "hamstore_wal_append_duration_seconds",
		Help:    "Duration of WAL append calls in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})
	m.WalRotationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_wal_rotations_total",
		Help: "Total number of WAL file rotations",
	})
	m.WalReplayedOpsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "hamstore_wal_replayed_ops_total",
		Help: "Total number of operations redone during WAL replay",
	})
	m.WalCurrentLSN = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_wal_current_lsn",
		Help: "Most recently assigned log sequence number",
	})

	m.EnvUptimeSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_env_uptime_seconds",
		Help: "Environment uptime in seconds",
	})
	m.EnvPoisoned = factory.NewGauge(prometheus.GaugeOpts{
		Name: "hamstore_env_poisoned",
		Help: "1 if the environment has been poisoned by a corruption error",
	})

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the environment uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.EnvUptimeSeconds.Set(time.Since(m.EnvStartTime).Seconds())
	}
}

// RecordCacheFetch records a page cache fetch, hit or miss.
func (m *Metrics) RecordCacheFetch(hit bool) {
	if hit {
		m.CacheHitsTotal.Inc()
	} else {
		m.CacheMissesTotal.Inc()
	}
}

// RecordPageAllocation records a page allocation by type.
func (m *Metrics) RecordPageAllocation(pageType string) {
	m.PageTypeCountTotal.WithLabelValues(pageType).Inc()
}

// RecordFreelistAllocation records a freelist allocation by granularity
// ("page" or "area").
func (m *Metrics) RecordFreelistAllocation(granularity string) {
	m.FreelistAllocationsTotal.WithLabelValues(granularity).Inc()
}

// RecordWalAppend records a WAL append by entry kind and duration.
func (m *Metrics) RecordWalAppend(kind string, duration time.Duration) {
	m.WalAppendsTotal.WithLabelValues(kind).Inc()
	m.WalAppendDuration.Observe(duration.Seconds())
}

func readValue(c prometheus.Metric) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	switch {
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	case out.Counter != nil:
		return out.Counter.GetValue()
	default:
		return 0
	}
}

// Snapshot returns a point-in-time read of the counters and gauges a
// human operator cares about, without standing up an HTTP /metrics
// endpoint to scrape them: cmd/hamcoreinfo prints this directly.
func (m *Metrics) Snapshot() map[string]float64 {
	return map[string]float64{
		"cache_hits_total":         readValue(m.CacheHitsTotal),
		"cache_misses_total":       readValue(m.CacheMissesTotal),
		"cache_bytes_in_use":       readValue(m.CacheBytesInUse),
		"freelist_free_bytes":      readValue(m.FreelistFreeBytes),
		"freelist_fragmented_runs": readValue(m.FreelistFragmentedRuns),
		"blob_bytes_stored":        readValue(m.BlobBytesStored),
		"wal_current_lsn":          readValue(m.WalCurrentLSN),
		"env_poisoned":             readValue(m.EnvPoisoned),
	}
}
