package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WatchStats provides the metrics collector access to live watcher
// counters.
type WatchStats interface {
	Seen() int64
	Processed() int64
	Failed() int64
}

// CacheStats reports how many entries each cache stage holds.
type CacheStats interface {
	EntryCounts() map[string]int
}

// Collector implements prometheus.Collector to read live values at scrape time.
type Collector struct {
	caches CacheStats
	watch  WatchStats

	// Descriptors for scrape-time metrics.
	cacheEntries   *prometheus.Desc
	filesSeen      *prometheus.Desc
	filesProcessed *prometheus.Desc
	filesFailed    *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// caches may be nil (entry counts are omitted). watch may be nil when no
// watch directory is configured (watcher metrics report 0).
func NewCollector(caches CacheStats, watch WatchStats) *Collector {
	return &Collector{
		caches: caches,
		watch:  watch,
		cacheEntries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cache_entries"),
			"Current number of cache entries per stage.",
			[]string{"stage"}, nil,
		),
		filesSeen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "watcher", "files_seen"),
			"Audio files noticed in the watch directory.",
			nil, nil,
		),
		filesProcessed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "watcher", "files_processed"),
			"Watched files processed to completion.",
			nil, nil,
		),
		filesFailed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "watcher", "files_failed"),
			"Watched files whose processing failed.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.filesSeen
	ch <- c.filesProcessed
	ch <- c.filesFailed
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	// Cache stats
	if c.caches != nil {
		for stage, n := range c.caches.EntryCounts() {
			ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(n), stage)
		}
	}

	// Watcher stats
	if c.watch != nil {
		ch <- prometheus.MustNewConstMetric(c.filesSeen, prometheus.CounterValue, float64(c.watch.Seen()))
		ch <- prometheus.MustNewConstMetric(c.filesProcessed, prometheus.CounterValue, float64(c.watch.Processed()))
		ch <- prometheus.MustNewConstMetric(c.filesFailed, prometheus.CounterValue, float64(c.watch.Failed()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.filesSeen, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.filesProcessed, prometheus.CounterValue, 0)
		ch <- prometheus.MustNewConstMetric(c.filesFailed, prometheus.CounterValue, 0)
	}
}
