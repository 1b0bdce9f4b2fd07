// Package metrics is the process-wide statistics sink: cheap atomic
// counters bumped from the hot path, exposed both as an end-of-build
// summary and as a prometheus collector for long-running commands.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts what a build did. Constructed at startup and threaded into
// every component that reports; never a package global.
type Stats struct {
	ActionsQueued   atomic.Int64
	ActionsExecuted atomic.Int64
	ActionsCached   atomic.Int64
	ActionsFailed   atomic.Int64
	ActionsFlaky    atomic.Int64
	CacheMisses     atomic.Int64
	BytesUploaded   atomic.Int64
	BytesDownloaded atomic.Int64
}

// New returns a zeroed sink.
func New() *Stats {
	return &Stats{}
}

// Collector adapts the sink for a prometheus registry.
func (s *Stats) Collector() prometheus.Collector {
	return &collector{stats: s}
}

type collector struct {
	stats *Stats
}

var (
	descQueued   = prometheus.NewDesc("anvil_actions_queued_total", "Actions enqueued for processing.", nil, nil)
	descExecuted = prometheus.NewDesc("anvil_actions_executed_total", "Actions executed (not served from cache).", nil, nil)
	descCached   = prometheus.NewDesc("anvil_actions_cached_total", "Actions served from the action cache.", nil, nil)
	descFailed   = prometheus.NewDesc("anvil_actions_failed_total", "Actions that finished unsuccessfully.", nil, nil)
	descFlaky    = prometheus.NewDesc("anvil_actions_flaky_total", "Actions with outputs differing between runs.", nil, nil)
	descMisses   = prometheus.NewDesc("anvil_rebuild_cache_misses_total", "Rebuild comparisons without a cached counterpart.", nil, nil)
	descUp       = prometheus.NewDesc("anvil_bytes_uploaded_total", "Source artifact bytes uploaded to the execution backend.", nil, nil)
	descDown     = prometheus.NewDesc("anvil_bytes_downloaded_total", "Blob bytes downloaded from remote endpoints.", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueued
	ch <- descExecuted
	ch <- descCached
	ch <- descFailed
	ch <- descFlaky
	ch <- descMisses
	ch <- descUp
	ch <- descDown
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	emit := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	emit(descQueued, c.stats.ActionsQueued.Load())
	emit(descExecuted, c.stats.ActionsExecuted.Load())
	emit(descCached, c.stats.ActionsCached.Load())
	emit(descFailed, c.stats.ActionsFailed.Load())
	emit(descFlaky, c.stats.ActionsFlaky.Load())
	emit(descMisses, c.stats.CacheMisses.Load())
	emit(descUp, c.stats.BytesUploaded.Load())
	emit(descDown, c.stats.BytesDownloaded.Load())
}
