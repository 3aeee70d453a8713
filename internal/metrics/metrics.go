// Package metrics tracks the atomic counters and gauges spec §4.8
// requires a consistent Snapshot over, and exposes them to Prometheus
// scraping via a thin prometheus.Collector adapter.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink holds relaypod's runtime counters. All fields are updated with
// atomic operations, so each counter can be read safely while workers
// are concurrently incrementing it.
type Sink struct {
	itemsDownloaded  atomic.Int64
	itemsTranscoded  atomic.Int64
	itemsFailed      atomic.Int64
	itemsRetried     atomic.Int64
	itemsDeleted     atomic.Int64
	bytesFreed       atomic.Int64
	queueDepth       atomic.Int64
	activeDownloads  atomic.Int64
	feedCacheHits    atomic.Int64
	feedCacheMisses  atomic.Int64
}

// New builds an empty Sink.
func New() *Sink {
	return &Sink{}
}

func (s *Sink) IncItemsDownloaded()        { s.itemsDownloaded.Add(1) }
func (s *Sink) IncItemsTranscoded()        { s.itemsTranscoded.Add(1) }
func (s *Sink) IncItemsFailed()            { s.itemsFailed.Add(1) }
func (s *Sink) IncItemsRetried()           { s.itemsRetried.Add(1) }
func (s *Sink) IncItemsDeleted()           { s.itemsDeleted.Add(1) }
func (s *Sink) AddBytesFreed(n int64)      { s.bytesFreed.Add(n) }
func (s *Sink) SetQueueDepth(n int64)      { s.queueDepth.Store(n) }
func (s *Sink) IncActiveDownloads()        { s.activeDownloads.Add(1) }
func (s *Sink) DecActiveDownloads()        { s.activeDownloads.Add(-1) }
func (s *Sink) IncFeedCacheHit()           { s.feedCacheHits.Add(1) }
func (s *Sink) IncFeedCacheMiss()          { s.feedCacheMisses.Add(1) }

// Snapshot holds one value per counter. Sink.Snapshot loads each
// counter atomically, one after another and without a lock across the
// set, so counters that change concurrently may be read at slightly
// different instants.
type Snapshot struct {
	ItemsDownloaded int64
	ItemsTranscoded int64
	ItemsFailed     int64
	ItemsRetried    int64
	ItemsDeleted    int64
	BytesFreed      int64
	QueueDepth      int64
	ActiveDownloads int64
	FeedCacheHits   int64
	FeedCacheMisses int64
}

// Snapshot reads every counter into a Snapshot value.
func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		ItemsDownloaded: s.itemsDownloaded.Load(),
		ItemsTranscoded: s.itemsTranscoded.Load(),
		ItemsFailed:     s.itemsFailed.Load(),
		ItemsRetried:    s.itemsRetried.Load(),
		ItemsDeleted:    s.itemsDeleted.Load(),
		BytesFreed:      s.bytesFreed.Load(),
		QueueDepth:      s.queueDepth.Load(),
		ActiveDownloads: s.activeDownloads.Load(),
		FeedCacheHits:   s.feedCacheHits.Load(),
		FeedCacheMisses: s.feedCacheMisses.Load(),
	}
}

// descriptors used by the Collector adapter below.
var (
	descItemsDownloaded = prometheus.NewDesc("relaypod_items_downloaded_total", "Items successfully downloaded", nil, nil)
	descItemsTranscoded = prometheus.NewDesc("relaypod_items_transcoded_total", "Items successfully transcoded", nil, nil)
	descItemsFailed      = prometheus.NewDesc("relaypod_items_failed_total", "Items that reached a terminal failure", nil, nil)
	descItemsRetried     = prometheus.NewDesc("relaypod_items_retried_total", "Queue entries that were retried", nil, nil)
	descItemsDeleted     = prometheus.NewDesc("relaypod_items_deleted_total", "Items removed by retention", nil, nil)
	descBytesFreed       = prometheus.NewDesc("relaypod_bytes_freed_total", "Bytes freed by retention", nil, nil)
	descQueueDepth       = prometheus.NewDesc("relaypod_queue_depth", "Current pending/retrying queue size", nil, nil)
	descActiveDownloads  = prometheus.NewDesc("relaypod_active_downloads", "Downloads currently in flight", nil, nil)
	descFeedCacheHits    = prometheus.NewDesc("relaypod_feed_cache_hits_total", "Feed cache hits", nil, nil)
	descFeedCacheMisses  = prometheus.NewDesc("relaypod_feed_cache_misses_total", "Feed cache misses", nil, nil)
)

// Collector adapts a Sink's Snapshot into Prometheus's pull model for
// the /metrics endpoint, without handing Prometheus direct access to
// the atomics (keeping Snapshot the single source of truth).
type Collector struct {
	sink *Sink
}

// NewCollector wraps sink as a prometheus.Collector.
func NewCollector(sink *Sink) *Collector {
	return &Collector{sink: sink}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descItemsDownloaded
	ch <- descItemsTranscoded
	ch <- descItemsFailed
	ch <- descItemsRetried
	ch <- descItemsDeleted
	ch <- descBytesFreed
	ch <- descQueueDepth
	ch <- descActiveDownloads
	ch <- descFeedCacheHits
	ch <- descFeedCacheMisses
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.sink.Snapshot()
	ch <- prometheus.MustNewConstMetric(descItemsDownloaded, prometheus.CounterValue, float64(snap.ItemsDownloaded))
	ch <- prometheus.MustNewConstMetric(descItemsTranscoded, prometheus.CounterValue, float64(snap.ItemsTranscoded))
	ch <- prometheus.MustNewConstMetric(descItemsFailed, prometheus.CounterValue, float64(snap.ItemsFailed))
	ch <- prometheus.MustNewConstMetric(descItemsRetried, prometheus.CounterValue, float64(snap.ItemsRetried))
	ch <- prometheus.MustNewConstMetric(descItemsDeleted, prometheus.CounterValue, float64(snap.ItemsDeleted))
	ch <- prometheus.MustNewConstMetric(descBytesFreed, prometheus.CounterValue, float64(snap.BytesFreed))
	ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(snap.QueueDepth))
	ch <- prometheus.MustNewConstMetric(descActiveDownloads, prometheus.GaugeValue, float64(snap.ActiveDownloads))
	ch <- prometheus.MustNewConstMetric(descFeedCacheHits, prometheus.CounterValue, float64(snap.FeedCacheHits))
	ch <- prometheus.MustNewConstMetric(descFeedCacheMisses, prometheus.CounterValue, float64(snap.FeedCacheMisses))
}
