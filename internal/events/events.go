// Package events is the in-process fan-out between the ingestion
// pipeline and retention cleaner on one side, and the feed cache and
// metrics sink on the other (spec §4.5/§4.8's observers), implemented
// as plain Go channels rather than a broker — relaypod explicitly
// scopes out multi-node coordination, so nothing beyond a
// single-process pub/sub is needed.
package events

import (
	"log/slog"

	"relaypod/internal/feedcache"
	"relaypod/internal/metrics"
	"relaypod/internal/pipeline"
)

// Kind names the event categories the bus carries.
type Kind string

const (
	KindStage     Kind = "stage"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindDeleted   Kind = "deleted"
)

// Event is a single notification pushed onto the bus.
type Event struct {
	Kind      Kind
	ChannelID string
	ItemID    string
	Stage     pipeline.Stage
	Err       error
	BytesFreed int64
}

// Bus fans events out to every subscriber registered through
// Subscribe. It never blocks a publisher: a full subscriber channel drops
// the event rather than stalling the pipeline.
type Bus struct {
	subscribers []chan Event
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a new channel that receives every published
// event, and returns it for the caller to range over.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish fans out an event to every subscriber.
func (b *Bus) Publish(ev Event) {
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			slog.Warn("events: subscriber channel full, dropping event", "kind", ev.Kind, "item_id", ev.ItemID)
		}
	}
}

// PipelineObserver adapts a Bus to the pipeline.Observer interface, so
// the pipeline never needs to import events, feedcache, or metrics
// directly.
type PipelineObserver struct {
	bus *Bus
}

// NewPipelineObserver builds a pipeline.Observer backed by bus.
func NewPipelineObserver(bus *Bus) *PipelineObserver {
	return &PipelineObserver{bus: bus}
}

func (o *PipelineObserver) OnStage(channelID, itemID string, stage pipeline.Stage) {
	o.bus.Publish(Event{Kind: KindStage, ChannelID: channelID, ItemID: itemID, Stage: stage})
}

func (o *PipelineObserver) OnItemCompleted(channelID, itemID string) {
	o.bus.Publish(Event{Kind: KindCompleted, ChannelID: channelID, ItemID: itemID})
}

func (o *PipelineObserver) OnItemFailed(channelID, itemID string, err error) {
	o.bus.Publish(Event{Kind: KindFailed, ChannelID: channelID, ItemID: itemID, Err: err})
}

// OnItemDeleted implements retention.Notifier, publishing a deletion
// event for the cache invalidator and metrics recorder.
func (b *Bus) OnItemDeleted(channelID, itemID string, bytesFreed int64) {
	b.Publish(Event{Kind: KindDeleted, ChannelID: channelID, ItemID: itemID, BytesFreed: bytesFreed})
}

// RunCacheInvalidator consumes events from ch until it closes,
// invalidating the feed cache for any channel whose item completed or
// was deleted (spec §4.7: a channel's feed cache entries are
// invalidated when its item set changes).
func RunCacheInvalidator(ch <-chan Event, cache *feedcache.Cache) {
	for ev := range ch {
		switch ev.Kind {
		case KindCompleted, KindDeleted:
			cache.InvalidateChannel(ev.ChannelID)
		}
	}
}

// RunMetricsRecorder consumes events from ch until it closes, updating
// the metrics sink's counters accordingly.
func RunMetricsRecorder(ch <-chan Event, sink *metrics.Sink) {
	for ev := range ch {
		switch ev.Kind {
		case KindCompleted:
			sink.IncItemsTranscoded()
			sink.IncItemsDownloaded()
		case KindFailed:
			sink.IncItemsFailed()
		case KindDeleted:
			sink.IncItemsDeleted()
			sink.AddBytesFreed(ev.BytesFreed)
		}
	}
}
