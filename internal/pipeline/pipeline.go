// Package pipeline orchestrates a single item through the ingestion
// stages spec §4.5 defines: Starting, Downloading, Transcoding,
// Cleanup, Completed — fetching source media, transcoding it into the
// channel's configured formats, and persisting the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"relaypod/internal/apperr"
	"relaypod/internal/coordinator"
	"relaypod/internal/fetcher"
	"relaypod/internal/model"
	"relaypod/internal/queue"
	"relaypod/internal/store"
	"relaypod/internal/transcoder"
)

// Stage names an ingestion step, used only for logging/events — the
// durable state lives on Item.Status and QueueEntry.Status.
type Stage string

const (
	StageStarting    Stage = "starting"
	StageDownloading Stage = "downloading"
	StageTranscoding Stage = "transcoding"
	StageCleanup     Stage = "cleanup"
	StageCompleted   Stage = "completed"
)

// idlePollInterval is how long Run waits before re-checking the queue
// after finding it empty.
const idlePollInterval = 2 * time.Second

// Observer receives stage transitions for an item, so the event bus
// (C12) can fan them out to the feed cache and metrics without the
// pipeline importing either.
type Observer interface {
	OnStage(channelID, itemID string, stage Stage)
	OnItemCompleted(channelID, itemID string)
	OnItemFailed(channelID, itemID string, err error)
}

// noopObserver is used when the pipeline is constructed without one.
type noopObserver struct{}

func (noopObserver) OnStage(string, string, Stage)      {}
func (noopObserver) OnItemCompleted(string, string)     {}
func (noopObserver) OnItemFailed(string, string, error) {}

// Pipeline wires the fetcher, transcoder, store, queue, and
// concurrency coordinator into the per-item ingestion flow.
type Pipeline struct {
	st           *store.Store
	q            *queue.Queue
	fetch        *fetcher.Fetcher
	transcode    *transcoder.Transcoder
	coord        *coordinator.Coordinator
	downloadDir  string
	tempDir      string
	audioBitrate string
	audioSample  string
	videoCodec   string
	videoQuality string
	observer     Observer
}

// Config groups the Pipeline's construction parameters.
type Config struct {
	Store        *store.Store
	Queue        *queue.Queue
	Fetcher      *fetcher.Fetcher
	Transcoder   *transcoder.Transcoder
	Coordinator  *coordinator.Coordinator
	DownloadDir  string
	TempDir      string
	AudioBitrate string
	AudioSample  string
	VideoCodec   string
	VideoQuality string
	Observer     Observer
}

// New builds a Pipeline from Config.
func New(cfg Config) *Pipeline {
	obs := cfg.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	return &Pipeline{
		st:           cfg.Store,
		q:            cfg.Queue,
		fetch:        cfg.Fetcher,
		transcode:    cfg.Transcoder,
		coord:        cfg.Coordinator,
		downloadDir:  cfg.DownloadDir,
		tempDir:      cfg.TempDir,
		audioBitrate: cfg.AudioBitrate,
		audioSample:  cfg.AudioSample,
		videoCodec:   cfg.VideoCodec,
		videoQuality: cfg.VideoQuality,
		observer:     obs,
	}
}

// ProcessEntry runs a single queue entry end to end: it claims a
// coordinator permit, fetches and transcodes the item's source media
// per the owning channel's feed type, and reports success or failure
// back to the queue (spec §4.5).
func (p *Pipeline) ProcessEntry(ctx context.Context, entryID string) error {
	entry, err := p.q.Get(ctx, entryID)
	if err != nil {
		return err
	}
	item, err := p.st.Items().Get(ctx, entry.ItemID)
	if err != nil {
		return err
	}
	channel, err := p.st.Channels().Get(ctx, item.ChannelID)
	if err != nil {
		return err
	}

	p.observer.OnStage(channel.ID, item.ID, StageStarting)

	release, err := p.coord.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	runErr := p.runStages(ctx, channel, item)
	if runErr != nil {
		p.observer.OnItemFailed(channel.ID, item.ID, runErr)
		errMsg := runErr.Error()
		if stErr := p.st.Items().UpdateStatus(ctx, item.ID, model.ItemFailed, &errMsg); stErr != nil {
			slog.Error("pipeline: failed to record item failure", "item_id", item.ID, "error", stErr)
		}
		if qErr := p.q.MarkFailed(ctx, entryID, runErr); qErr != nil {
			slog.Error("pipeline: failed to mark queue entry failed", "entry_id", entryID, "error", qErr)
		}
		return runErr
	}

	p.observer.OnStage(channel.ID, item.ID, StageCompleted)
	p.observer.OnItemCompleted(channel.ID, item.ID)
	return p.q.MarkCompleted(ctx, entryID)
}

func (p *Pipeline) runStages(ctx context.Context, channel *model.Channel, item *model.Item) error {
	if err := p.st.Items().UpdateStatus(ctx, item.ID, model.ItemDownloading, nil); err != nil {
		return err
	}
	p.observer.OnStage(channel.ID, item.ID, StageDownloading)

	srcPath := filepath.Join(p.tempDir, item.ID+".src")
	if err := p.fetch.Fetch(ctx, item.VideoID, srcPath); err != nil {
		return err
	}
	defer os.Remove(srcPath)

	if err := p.st.Items().UpdateStatus(ctx, item.ID, model.ItemProcessing, nil); err != nil {
		return err
	}
	p.observer.OnStage(channel.ID, item.ID, StageTranscoding)

	channelDir := filepath.Join(p.downloadDir, channel.ID)
	if channel.FeedType == model.FeedAudio || channel.FeedType == model.FeedBoth {
		if err := p.transcodeAudio(ctx, channelDir, item, srcPath); err != nil {
			return err
		}
	}
	if channel.FeedType == model.FeedVideo || channel.FeedType == model.FeedBoth {
		if err := p.transcodeVideo(ctx, channelDir, item, srcPath); err != nil {
			return err
		}
	}

	p.observer.OnStage(channel.ID, item.ID, StageCleanup)
	return p.st.Items().UpdateStatus(ctx, item.ID, model.ItemCompleted, nil)
}

func (p *Pipeline) transcodeAudio(ctx context.Context, channelDir string, item *model.Item, srcPath string) error {
	dir := filepath.Join(channelDir, "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &apperr.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	destPath := filepath.Join(dir, item.VideoID+".mp3")
	if err := p.transcode.TranscodeAudio(ctx, srcPath, destPath, p.audioBitrate, p.audioSample); err != nil {
		return err
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return &apperr.IOError{Op: "stat", Path: destPath, Err: err}
	}
	// Stored relative to downloadDir, the root the feed/media server
	// and retention cleaner both resolve enclosure paths against.
	relPath := filepath.Join(item.ChannelID, "audio", item.VideoID+".mp3")
	return p.st.Items().SetAudioArtifact(ctx, item.ID, relPath, info.Size())
}

func (p *Pipeline) transcodeVideo(ctx context.Context, channelDir string, item *model.Item, srcPath string) error {
	dir := filepath.Join(channelDir, "video")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &apperr.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	destPath := filepath.Join(dir, item.VideoID+".mp4")
	if err := p.transcode.TranscodeVideo(ctx, srcPath, destPath, p.videoCodec, p.videoQuality); err != nil {
		return err
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return &apperr.IOError{Op: "stat", Path: destPath, Err: err}
	}
	relPath := filepath.Join(item.ChannelID, "video", item.VideoID+".mp4")
	return p.st.Items().SetVideoArtifact(ctx, item.ID, relPath, info.Size())
}

// Run drains the queue continuously until ctx is cancelled, processing
// one entry at a time per coordinator permit (callers typically invoke
// this from several goroutines up to the coordinator's capacity).
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry, err := p.q.NextPending(ctx)
		if errors.Is(err, apperr.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePollInterval):
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("pipeline: next_pending: %w", err)
		}

		if err := p.ProcessEntry(ctx, entry.ID); err != nil {
			slog.Error("pipeline: entry processing failed", "entry_id", entry.ID, "error", err)
		}
	}
}
