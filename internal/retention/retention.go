// Package retention enforces each channel's rolling episode-count
// window (spec §4.8): items beyond the configured keep count have
// their media files removed from disk and are moved to ItemDeleted.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relaypod/internal/model"
	"relaypod/internal/store"
)

// Notifier receives a notification each time an item's artifacts are
// removed, so the event bus can invalidate caches and update metrics
// without the cleaner importing either.
type Notifier interface {
	OnItemDeleted(channelID, itemID string, bytesFreed int64)
}

type noopNotifier struct{}

func (noopNotifier) OnItemDeleted(string, string, int64) {}

// Cleaner walks every channel on an interval and trims items beyond
// the channel's resolved episode count.
type Cleaner struct {
	st        *store.Store
	mediaRoot string
	interval  time.Duration
	notifier  Notifier
}

// New builds a Cleaner. notifier may be nil. mediaRoot is the root
// stored artifact paths are relative to (the pipeline's download dir).
func New(st *store.Store, mediaRoot string, interval time.Duration, notifier Notifier) *Cleaner {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Cleaner{st: st, mediaRoot: mediaRoot, interval: interval, notifier: notifier}
}

// Run sweeps every interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				slog.Error("retention: sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one retention pass over every channel, returning the
// total bytes freed.
func (c *Cleaner) Sweep(ctx context.Context) (int64, error) {
	channels, err := c.st.Channels().List(ctx, false)
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, ch := range channels {
		n, err := c.sweepChannel(ctx, &ch)
		if err != nil {
			slog.Error("retention: channel sweep failed", "channel_id", ch.ID, "error", err)
			continue
		}
		freed += n
	}
	return freed, nil
}

func (c *Cleaner) sweepChannel(ctx context.Context, ch *model.Channel) (int64, error) {
	candidates, err := c.st.Items().ListRetentionCandidates(ctx, ch.ID, ch.ResolvedEpisodeCount())
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, it := range candidates {
		n := c.deleteArtifacts(&it)
		if err := c.st.Items().MarkDeleted(ctx, it.ID); err != nil {
			slog.Error("retention: failed to mark item deleted", "item_id", it.ID, "error", err)
			continue
		}
		freed += n
		c.notifier.OnItemDeleted(ch.ID, it.ID, n)
		slog.Info("retention: item removed", "channel_id", ch.ID, "item_id", it.ID, "bytes_freed", n)
	}
	return freed, nil
}

// deleteArtifacts removes an item's on-disk media — audio, video, and
// (if it was actually downloaded rather than a remote URL) thumbnail —
// logging but not failing on a single file's removal error (mirrors
// the "diff against keep-set, delete the rest, log-and-continue" shape
// used throughout relaypod's cleanup paths). Freed bytes are summed
// from the item's recorded file sizes, not from re-statting the file,
// so a file already missing from disk is still accounted for.
func (c *Cleaner) deleteArtifacts(it *model.Item) int64 {
	var freed int64
	if it.FilePathAudio != nil {
		freed += sizeOf(it.FileSizeAudio)
		if err := c.removeFile(*it.FilePathAudio); err != nil {
			slog.Warn("retention: failed to delete audio file", "path", *it.FilePathAudio, "error", err)
		}
	}
	if it.FilePathVideo != nil {
		freed += sizeOf(it.FileSizeVideo)
		if err := c.removeFile(*it.FilePathVideo); err != nil {
			slog.Warn("retention: failed to delete video file", "path", *it.FilePathVideo, "error", err)
		}
	}
	if isLocalThumbnail(it.ThumbnailURL) {
		if err := c.removeFile(it.ThumbnailURL); err != nil {
			slog.Warn("retention: failed to delete thumbnail file", "path", it.ThumbnailURL, "error", err)
		}
	}
	return freed
}

func sizeOf(size *int64) int64 {
	if size == nil {
		return 0
	}
	return *size
}

// isLocalThumbnail reports whether a thumbnail is a storage-relative
// path rather than an absolute http(s) URL (spec §4.8 "thumbnail only
// if it's a storage-relative path").
func isLocalThumbnail(thumbnailURL string) bool {
	if thumbnailURL == "" {
		return false
	}
	return !strings.HasPrefix(thumbnailURL, "http://") && !strings.HasPrefix(thumbnailURL, "https://")
}

func (c *Cleaner) removeFile(relOrAbsPath string) error {
	path := relOrAbsPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.mediaRoot, path)
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}
