// Package scheduler runs the periodic refresh loop (spec §4.4): on
// each non-overlapping tick, every enabled channel is enumerated,
// newly discovered items are persisted and enqueued, and the
// channel's last_refresh_at is updated.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"relaypod/internal/apperr"
	"relaypod/internal/fetcher"
	"relaypod/internal/model"
	"relaypod/internal/queue"
	"relaypod/internal/store"
)

// Scheduler owns the refresh ticker and per-channel fan-out.
type Scheduler struct {
	st       *store.Store
	q        *queue.Queue
	fetch    *fetcher.Fetcher
	interval time.Duration
	limiter  *rate.Limiter
	fanOut   int
}

// Config groups the Scheduler's construction parameters. fanOut bounds
// how many channels are enumerated concurrently per tick; rps
// throttles how fast enumeration calls are issued across all channels.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Fetcher  *fetcher.Fetcher
	Interval time.Duration
	FanOut   int
	RPS      float64
}

// New builds a Scheduler from Config.
func New(cfg Config) *Scheduler {
	fanOut := cfg.FanOut
	if fanOut < 1 {
		fanOut = 1
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	return &Scheduler{
		st:       cfg.Store,
		q:        cfg.Queue,
		fetch:    cfg.Fetcher,
		interval: cfg.Interval,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		fanOut:   fanOut,
	}
}

// Run ticks every interval until ctx is cancelled, running an
// immediate tick on start. Ticks never overlap: a slow tick simply
// delays the next one rather than stacking goroutines (spec §4.4
// "non-overlapping").
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Tick(ctx); err != nil {
		slog.Error("scheduler: initial tick failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("scheduler: tick failed", "error", err)
			}
		}
	}
}

// Tick runs one refresh pass over every enabled channel.
func (s *Scheduler) Tick(ctx context.Context) error {
	channels, err := s.st.Channels().List(ctx, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanOut)
	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			if err := s.refreshChannel(gctx, &ch); err != nil {
				slog.Error("scheduler: channel refresh failed", "channel_id", ch.ID, "error", err)
			}
			return nil // one channel's failure never aborts the others
		})
	}
	return g.Wait()
}

func (s *Scheduler) refreshChannel(ctx context.Context, ch *model.Channel) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	discovered, err := s.fetch.Enumerate(ctx, ch.URL)
	if err != nil {
		return err
	}

	window := candidacyWindow(discovered, ch.ResolvedEpisodeCount())

	added := 0
	for _, d := range window {
		if d.VideoID == "" {
			continue
		}
		item, created, err := s.upsertItem(ctx, ch, d)
		if err != nil {
			slog.Error("scheduler: failed to persist discovered item", "video_id", d.VideoID, "error", err)
			continue
		}
		if !created {
			continue
		}
		if _, err := s.q.Enqueue(ctx, item.ID, model.DefaultPriority); err != nil && !errors.Is(err, apperr.ErrAlreadyQueued) {
			slog.Error("scheduler: failed to enqueue item", "item_id", item.ID, "error", err)
			continue
		}
		added++
	}

	slog.Info("scheduler: channel refreshed", "channel_id", ch.ID, "discovered", len(discovered), "new_items", added)
	return s.st.Channels().SetLastRefresh(ctx, ch.ID, time.Now().UTC())
}

// candidacyWindow orders discovered items by external timestamp
// descending, with unparseable or missing timestamps sorted last, and
// returns only the first limit entries — the rolling window of
// candidacy (spec §4.4 step 2).
func candidacyWindow(discovered []fetcher.EnumeratedItem, limit int) []fetcher.EnumeratedItem {
	type dated struct {
		item fetcher.EnumeratedItem
		ts   *time.Time
	}
	sorted := make([]dated, len(discovered))
	for i, d := range discovered {
		sorted[i].item = d
		if t, err := time.Parse(time.RFC3339, d.PublishedAt); err == nil {
			sorted[i].ts = &t
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ts == nil {
			return false
		}
		if sorted[j].ts == nil {
			return true
		}
		return sorted[i].ts.After(*sorted[j].ts)
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	window := make([]fetcher.EnumeratedItem, len(sorted))
	for i, d := range sorted {
		window[i] = d.item
	}
	return window
}

// upsertItem returns the existing item for a video ID (deduping
// globally, per spec's resolved Open Question), or creates a new one.
func (s *Scheduler) upsertItem(ctx context.Context, ch *model.Channel, d fetcher.EnumeratedItem) (*model.Item, bool, error) {
	existing, err := s.st.Items().GetByVideoID(ctx, d.VideoID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, err
	}

	item := &model.Item{
		ID:           uuid.NewString(),
		ChannelID:    ch.ID,
		VideoID:      d.VideoID,
		Title:        d.Title,
		Description:  d.Description,
		ThumbnailURL: d.ThumbnailURL,
		DurationSecs: d.DurationSecs,
		Status:       model.ItemPending,
	}
	if t, perr := time.Parse(time.RFC3339, d.PublishedAt); perr == nil {
		item.PublishedAt = &t
	}
	if err := s.st.Items().Create(ctx, item); err != nil {
		if errors.Is(err, apperr.ErrAlreadyQueued) {
			// Lost a race with another tick; fetch what won.
			existing, gerr := s.st.Items().GetByVideoID(ctx, d.VideoID)
			return existing, false, gerr
		}
		return nil, false, err
	}
	return item, true, nil
}
