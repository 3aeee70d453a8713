// Command worker runs relaypod's background ingestion side: the
// refresh scheduler, the download/transcode pipeline, and the
// retention cleaner, all sharing one store and concurrency coordinator.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"relaypod/internal/config"
	"relaypod/internal/coordinator"
	"relaypod/internal/events"
	"relaypod/internal/fetcher"
	"relaypod/internal/metrics"
	"relaypod/internal/pipeline"
	"relaypod/internal/queue"
	"relaypod/internal/retention"
	"relaypod/internal/scheduler"
	"relaypod/internal/store"
	"relaypod/internal/transcoder"
)

func main() {
	// Initialize structured logging with JSON handler
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg := config.Load()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		slog.Error("failed to migrate store", "error", err)
		os.Exit(1)
	}

	q := queue.New(st)
	coord := coordinator.New(cfg.MaxConcurrentDownloads)
	bus := events.New()
	sink := metrics.New()
	go events.RunMetricsRecorder(bus.Subscribe(64), sink)

	fetch := fetcher.New(cfg.FetcherBinary, cfg.FetchTimeout)
	transcode := transcoder.New(cfg.TranscoderBinary, cfg.TranscodeTimeout)

	pipe := pipeline.New(pipeline.Config{
		Store:        st,
		Queue:        q,
		Fetcher:      fetch,
		Transcoder:   transcode,
		Coordinator:  coord,
		DownloadDir:  cfg.DownloadDir,
		TempDir:      cfg.TempDir,
		AudioBitrate: cfg.AudioBitrate,
		AudioSample:  cfg.AudioSampleRate,
		VideoCodec:   cfg.VideoCodec,
		VideoQuality: cfg.VideoQuality,
		Observer:     events.NewPipelineObserver(bus),
	})

	sched := scheduler.New(scheduler.Config{
		Store:    st,
		Queue:    q,
		Fetcher:  fetch,
		Interval: cfg.RefreshInterval,
		FanOut:   cfg.MaxConcurrentDownloads,
		RPS:      1,
	})

	cleaner := retention.New(st, cfg.DownloadDir, cfg.RefreshInterval, bus)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.MaxConcurrentDownloads; i++ {
		g.Go(func() error { return pipe.Run(gctx) })
	}
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return cleaner.Run(gctx) })

	slog.Info("worker started", "concurrency", cfg.MaxConcurrentDownloads, "refresh_interval", cfg.RefreshInterval)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("worker exited gracefully")
}
