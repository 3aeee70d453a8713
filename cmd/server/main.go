// Command server runs relaypod's HTTP surface: per-channel and
// combined feeds, static media serving, health/metrics, and the
// read-only admin API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaypod/internal/config"
	"relaypod/internal/feedcache"
	"relaypod/internal/httpapi"
	"relaypod/internal/metrics"
	"relaypod/internal/queue"
	"relaypod/internal/store"
)

func main() {
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

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

	srv := httpapi.New(httpapi.Config{
		Port:      cfg.HTTPPort,
		BaseURL:   cfg.BaseURL,
		FeedPath:  cfg.FeedPath,
		MediaRoot: cfg.DownloadDir,
		Store:     st,
		Queue:     queue.New(st),
		Cache:     feedcache.New(5 * time.Minute),
		Metrics:   metrics.New(),
	})

	go func() {
		slog.Info("server started", "port", cfg.HTTPPort)
		if err := srv.Start(); err != nil && err.Error() != "http: Server closed" {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	select {
	case sig := <-sigChan:
		slog.Info("received signal, shutting down gracefully", "signal", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited gracefully")
}
