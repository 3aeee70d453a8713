// Command migrate applies relaypod's database schema and exits. Run
// it ahead of cmd/server or cmd/worker in fresh environments, or
// whenever a new migration lands.
package main

import (
	"context"
	"log/slog"
	"os"

	"relaypod/internal/config"
	"relaypod/internal/store"
)

func main() {
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	cfg := config.Load()

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("migration applied", "dsn", cfg.DatabaseDSN)
}
