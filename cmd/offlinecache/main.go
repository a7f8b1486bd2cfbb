// Package main starts the offlinecache server: the built catalog application served through the
// offline-first engine, plus the messaging channel and the catalog listing.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spdeepak/offlinecache/internal/app"
	"github.com/spdeepak/offlinecache/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		config.Exitf("Failed to load config: %v", err)
	}
	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		config.Exitf("Failed to configure logging: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		config.Exitf("Server error: %v", err)
	}
}
