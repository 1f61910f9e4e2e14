package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/bootstrap"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("component", "prune-worker")
	slog.SetDefault(logger)
	logger.Info("prune-worker starting up", "env", cfg.Env, "interval", cfg.PruneInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("store connection error", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// pruning does not race reservations on a single key, the store is enough
	coord := booking.NewCoordinator(store, nil, cfg, logger, nil)

	// Run once at startup
	runOnce(rootCtx, coord, logger)

	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping prune worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, coord, logger)
		}
	}
}

// runOnce drops unbooked slots dated before today.
func runOnce(ctx context.Context, coord *booking.Coordinator, logger *slog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	today := booking.DateOf(time.Now().UTC())
	removed, err := coord.PruneAvailability(runCtx, today)
	if err != nil {
		logger.Error("prune run error", "error", err)
		return
	}
	logger.Info("prune run complete", "removed", removed, "before", today.String(), "duration", time.Since(start))
}
