package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/ingest"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
)

// consumeInboundEvents runs the worker pool that feeds channel events into
// the pipeline. It returns once the bus is closed and drained.
func consumeInboundEvents(ctx context.Context, msgBus *bus.MessageBus, pipeline *ingest.Pipeline, workers int) error {
	slog.Info("inbound event consumer started", "workers", workers)
	err := bus.RunConsumers(ctx, msgBus, workers, pipeline.Handle)
	slog.Info("inbound event consumer stopped")
	return err
}

// applyConfigReload swaps in a reloaded config. Only the continuity window
// takes effect without a restart.
func applyConfigReload(cfg *config.Config, next *config.Config, resolver *sessions.Resolver) {
	prev := cfg.ContinuityWindow()
	restartNeeded := next.Database != cfg.Database || next.Gateway != cfg.Gateway

	cfg.ReplaceFrom(next)
	resolver.SetContinuityWindow(cfg.ContinuityWindow())

	slog.Info("config reloaded",
		"continuity_window", cfg.ContinuityWindow(),
		"previous_window", prev,
		"hash", cfg.Hash(),
	)
	if restartNeeded {
		slog.Warn("config reload: database and gateway changes apply after a restart")
	}
}
