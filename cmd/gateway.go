package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/channels"
	"github.com/nextlevelbuilder/convlink/internal/channels/discord"
	"github.com/nextlevelbuilder/convlink/internal/channels/telegram"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/gateway"
	"github.com/nextlevelbuilder/convlink/internal/ingest"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the live gateway (channels, ingest pipeline, health and metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

func runGateway() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	completer, err := buildCompleter(cfg)
	if err != nil {
		return err
	}

	stores, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	msgBus := bus.New(cfg.Ingest.QueueSize)
	channelMgr := channels.NewManager(channels.NewOutboundLimiter(cfg.Ingest.OutboundRate, cfg.Ingest.OutboundBurst))
	registerChannels(channelMgr, cfg, msgBus)

	resolver := sessions.NewResolver(stores.Conversations, cfg.ContinuityWindow())
	pipeline := ingest.New(ingest.Config{
		Stores:    stores,
		Sessions:  resolver,
		Dedupe:    bus.NewDedupeCache(cfg.Dedupe.TTL.Std(), cfg.Dedupe.MaxEntries),
		Completer: completer,
		Platforms: channelMgr,
		Options:   ingest.OptionsFromConfig(cfg),
	})

	go func() {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			applyConfigReload(cfg, next, resolver)
		}); err != nil {
			slog.Warn("config watcher unavailable", "path", cfgPath, "error", err)
		}
	}()

	if err := channelMgr.StartAll(ctx); err != nil {
		return err
	}

	// In-flight events finish after a signal: the consumer drains the closed
	// bus with a context that outlives ctx.
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumeInboundEvents(context.WithoutCancel(ctx), msgBus, pipeline, cfg.Ingest.Workers)
	}()

	server := gateway.NewServer(cfg.Gateway, channelMgr, Version)
	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start(ctx) }()

	gatewayMode := "standalone"
	if cfg.IsManagedMode() {
		gatewayMode = "managed"
	}
	slog.Info("convlink gateway started",
		"version", Version,
		"mode", gatewayMode,
		"provider", completer.Name(),
		"channels", channelMgr.GetStatus(),
		"continuity_window", cfg.ContinuityWindow(),
		"workers", cfg.Ingest.Workers,
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("graceful shutdown initiated")
	case runErr = <-serverDone:
		slog.Error("gateway server stopped", "error", runErr)
		stop()
	}

	channelMgr.StopAll(context.Background())
	msgBus.Close()
	if err := <-consumerDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("consumer stopped with error", "error", err)
	}
	slog.Info("convlink gateway stopped")
	return runErr
}

// registerChannels adds every enabled channel with credentials. A channel
// that fails to initialize is logged and skipped.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel(tg)
			slog.Info("telegram channel enabled", "reactions", cfg.Channels.Telegram.ReactionsEnabled())
		}
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.RegisterChannel(dc)
			slog.Info("discord channel enabled")
		}
	}
}
