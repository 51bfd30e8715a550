package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tokenwatch/tokenwatch/internal/capability"
	"github.com/tokenwatch/tokenwatch/internal/config"
	"github.com/tokenwatch/tokenwatch/internal/eventbus"
	"github.com/tokenwatch/tokenwatch/internal/health"
	"github.com/tokenwatch/tokenwatch/internal/ipc"
	"github.com/tokenwatch/tokenwatch/internal/plugin"
	"github.com/tokenwatch/tokenwatch/internal/plugin/loader"
	"github.com/tokenwatch/tokenwatch/internal/pluginlog"
	"github.com/tokenwatch/tokenwatch/internal/reliability"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin runtime core and its IPC dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.PluginsRoot); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.PluginsRoot, 0o755); err != nil {
			return err
		}
	}

	ld, err := loader.NewLoader(cfg.PluginsRoot, loader.WithLogger(logger))
	if err != nil {
		return err
	}

	bus := eventbus.NewBus()
	healthRegistry := health.NewRegistry()
	manager := plugin.NewManager(ld, bus, healthRegistry, logger)

	if err := manager.Discover(); err != nil {
		logger.Error("initial plugin discovery failed", "error", err)
	}

	schedulerOpts := []reliability.SchedulerOption{
		reliability.WithCapacity(cfg.Reliability.SchedulerCapacity),
		reliability.WithLogger(logger),
	}
	if cfg.Reliability.SchedulerWorkers > 0 {
		schedulerOpts = append(schedulerOpts, reliability.WithWorkers(cfg.Reliability.SchedulerWorkers))
	}
	scheduler := reliability.NewScheduler(schedulerOpts...)
	defer scheduler.Shutdown()

	rateLimiter := reliability.NewRateLimiter(logger,
		reliability.BucketConfig{Capacity: cfg.Reliability.RateLimitGlobal.Capacity, RefillPerSecond: cfg.Reliability.RateLimitGlobal.RefillPerSecond},
		reliability.BucketConfig{Capacity: cfg.Reliability.RateLimitPerPlugin.Capacity, RefillPerSecond: cfg.Reliability.RateLimitPerPlugin.RefillPerSecond},
	)

	cache := reliability.NewCache()
	fetchClient := capability.NewFetchClient()
	storage := capability.NewStorage()
	timers := capability.NewTimerRegistry(0)
	retryCfg := reliability.RetryConfig{
		Base:     cfg.Reliability.RetryBase,
		Max:      cfg.Reliability.RetryMax,
		Jitter:   cfg.Reliability.RetryJitter,
		Attempts: cfg.Reliability.RetryAttempts,
	}
	runner := plugin.NewRunner(manager, fetchClient, storage, cache, timers, bus, pluginlog.Global(),
		plugin.WithScheduler(scheduler),
		plugin.WithRateLimiter(rateLimiter),
		plugin.WithHealthRegistry(healthRegistry),
		plugin.WithRetryConfig(retryCfg),
	)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), cfg.Sandbox.WallClock)
	for _, rec := range manager.List() {
		if rec.Manifest == nil {
			continue
		}
		if err := runner.Load(loadCtx, rec.Manifest.ID); err != nil {
			logger.Warn("plugin: on_load failed", "plugin_id", rec.Manifest.ID, "error", err)
			_ = manager.MarkFailed(rec.Manifest.ID, err)
		}
	}
	loadCancel()

	dispatcher := ipc.NewDispatcher(bus)
	ipc.RegisterCommands(dispatcher, &managerCore{manager: manager, runner: runner}, healthRegistry, pluginlog.Global())

	if err := ld.WatchDir(func(pluginID string) {
		watchCtx, watchCancel := context.WithTimeout(context.Background(), cfg.Sandbox.WallClock)
		defer watchCancel()

		if _, known := manager.Get(pluginID); known {
			if err := manager.Reload(watchCtx, pluginID); err != nil {
				logger.Warn("plugin: hot-reload failed", "plugin_id", pluginID, "error", err)
				return
			}
			runner.InvalidateEngine(pluginID)
			logger.Info("plugin: hot-reloaded", "plugin_id", pluginID)
			return
		}
		if err := manager.Discover(); err != nil {
			logger.Warn("plugin: discovery after directory change failed", "error", err)
		}
	}); err != nil {
		logger.Warn("plugin: directory watch disabled", "error", err)
	}
	defer ld.Close()

	logger.Info("tokenwatchd started", "plugins_root", cfg.PluginsRoot)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("tokenwatchd shutting down")
	return nil
}
