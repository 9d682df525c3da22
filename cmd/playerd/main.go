// SPDX-License-Identifier: MIT

// Command playerd is the signage player daemon: it pairs with the dashboard,
// caches playlist content locally and loops it on the attached display.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kioskly/playerd/internal/api"
	"github.com/kioskly/playerd/internal/cache"
	"github.com/kioskly/playerd/internal/config"
	"github.com/kioskly/playerd/internal/health"
	"github.com/kioskly/playerd/internal/identity"
	pdlog "github.com/kioskly/playerd/internal/log"
	"github.com/kioskly/playerd/internal/player"
	"github.com/kioskly/playerd/internal/protocol"
	"github.com/kioskly/playerd/internal/restart"
	"github.com/kioskly/playerd/internal/session"
	"github.com/kioskly/playerd/internal/surface"
	"github.com/kioskly/playerd/internal/telemetry"
	"github.com/kioskly/playerd/internal/transport"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	os.Exit(run())
}

func run() int {
	// Level falls back to LOG_LEVEL from the environment inside Configure.
	pdlog.Configure(pdlog.Config{
		Service: "playerd",
		Version: version,
	})
	logger := pdlog.WithComponent("daemon")

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids, err := identity.Open(cfg.DataDir, pdlog.WithComponent("identity"))
	if err != nil {
		logger.Error().Err(err).Msg("failed to open identity store")
		return 1
	}
	defer func() {
		if err := ids.Close(); err != nil {
			logger.Warn().Err(err).Msg("identity store close failed")
		}
	}()

	store, err := cache.New(cache.Config{
		Dir:         cfg.CacheDir,
		BudgetBytes: cfg.CacheBudgetBytes,
	}, pdlog.WithComponent("cache"))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create content cache")
		return 1
	}
	if err := store.Init(); err != nil {
		logger.Error().Err(err).Msg("failed to initialise content cache")
		return 1
	}
	if cfg.CacheWatch {
		if _, err := cache.NewWatcher(ctx, store); err != nil {
			// Playback still works without the watcher; stale entries are
			// healed lazily on lookup instead.
			logger.Warn().Err(err).Msg("cache watcher unavailable")
		}
	}

	link := transport.New(transport.Config{
		URL:               cfg.ServerURL,
		Backoff:           cfg.ReconnectBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, pdlog.WithComponent("transport"))
	go link.Run(ctx)

	notifier := telemetry.New(telemetry.Config{
		URL:      cfg.WebhookURL,
		Throttle: cfg.NotifyThrottle,
	}, pdlog.WithComponent("telemetry"))

	requester := restart.NewRequester(pdlog.WithComponent("restart"))
	requester.ScheduleDaily(ctx, cfg.RestartHour)

	factory := func(playlist []protocol.VideoSource) (session.Engine, error) {
		var eng *player.Engine
		surf := surface.New(surface.Config{
			Command: cfg.PlayerCommand,
			Dwell:   cfg.PlayerDwell,
		}, surface.Hooks{
			OnEnded: func() { eng.OnEnded() },
			OnError: func(err error) { eng.OnError(err) },
		}, pdlog.WithComponent("surface"))

		eng, err := player.New(player.Config{
			WatchdogTick:   cfg.WatchdogTick,
			StuckThreshold: cfg.StuckThreshold,
			EndDebounce:    cfg.EndDebounce,
			ErrorAdvance:   cfg.ErrorAdvance,
			SessionCeiling: cfg.SessionCeiling,
			LoopCeiling:    cfg.LoopCeiling,
		}, playlist, store, surf, pdlog.WithComponent("player"))
		if err != nil {
			return nil, err
		}
		return eng, nil
	}

	ctrl := session.New(link, ids, factory, requester.Request, notifier, pdlog.WithComponent("session"))
	ctrlDone := make(chan error, 1)
	go func() { ctrlDone <- ctrl.Run(ctx) }()

	// SIGCONT marks a return from suspension; playback progress tracking is
	// reset so the watchdog does not count the pause as a stall.
	fg := make(chan os.Signal, 1)
	signal.Notify(fg, syscall.SIGCONT)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-fg:
				logger.Info().Msg("foreground signal received")
				ctrl.OnForeground()
			}
		}
	}()

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(cacheDirChecker(cfg.CacheDir))
	healthMgr.RegisterChecker(health.CheckerFunc{
		CheckName: "dashboard-link",
		Fn: func(context.Context) health.CheckResult {
			if !link.Connected() {
				// Reconnection is automatic; degraded, not dead.
				return health.CheckResult{Status: health.StatusDegraded, Message: "dashboard disconnected"}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})
	apiSrv := api.New(cfg.ListenAddr, ctrl, store, healthMgr, pdlog.WithComponent("api"))
	apiDone := make(chan error, 1)
	go func() { apiDone <- apiSrv.Run(ctx) }()

	logger.Info().
		Str("server", cfg.ServerURL).
		Str("cache_dir", cfg.CacheDir).
		Int64("cache_budget", cfg.CacheBudgetBytes).
		Msg("playerd running")

	select {
	case reason := <-requester.Requests():
		logger.Warn().Str("reason", reason).Msg("restarting process")
		stop()
		<-ctrlDone
		<-apiDone
		return restart.ExitCodeRestart

	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		<-ctrlDone
		<-apiDone
		return 0

	case err := <-apiDone:
		if err != nil {
			logger.Error().Err(err).Msg("operator API failed")
			return 1
		}
		return 0
	}
}

func cacheDirChecker(dir string) health.Checker {
	return health.CheckerFunc{
		CheckName: "cache-dir",
		Fn: func(ctx context.Context) health.CheckResult {
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				return health.CheckResult{Status: health.StatusUnhealthy, Message: "cache directory missing"}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	}
}
