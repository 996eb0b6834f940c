package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/api"
	"github.com/copperline/foundry/internal/config"
	"github.com/copperline/foundry/internal/dispatch"
	"github.com/copperline/foundry/internal/event"
	"github.com/copperline/foundry/internal/gateway"
	"github.com/copperline/foundry/internal/pool"
	"github.com/copperline/foundry/internal/queue"
	"github.com/copperline/foundry/internal/relay"
	"github.com/copperline/foundry/internal/sandbox"
	"github.com/copperline/foundry/internal/store"
	"github.com/copperline/foundry/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Foundry scheduler...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/foundry.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: PostgreSQL, or in-memory for local development.
	var st store.Store
	if cfg.Database.Postgres.DSN != "" {
		pg, pgErr := store.NewPostgres(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		defer pg.Close()

		migrationsDir := cfg.Database.Postgres.MigrationsDir
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if mErr := pg.Migrate(ctx, migrationsDir); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		st = pg
	} else {
		logger.Warn("no postgres dsn configured, using in-memory store")
		st = store.NewMemory()
	}

	// Streaming relay with optional Redis fan-out across nodes.
	var bridge relay.Bridge
	if cfg.Database.Redis.Enabled && cfg.Database.Redis.URL != "" {
		rb, rbErr := relay.NewRedisBridge(cfg.Database.Redis.URL, logger)
		if rbErr != nil {
			logger.Warn("Redis unavailable, streaming stays node-local", zap.Error(rbErr))
		} else {
			defer rb.Close()
			bridge = rb
		}
	}
	rly := relay.New(st, bridge, cfg.Queue.FlushCount, cfg.Queue.FlushInterval.Std(), logger)
	go rly.Run(ctx)

	// Task queue and deadline reaper.
	q := queue.New(st, cfg.Queue.MaxRuntime.Std(), logger)
	reapInterval := cfg.Queue.ReapInterval.Std()
	if reapInterval <= 0 {
		reapInterval = 10 * time.Second
	}
	go q.RunReaper(ctx, reapInterval)

	// Warm pool, heartbeat GC, and autoscaler.
	pm := pool.NewManager(st, cfg.Pool.HeartbeatTTL.Std(), logger)
	gcInterval := cfg.Pool.GCInterval.Std()
	if gcInterval <= 0 {
		gcInterval = 5 * time.Second
	}
	go pm.RunGC(ctx, gcInterval)

	externalURL := cfg.Server.ExternalURL
	if externalURL == "" {
		externalURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	callbackURL := externalURL + "/api"

	profile := sandbox.Profile{
		Image:           cfg.Sandbox.Image,
		RunnerCommand:   cfg.Sandbox.RunnerCommand,
		RunAsUser:       cfg.Sandbox.RunAsUser,
		CPUMillis:       cfg.Sandbox.CPUMillis,
		MemoryMB:        cfg.Sandbox.MemoryMB,
		EphemeralMB:     cfg.Sandbox.EphemeralMB,
		ActiveDeadline:  cfg.Sandbox.ActiveDeadline.Std(),
		EgressAllowlist: cfg.Sandbox.EgressAllowlist,
		CallbackURL:     callbackURL,
		RegisterURL:     callbackURL + "/sandboxes/register",
	}
	launcher := sandbox.NewLauncher(sandbox.NewExecSubstrate(logger), profile, logger)

	scaler := pool.NewAutoscaler(pm, q.Depth, launcher, cfg.Pool.Min, cfg.Pool.Max, logger)
	scaleInterval := cfg.Pool.ScaleInterval.Std()
	if scaleInterval <= 0 {
		scaleInterval = 5 * time.Second
	}
	go scaler.Run(ctx, scaleInterval)

	// Dispatcher drains the queue into sandboxes.
	assigner := sandbox.NewHTTPAssigner(callbackURL, logger)
	dispatcherName := cfg.Queue.DispatcherName
	if dispatcherName == "" {
		dispatcherName, _ = os.Hostname()
	}
	disp := dispatch.New(dispatcherName, q, pm, launcher, assigner, st, logger)
	go disp.Run(ctx)

	// Workflow definitions and the event matcher.
	registry := workflow.NewRegistry(logger)
	if cfg.Workflows.Dir != "" {
		if err := registry.LoadDir(cfg.Workflows.Dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warn("workflows dir missing, starting with none",
					zap.String("dir", cfg.Workflows.Dir))
			} else {
				logger.Fatal("load workflows failed",
					zap.String("dir", cfg.Workflows.Dir), zap.Error(err))
			}
		}
	}
	matcher := event.NewMatcher(registry, st, q, logger)

	// Scheduled triggers.
	if len(cfg.Cron) > 0 {
		entries := make([]event.CronEntry, len(cfg.Cron))
		for i, c := range cfg.Cron {
			entries[i] = event.CronEntry{ID: c.ID, RepositoryID: c.RepositoryID, Spec: c.Spec}
		}
		cronSrc, cronErr := event.NewCronSource(matcher, entries, logger)
		if cronErr != nil {
			logger.Fatal("cron setup failed", zap.Error(cronErr))
		}
		cronSrc.Start()
		defer cronSrc.Stop()
		logger.Info("Cron schedules active", zap.Int("count", len(entries)))
	}

	// Chat gateway feeding user prompts into the matcher.
	gw := gateway.New(matcher, logger)
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		gw.Register(gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		gw.Register(gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger))
	}
	for _, b := range cfg.Gateway.Bindings {
		gw.Bind(b.Platform, b.ChannelID, b.RepositoryID)
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}
	defer gw.Close()

	// HTTP surface.
	handler := api.NewHandler(matcher, q, pm, rly, st, callbackURL, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		logger.Info("Foundry listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := rly.Flush(shutdownCtx); err != nil {
		logger.Error("final flush failed", zap.Error(err))
	}
	logger.Info("Foundry stopped")
}
