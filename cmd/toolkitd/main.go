package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hal-o-swarm/odoo-toolkit/internal/config"
	"github.com/hal-o-swarm/odoo-toolkit/internal/notify"
	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
	"github.com/hal-o-swarm/odoo-toolkit/internal/server"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "./toolkit.config.json", "path to toolkit config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadToolkitConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	sessionOpts := []odoo.Option{
		odoo.WithRequestTimeout(cfg.RPC.RequestTimeout()),
		odoo.WithLogger(logger),
	}
	executor, err := sqlrunner.NewExecutor(sqlrunner.Options{
		PollInterval:   cfg.Runner.PollInterval(),
		CleanupTimeout: cfg.Runner.CleanupTimeout(),
		ResultPrefix:   cfg.Runner.ResultPrefix,
		ErrorPrefix:    cfg.Runner.ErrorPrefix,
		CacheSize:      cfg.Runner.CacheSize,
		SessionOptions: sessionOpts,
	}, logger)
	if err != nil {
		logger.Error("failed to create query executor", zap.Error(err))
		os.Exit(1)
	}

	metrics := server.InitMetrics()
	logger.Info("metrics initialized")

	runs := storage.NewRunStore(db)
	hub := server.NewEventHub(cfg.Server.AuthToken, cfg.Server.AllowedOrigins, logger)
	hub.SetMetrics(metrics)

	executor.AddObserver(metrics)
	executor.AddObserver(server.NewRunHistory(runs, logger))
	executor.AddObserver(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Notifications.DiscordEnabled() {
		notifier, notifyErr := notify.NewDiscordNotifier(
			cfg.Notifications.Discord.BotToken,
			cfg.Notifications.Discord.ChannelID,
			logger,
		)
		if notifyErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(notifyErr))
		} else {
			executor.AddObserver(notifier)
			go notifier.Run(ctx)
			logger.Info("discord notifications enabled",
				zap.String("channel_id", cfg.Notifications.Discord.ChannelID),
			)
		}
	}

	api := server.NewHTTPAPI(executor, runs, cfg.Server.AuthToken, logger)
	api.SetTimeouts(cfg.Runner.DefaultTimeout(), cfg.Runner.MaxTimeout())
	api.SetSessionOptions(sessionOpts...)
	api.SetHub(hub)
	api.SetMetrics(metrics)
	api.SetHealthChecker(server.NewHealthChecker(db, hub, executor))

	var audit *server.AuditLogger
	if cfg.Audit.Enabled {
		audit = server.NewAuditLogger(db, logger)
		api.SetAuditLogger(audit)
	}

	srv := server.NewServer(cfg, api, hub, audit, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	cancel()
	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("toolkit exited cleanly")
}
