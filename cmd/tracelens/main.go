package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bldg-7/tracelens/internal/config"
	"github.com/Bldg-7/tracelens/internal/dashboard"
	"github.com/Bldg-7/tracelens/internal/storage"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "./tracelens.config.json", "path to tracelens config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
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

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	dashboard.InitMetrics()
	logger.Info("metrics initialized")

	users := dashboard.NewUserStore(db, logger)
	if err := users.EnsureAdmin(cfg.Auth.AdminPassword); err != nil {
		logger.Error("failed to provision admin user", zap.Error(err))
		os.Exit(1)
	}

	issuer, err := dashboard.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, cfg.Auth.TokenLifetime())
	if err != nil {
		logger.Error("failed to create token issuer", zap.Error(err))
		os.Exit(1)
	}

	events, err := dashboard.NewEventStore(db, logger)
	if err != nil {
		logger.Error("failed to create event store", zap.Error(err))
		os.Exit(1)
	}
	tracker := dashboard.NewUsageTracker(events, cfg.Ingestion, logger)
	relay := dashboard.NewStreamRelay(cfg.Ingestion, logger)
	audit := dashboard.NewAuthAudit(db, logger)

	var notifier *dashboard.DiscordNotifier
	if token := cfg.Alerts.Discord.BotToken; token != "" {
		n, nErr := dashboard.NewDiscordNotifier(token, cfg.Alerts.Discord.ChannelID, logger)
		if nErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(nErr))
		} else if startErr := n.Start(); startErr != nil {
			logger.Error("failed to start discord notifier", zap.Error(startErr))
		} else {
			notifier = n
			tracker.SetAlerter(notifier)
			logger.Info("discord alerts enabled")
		}
	}

	api := dashboard.NewHTTPAPI(users, issuer, events, tracker, relay, db, cfg.Server.AllowedOrigins, logger)
	api.SetAudit(audit)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	shutdown, err := dashboard.StartHTTPServer(addr, api.Handler(), logger)
	if err != nil {
		logger.Error("failed to start http server", zap.Error(err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if notifier != nil {
		if stopErr := notifier.Stop(); stopErr != nil {
			logger.Error("error stopping discord notifier", zap.Error(stopErr))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("tracelens exited cleanly")
	os.Exit(0)
}
