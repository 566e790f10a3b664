package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shora-sharif/relay-bot/internal/bot"
	"github.com/shora-sharif/relay-bot/internal/engine"
	"github.com/shora-sharif/relay-bot/internal/guard"
	"github.com/shora-sharif/relay-bot/internal/roles"
	"github.com/shora-sharif/relay-bot/internal/storage"
	"github.com/shora-sharif/relay-bot/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("Fatal error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		return err
	}

	// Build the role directory from config
	directory, err := roles.NewDirectory(cfg.Roles.Bindings())
	if err != nil {
		return err
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig)
		if err != nil {
			return err
		}
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Only one instance may deliver messages; a second one must exit
	// before writing anything else to storage.
	g := guard.New(store, logger)
	if err := g.Acquire(ctx); err != nil {
		if errors.Is(err, guard.ErrAlreadyRunning) {
			logger.Error("Another instance is already running", zap.Error(err))
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.Release(releaseCtx); err != nil {
			logger.Error("Failed to release instance lock", zap.Error(err))
		}
	}()

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, store, directory, logger,
		bot.Options{
			AdminUserID: cfg.Telegram.AdminUserID,
			ThreadTTL:   cfg.Engine.ThreadTTL,
			RateWindow:  cfg.Engine.RateWindow,
			RateMax:     cfg.Engine.RateMaxMessages,
		},
		engine.Options{
			MaxSendAttempts: cfg.Engine.MaxSendAttempts,
			RetryBackoff:    cfg.Engine.RetryBackoff,
		})
	if err != nil {
		return err
	}

	logger.Info("Bot started")
	if err := b.Run(ctx); err != nil {
		return err
	}
	logger.Info("Bot shut down")
	return nil
}
