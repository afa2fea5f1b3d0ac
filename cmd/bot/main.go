// cmd/bot/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fils-quiz-bot/config"
	"fils-quiz-bot/internal/bot"
	"fils-quiz-bot/internal/db"
	"fils-quiz-bot/internal/dedup"
	"fils-quiz-bot/internal/dispatch"
	"fils-quiz-bot/internal/promo"
	"fils-quiz-bot/internal/server"
	"fils-quiz-bot/internal/session"
	"fils-quiz-bot/internal/tracing"
	"fils-quiz-bot/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	l := logger.New()
	defer l.Sync()
	l.Info("Starting FILS quiz bot...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatal("Failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		l.Fatal("Invalid configuration", "error", err)
	}
	if cfg.Telegram.Debug {
		l = logger.NewDevelopment()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, l)
	if err != nil {
		l.Fatal("Failed to initialize tracing", "error", err)
	}

	store := openStore(ctx, cfg, l)
	defer store.Close()

	var dd bot.Deduplicator
	if cfg.Redis.Addr != "" {
		rd, err := dedup.NewRedisDeduplicator(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			l.Fatal("Failed to connect to Redis", "error", err)
		}
		defer rd.Close()
		dd = rd
		l.Info("Update dedup backed by Redis", "addr", cfg.Redis.Addr)
	} else {
		dd = dedup.NewInMemoryDeduplicator(cfg.Redis.TTL)
	}

	sessions := session.NewService(store, l, session.WithRestart(cfg.Quiz.AllowRestart))
	promos := promo.NewService(store, l, promo.Config{
		Prefix:      cfg.Promo.Prefix,
		Length:      cfg.Promo.Length,
		Discount:    cfg.Promo.Discount,
		MaxAttempts: cfg.Promo.MaxAttempts,
	})
	dispatcher := dispatch.New(sessions, promos, store, l)

	api, err := bot.NewBotAPI(cfg.Telegram.Token, cfg.Telegram.Debug, l)
	if err != nil {
		l.Fatal("Failed to create Telegram bot", "error", err)
	}
	telegramBot := bot.NewTelegramBot(api, dispatcher, dd, l, bot.Options{
		ManagerChatID: cfg.Telegram.ManagerChatID,
		QuestionDelay: cfg.Quiz.QuestionDelay,
		ResultDelay:   cfg.Quiz.ResultDelay,
	})

	deps := server.Deps{
		AdminToken: cfg.Admin.Token,
		Store:      store,
		Sessions:   sessions,
		Promos:     promos,
		Logger:     l,
	}

	switch cfg.Telegram.Mode {
	case config.ModeWebhook:
		deps.Updates = telegramBot
		deps.WebhookSecret = cfg.Telegram.WebhookSecret
		if cfg.Telegram.WebhookURL != "" {
			if err := telegramBot.SetWebhook(cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
				l.Fatal("Failed to register webhook", "error", err)
			}
		}
		l.Info("Receiving updates via webhook")
	default:
		if err := telegramBot.Start(ctx); err != nil {
			l.Fatal("Failed to start Telegram bot", "error", err)
		}
		l.Info("Telegram bot started in polling mode")
	}

	httpServer := server.NewServer(cfg.Server.Port, server.NewRouter(deps), l)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("Shutting down bot...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			l.Error("Error during HTTP server shutdown", "error", err)
		}
		if err := telegramBot.Stop(shutdownCtx); err != nil {
			l.Error("Error during bot shutdown", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			l.Error("Error flushing traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	l.Info("Bot stopped successfully")
}

// openStore connects the configured storage driver, retrying Postgres while
// the database comes up.
func openStore(ctx context.Context, cfg *config.Config, l *logger.Logger) db.Store {
	switch cfg.DB.Driver {
	case config.DriverMemory:
		l.Warn("Using in-memory storage, data is lost on restart")
		return db.NewMemoryStore()

	case config.DriverSQLite:
		store, err := db.NewSQLiteDB(cfg.DB.SQLitePath, cfg.DB.QueryTimeout)
		if err != nil {
			l.Fatal("Failed to open SQLite database", "path", cfg.DB.SQLitePath, "error", err)
		}
		return store
	}

	var (
		database *db.PostgresDB
		err      error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		database, err = db.NewPostgresDB(cfg.DB)
		if err == nil {
			break
		}
		l.Error("Failed to connect to database, retrying...", "attempt", i+1, "error", err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	if database == nil {
		l.Fatal("Failed to connect to database after multiple attempts", "error", err)
	}
	if err := database.Migrate(ctx); err != nil {
		l.Fatal("Failed to migrate database", "error", err)
	}
	return database
}
