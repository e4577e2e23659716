package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/flowline/internal/api"
	"github.com/nidhogg/flowline/internal/budget"
	"github.com/nidhogg/flowline/internal/config"
	"github.com/nidhogg/flowline/internal/engine"
	"github.com/nidhogg/flowline/internal/gate"
	"github.com/nidhogg/flowline/internal/invoke"
	"github.com/nidhogg/flowline/internal/notify"
	pgstore "github.com/nidhogg/flowline/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Flowline...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/flowline.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	var db *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			migrationsDir := cfg.Engine.MigrationsDir
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if mErr := ps.Migrate(context.Background(), migrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			db = ps
		}
	}

	// Initialize agent registry
	registry := invoke.NewRegistry(logger)
	for _, ac := range cfg.Agents {
		registry.Register(&invoke.Descriptor{
			Ref: ac.Ref, Name: ac.Name, Endpoint: ac.Endpoint,
			APIKey: ac.APIKey, Pricing: ac.Pricing,
		})
	}
	if db != nil {
		agents, loadErr := db.ListAgents(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load agents from DB", zap.Error(loadErr))
		} else {
			for _, d := range agents {
				registry.Register(d)
			}
			logger.Info("Loaded agents from DB", zap.Int("count", len(agents)))
		}
	}

	// Initialize workflow runner
	opts := engine.Options{
		PoolSize:      cfg.Engine.PoolSize,
		PollInterval:  time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
		InvokeTimeout: time.Duration(cfg.Engine.InvokeTimeoutMs) * time.Millisecond,
	}
	invoker := invoke.NewHTTPInvoker(opts.InvokeTimeout, logger)
	runner := engine.NewRunner(invoker, registry, gate.NewTickGate(logger), opts, logger)
	if db != nil {
		runner.SetRecorder(db)
	}

	// Initialize budget ledger
	var rdb *redis.Client
	var ledger api.Ledger
	if cfg.Budget.Enabled {
		if cfg.Database.Redis.URL != "" {
			redisOpts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
			if rErr != nil {
				logger.Fatal("bad redis url", zap.Error(rErr))
			}
			rdb = redis.NewClient(redisOpts)
			if pingErr := rdb.Ping(context.Background()).Err(); pingErr != nil {
				logger.Warn("Redis unavailable, using in-memory budget", zap.Error(pingErr))
				rdb = nil
			}
		}
		if rdb != nil {
			l := budget.NewRedisLedger(rdb, cfg.Budget.Namespace, logger)
			runner.SetBudget(l)
			ledger = l
			logger.Info("Budget ledger on Redis")
		} else {
			l := budget.NewMemoryLedger(cfg.Budget.InitialBalance)
			runner.SetBudget(l)
			ledger = l
			logger.Info("Budget ledger in memory", zap.Float64("balance", cfg.Budget.InitialBalance))
		}
	}

	// Initialize notifications
	notifier := notify.NewNotifier(logger)
	var discordCh *notify.DiscordChannel
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifier.Add(notify.NewSlackChannel(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		ch, dErr := notify.NewDiscordChannel(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			discordCh = ch
			notifier.Add(ch)
		}
	}
	runner.SetListener(notifier)

	// Build HTTP handler
	handler := api.NewHandler(registry, runner, db, logger)
	if ledger != nil {
		handler.SetLedger(ledger)
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Flowline listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Flowline...")
	srv.Shutdown(context.Background())
	if discordCh != nil {
		discordCh.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}
}
