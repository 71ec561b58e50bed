package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/handler"
	"github.com/blitzboard/blitzboard/internal/kafka"
	"github.com/blitzboard/blitzboard/internal/metrics"
	"github.com/blitzboard/blitzboard/internal/postgres"
	"github.com/blitzboard/blitzboard/internal/redis"
	"github.com/blitzboard/blitzboard/internal/service"
	"github.com/blitzboard/blitzboard/internal/store"
	"github.com/blitzboard/blitzboard/internal/websocket"
	"github.com/blitzboard/blitzboard/internal/worker"
)

func main() {
	app := &cli.App{
		Name:  "blitzboard",
		Usage: "leaderboard scoring and ranking server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config.yaml",
				Usage:   "path to configuration file",
				EnvVars: []string{"BLITZBOARD_CONFIG"},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and WebSocket server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create the PostgreSQL schema and exit",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("blitzboard exited with error", "error", err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the JSON logger. A missing config
// file falls back to defaults; an invalid one is an error.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, err
		}
		slog.Warn("config file not found, using defaults", "path", c.String("config"))
		cfg = config.DefaultConfig()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func migrate(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(c.Context, &cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(c.Context); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	recorder := metrics.NewRecorder()

	// Score store
	var (
		st     store.Store
		checks = map[string]handler.ReadinessCheck{}
	)
	switch cfg.Store.Backend {
	case config.StorePostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			return fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		defer repo.Close()

		if err := repo.RunMigrations(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		st = repo
		checks["postgres"] = repo.Ping
		logger.Info("connected to PostgreSQL")
	default:
		st = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}

	// Leaderboard cache. Left as a nil interface when disabled so the
	// service falls back to its no-op cache.
	var cache service.Cache
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		lc, err := redis.NewLeaderboardCache(ctx, &cfg.Redis, logger)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer lc.Close()
		cache = lc
		checks["redis"] = lc.Ping
		logger.Info("connected to Redis")
	}

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	defer wsHub.Stop()

	leaderboardService := service.NewLeaderboardService(
		st,
		cache,
		wsHub,
		recorder,
		&cfg.Leaderboard,
		logger,
	)

	// Cache warmer only has work to do when there is a shared cache
	if cfg.Warmer.Enabled && cache != nil {
		warmer := worker.NewCacheWarmer(leaderboardService, wsHub, recorder, &cfg.Warmer, logger)
		if err := warmer.Start(ctx); err != nil {
			return fmt.Errorf("starting cache warmer: %w", err)
		}
		defer func() {
			if err := warmer.Stop(); err != nil {
				logger.Error("failed to stop cache warmer", "error", err)
			}
		}()
	}

	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		consumer, err := kafka.NewConsumer(&cfg.Kafka, leaderboardService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := consumer.Start(ctx); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
		} else {
			defer func() {
				if err := consumer.Stop(); err != nil {
					logger.Error("failed to stop Kafka consumer", "error", err)
				}
			}()
		}
	}

	httpHandler := handler.NewHandler(leaderboardService, wsHub, recorder.Registry(), &cfg.Server, logger)
	for name, check := range checks {
		httpHandler.AddReadinessCheck(name, check)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
