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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/radiusdt/spend-optimizer/internal/database"
	"github.com/radiusdt/spend-optimizer/internal/httpserver"
	"github.com/radiusdt/spend-optimizer/internal/ingest"
	"github.com/radiusdt/spend-optimizer/internal/metrics"
	"github.com/radiusdt/spend-optimizer/internal/middleware"
	"github.com/radiusdt/spend-optimizer/internal/optimizer"
	"github.com/radiusdt/spend-optimizer/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting spend optimizer",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("spend optimizer stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.NewMetrics(cfg.Metrics.Namespace, nil)
	checks := make(map[string]httpserver.HealthChecker)

	// Initialize storage
	store, pg, closeStore := setupStorage(ctx, cfg, logger)
	defer closeStore()
	checks["store"] = store

	if si, ok := store.(storage.SchemaInitializer); ok && cfg.Storage.InitSchema {
		if err := si.InitSchema(ctx); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// Try to connect to Redis for the shared result cache
	var cache optimizer.ResultCache = optimizer.NewMemoryResultCache(cfg.Optimizer.CacheTTL)
	if cfg.Redis.Enabled {
		redis, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, using in-process result cache", zap.Error(err))
		} else {
			defer redis.Close()
			cache = optimizer.NewRedisResultCache(redis.Client, cfg.Optimizer.CacheTTL)
			checks["redis"] = redis
		}
	}

	svc, err := optimizer.NewService(store, cache, cfg.Optimizer, m, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ingester := ingest.NewIngester(store, m, logger)
	ingester.OnChange(svc.Invalidate)

	var recorder ingest.Recorder = ingester
	if cfg.Kafka.Enabled && cfg.Kafka.PublishIngest {
		publisher := ingest.NewPublisher(cfg.Kafka, m, logger)
		defer publisher.Close()
		recorder = publisher
	}

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Optimizer: svc,
		Recorder:  recorder,
		Checks:    checks,
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
	})

	// Middleware chain: Recovery -> Logging -> RateLimit -> Auth
	logging := middleware.NewLoggingMiddleware(logger)
	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	if cfg.Metrics.Enabled {
		logging.SetMetrics(m)
		rateLimit.SetMetrics(m)
	}
	handler = middleware.Chain(handler,
		middleware.NewRecoveryMiddleware(logger),
		logging,
		rateLimit,
		middleware.NewAuthMiddleware(cfg.Auth, logger),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Optimizer.RunTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(cfg.Kafka, ingester, logger)
		defer consumer.Close()
		g.Go(func() error {
			logger.Info("consuming lifecycle topic",
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("topic", cfg.Kafka.Topic),
			)
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rateLimit.CleanupIPLimiters(time.Hour)
				if pg != nil {
					pg.ReportPoolStats(m)
				}
			}
		}
	})

	return g.Wait()
}

// setupStorage connects the configured backend, falling back to memory
// when it is unreachable.
func setupStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.EventStore, *database.PostgresDB, func()) {
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
			break
		}
		return storage.NewPostgresEventStore(db.Pool), db, db.Close

	case config.StorageClickHouse:
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, using in-memory storage", zap.Error(err))
			break
		}
		return storage.NewClickHouseEventStore(ch.Conn, logger), nil, func() { _ = ch.Close() }
	}

	return storage.NewInMemoryEventStore(), nil, func() {}
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() || cfg.Log.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	// Set log level
	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
