package database

import (
	"context"
	"fmt"

	"github.com/radiusdt/spend-optimizer/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDB holds the client behind the shared result cache.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisDB connects to Redis and pings it.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	opts := redisOptions(cfg)
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", opts.PoolSize),
	)
	return &RedisDB{Client: client, logger: logger}, nil
}

// redisOptions maps RedisConfig onto client options. Cache lookups sit on
// the optimize path, so reads and writes get short deadlines and a failed
// lookup falls back to computing the report.
func redisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ClientName:   "spend-optimizer",
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if opts.MinIdleConns > opts.PoolSize && opts.PoolSize > 0 {
		opts.MinIdleConns = opts.PoolSize
	}
	return opts
}

// Close closes the client.
func (r *RedisDB) Close() error {
	if r.Client == nil {
		return nil
	}
	r.logger.Info("Redis connection closed")
	return r.Client.Close()
}

// Health pings Redis.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
