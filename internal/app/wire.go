// Package app builds the runtime components from configuration. Both
// binaries share it so the api and the worker agree on every driver.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Cypherspark/broadcast-engine/internal/cache"
	"github.com/Cypherspark/broadcast-engine/internal/channel"
	"github.com/Cypherspark/broadcast-engine/internal/config"
	"github.com/Cypherspark/broadcast-engine/internal/core"
	"github.com/Cypherspark/broadcast-engine/internal/db"
	"github.com/Cypherspark/broadcast-engine/internal/queue"
	"github.com/Cypherspark/broadcast-engine/internal/worker"
)

// Storage bundles the store, the user directory and, for Postgres, the pool.
type Storage struct {
	Store     core.Store
	Directory core.UserDirectory
	Pool      *pgxpool.Pool // nil for the memory driver
}

func (s *Storage) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

func OpenStorage(ctx context.Context, cfg config.Config) (*Storage, error) {
	if cfg.StoreDriver == "memory" {
		return &Storage{Store: db.NewMemory(), Directory: db.NewMemoryDirectory()}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Storage{Store: db.NewDB(pool), Directory: db.NewPGDirectory(pool), Pool: pool}, nil
}

func OpenQueue(cfg config.Config, prefetch int, log *zap.SugaredLogger) (queue.Queue, error) {
	if cfg.QueueDriver == "rabbitmq" {
		q, err := queue.NewRabbit(cfg.RabbitURL, cfg.DispatchQueue, prefetch, log)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		return q, nil
	}
	return queue.NewLocal(1024), nil
}

func NewChannel(cfg config.Config) (channel.Channel, error) {
	if cfg.ChannelDriver == "telegram" {
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:   cfg.TelegramToken,
			APIURL:  cfg.TelegramAPIURL,
			Timeout: cfg.SendTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		return tg, nil
	}
	return channel.NewDummy(), nil
}

// OpenStatsCache returns nil when REDIS_ADDR is empty.
func OpenStatsCache(ctx context.Context, cfg config.Config) (core.StatsCache, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, func() {}, err
	}
	return cache.NewRedisStats(client, cfg.StatsCacheTTL), func() { _ = client.Close() }, nil
}

func DispatcherOptions(cfg config.Config) worker.Options {
	return worker.Options{
		Concurrency:   cfg.DispatchConcurrency,
		RatePerSecond: cfg.DispatchRate,
		Burst:         cfg.DispatchBurst,
		SendTimeout:   cfg.SendTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff: worker.Backoff{
			Base:       cfg.BackoffBase,
			Multiplier: cfg.BackoffMultiplier,
			Max:        cfg.BackoffMax,
			Jitter:     0.2,
		},
		PageSize: cfg.PageSize,
		LeaseTTL: cfg.LeaseTTL,
	}
}

func WorkerOptions(cfg config.Config) worker.WorkerOptions {
	return worker.WorkerOptions{MaxRuns: cfg.WorkerMaxRuns}
}
