package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ambiyansyah-risyal/fieldsync/internal/config"
	"github.com/ambiyansyah-risyal/fieldsync/kv"
)

// openStore builds the configured kv backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return kv.NewMemory(), func() {}, nil

	case config.StoreFile:
		store, err := kv.NewFile(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store := kv.NewRedis(rdb, "fieldsync:")
		return store, func() { _ = store.Close() }, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		store := kv.NewPostgres(pool, cfg.KVTable)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate kv table: %w", err)
		}
		return store, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
