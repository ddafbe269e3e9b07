package main

import (
	"context"
	"fmt"

	"github.com/UniQw/jobhub"
	"github.com/UniQw/jobhub/internal/config"
	"github.com/UniQw/jobhub/redisstore"
	"github.com/UniQw/jobhub/sqlstore"
	"github.com/redis/go-redis/v9"
)

// openStore returns the configured store and the function that releases it.
func openStore(ctx context.Context, cfg config.Store) (jobhub.Store, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return jobhub.NewMemoryStore(), func() error { return nil }, nil
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return redisstore.New(rdb, redisstore.WithNamespace(cfg.Namespace)), rdb.Close, nil
	case config.DriverSQLite, config.DriverPostgres:
		d, err := sqlstore.ParseDialect(cfg.Driver)
		if err != nil {
			return nil, nil, err
		}
		s, err := sqlstore.Open(ctx, d, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
