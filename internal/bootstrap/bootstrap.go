// Package bootstrap opens the store and locker selected by configuration.
// The binaries under cmd share it so they all wire the same stack.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/db"
	redisclient "github.com/hackgods/vaccine-reservation-scheduling/internal/redis"
)

// OpenStore connects the configured storage backend. SQLite schemas are applied
// on open; Postgres expects cmd/migrate to have run.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (booking.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PostgresOptions{
			MaxConns:         int32(cfg.PostgresMaxConns),
			StatementTimeout: cfg.StatementTimeout,
			LockTimeout:      cfg.LockWait,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to postgres")
		return booking.NewPgStore(pool), nil

	case config.DriverSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store := booking.NewSQLiteStore(conn)
		if err := store.Migrate(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		logger.Info("opened sqlite", "path", cfg.SQLitePath)
		return store, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store, state is lost on exit")
		return booking.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

// OpenLocker returns the distributed locker and its Redis client. With LOCKER=none
// the client is nil and the locker runs callbacks directly.
func OpenLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (redisclient.Locker, *redis.Client, error) {
	if cfg.Locker != config.LockerRedis {
		logger.Info("distributed locking disabled")
		return redisclient.NopLocker{}, nil, nil
	}

	rdb, err := redisclient.Dial(ctx, redisclient.Options{
		Addr:      cfg.RedisAddr,
		Username:  cfg.RedisUsername,
		Password:  cfg.RedisPassword,
		OpTimeout: cfg.LockWait / 4,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("connected to redis", "addr", cfg.RedisAddr)
	return redisclient.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait), rdb, nil
}
