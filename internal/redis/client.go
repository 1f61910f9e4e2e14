package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the connection used by the lock gate.
type Options struct {
	Addr     string
	Username string
	Password string
	// OpTimeout bounds every single command. Lock polling issues many short
	// commands, so this stays well below the lock wait.
	OpTimeout time.Duration
}

// Dial connects and pings, failing fast when Redis is unreachable.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(clientOptions(opts))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return rdb, nil
}

func clientOptions(opts Options) *redis.Options {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  2 * timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolSize:     20,
		MinIdleConns: 2,
	}
}
