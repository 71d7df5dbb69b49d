// Package redis backs the coordination interfaces — event bus,
// reconcile lock, shared broker rate budget, token cache — with one
// go-redis client, so every replica of the platform shares the same
// dedup windows, budgets, and locks.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jtradehq/jtrade/internal/config"
)

// defaultPoolSize applies when [redis] leaves pool_size unset.
const defaultPoolSize = 8

// Client wraps the driver connection shared by the bus, lock manager,
// rate gate, and token cache.
type Client struct {
	rdb *redis.Client
}

// New connects per the [redis] config section and verifies the
// connection with a ping before handing the client out.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Ping verifies the connection for health checks.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the raw driver client to the sibling
// implementations in this package.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
