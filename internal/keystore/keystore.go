// Package keystore dials the backing Redis instance for the ledger.
// It is a thin wrapper: the ledger speaks go-redis directly, this package
// only owns connection setup and health checking.
package keystore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/recall/internal/config"
)

// Client wraps the shared Redis connection.
type Client struct {
	rdb *redis.Client
}

// Open dials Redis with the configured address and verifies the connection
// with a ping before returning.
func Open(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	dialTimeout := time.Duration(cfg.DialTimeoutSeconds) * time.Second
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Redis returns the underlying go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Healthy reports whether the store currently answers pings.
func (c *Client) Healthy(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
