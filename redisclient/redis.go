// Package redisclient wraps an optional Redis connection used only as a
// broadcast mirror for session events (see session.Manager). The proxy
// fleet's correctness never depends on Redis: callers treat connect/ping
// failures as "continue without Redis", matching the teacher gateway's
// main.go ("redis init failed — continuing without Redis").
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/duckcoding/proxyfleet/config"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if RedisURL is empty or cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Publish mirrors a session event onto a Redis pub/sub channel. Errors are
// returned to the caller, who is expected to log-and-continue.
func (r *Client) Publish(ctx context.Context, channel, payload string) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func (r *Client) Close() error {
	return r.c.Close()
}
