package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	redisdb *redis.Client
}

// New parses a redis:// URL (the REDIS_URL env var) and builds the client.
func New(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)

	if err != nil {
		return nil, err
	}

	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 2 * time.Second

	return &Client{redisdb: redis.NewClient(opts)}, nil
}

// this ping function checks redis connectivity

func (c *Client) Ping(ctx context.Context) error {
	return c.redisdb.Ping(ctx).Err()
}

// this closes the client

func (c *Client) Close() error {
	return c.redisdb.Close()
}

// this exposes the redis client to the broker

func (c *Client) Raw() *redis.Client {
	return c.redisdb
}
