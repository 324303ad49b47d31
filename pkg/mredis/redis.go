// Package mredis is the connection hub for go-redis, used for the
// redsync distributed lock behind the reaper and outbox publisher's
// single-active-instance guard (§4.6, §4.4).
package mredis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tracehq/orchestrator/pkg/mlog"
)

// Connection is a hub which deals with redis connections.
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	client *redis.Client
}

// Connect keeps a singleton connection with redis.
func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to redis")

	opts, err := redis.ParseURL(c.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("mredis: parse url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("mredis: ping: %w", err)
	}

	c.client = client

	c.Logger.Info("connected to redis")

	return nil
}

// Client returns the redis client, connecting lazily if needed.
func (c *Connection) Client(ctx context.Context) (*redis.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}
