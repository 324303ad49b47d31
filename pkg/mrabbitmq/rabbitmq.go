// Package mrabbitmq is the connection hub for the managed-queue adapter
// (§4.1), backed by amqp091-go.
package mrabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tracehq/orchestrator/pkg/mlog"
)

// Connection is a hub which deals with rabbitmq connections.
type Connection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// Connect keeps a singleton connection and channel open.
func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to rabbitmq")

	conn, err := amqp.Dial(c.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("mrabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("mrabbitmq: open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.connected = true

	c.Logger.Info("connected to rabbitmq")

	return nil
}

// Channel returns the open channel, connecting lazily if needed.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	if !c.connected {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.channel, nil
}

// Close tears down the channel and connection.
func (c *Connection) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
	}

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}
