// Package mmongo is the connection hub for the data-plane store: the
// buffered sink consumer's idempotent upsert target (§4.8).
package mmongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tracehq/orchestrator/pkg/mlog"
)

// Connection is a hub which deals with mongodb connections.
type Connection struct {
	ConnectionStringSource string
	Database               string
	Logger                 mlog.Logger

	client *mongo.Client
}

// Connect keeps a singleton connection with mongodb.
func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to mongodb")

	clientOptions := options.Client().ApplyURI(c.ConnectionStringSource)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("mmongo: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mmongo: ping: %w", err)
	}

	c.client = client

	c.Logger.Info("connected to mongodb")

	return nil
}

// Client returns the mongo client, connecting lazily if needed.
func (c *Connection) Client(ctx context.Context) (*mongo.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}

// Collection is a convenience accessor for a collection in the
// configured database.
func (c *Connection) Collection(ctx context.Context, name string) (*mongo.Collection, error) {
	client, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}

	return client.Database(c.Database).Collection(name), nil
}
