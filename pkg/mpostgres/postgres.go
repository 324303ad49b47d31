// Package mpostgres is the connection hub for the control-plane store:
// primary/replica pgx connections behind dbresolver, with golang-migrate
// applying schema migrations on startup.
package mpostgres

import (
	"context"
	"errors"
	"fmt"

	"database/sql"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tracehq/orchestrator/pkg/mlog"
)

// Connection is a hub which deals with postgres connections for the
// control-plane store (§3, §4.2).
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  mlog.Logger

	db        *dbresolver.DB
	connected bool
}

// Connect opens primary/replica connections, applies pending migrations
// against the primary, and verifies connectivity.
func (c *Connection) Connect(ctx context.Context) error {
	c.Logger.Info("connecting to control-plane postgres primary and replica")

	dbPrimary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		return fmt.Errorf("mpostgres: open primary: %w", err)
	}

	dbReplica, err := sql.Open("pgx", c.ConnectionStringReplica)
	if err != nil {
		return fmt.Errorf("mpostgres: open replica: %w", err)
	}

	connectionDB := dbresolver.New(
		dbresolver.WithPrimaryDBs(dbPrimary),
		dbresolver.WithReplicaDBs(dbReplica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if c.MigrationsPath != "" {
		if err := c.migrate(dbPrimary); err != nil {
			return err
		}
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mpostgres: ping: %w", err)
	}

	c.connected = true
	c.db = &connectionDB

	c.Logger.Info("connected to control-plane postgres")

	return nil
}

func (c *Connection) migrate(dbPrimary *sql.DB) error {
	driver, err := postgres.WithInstance(dbPrimary, &postgres.Config{
		MultiStatementEnabled: true,
		DatabaseName:          c.PrimaryDBName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("mpostgres: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+c.MigrationsPath, c.PrimaryDBName, driver)
	if err != nil {
		return fmt.Errorf("mpostgres: load migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("mpostgres: apply migrations: %w", err)
	}

	return nil
}

// DB returns the resolver-backed connection, connecting lazily if needed.
func (c *Connection) DB(ctx context.Context) (dbresolver.DB, error) {
	if c.db == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return *c.db, nil
}

// WrapDB returns a Connection that resolves to db directly, skipping
// Connect and migrations. It exists so repository tests can drive a
// Store against sqlmock without a real postgres instance.
func WrapDB(db *sql.DB) *Connection {
	resolverDB := dbresolver.New(dbresolver.WithPrimaryDBs(db), dbresolver.WithReplicaDBs(db))
	return &Connection{db: &resolverDB, connected: true}
}
