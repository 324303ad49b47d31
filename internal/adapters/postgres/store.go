// Package postgres is the control-plane store (§4.2): the single
// authoritative home for task/lease state, the outbox, and the dataset
// registry. Every write that must be atomic with another (claim+lease,
// complete+cursor-advance, cutover) happens inside one transaction via
// pkg/dbtx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tracehq/orchestrator/pkg/dbtx"
	"github.com/tracehq/orchestrator/pkg/mpostgres"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

const pgUniqueViolation = "23505"

// Store is the control-plane repository. It is safe for concurrent use.
type Store struct {
	conn *mpostgres.Connection
}

// New returns a control-plane Store.
func New(conn *mpostgres.Connection) *Store {
	return &Store{conn: conn}
}

// executor returns the in-flight transaction bound to ctx, or the plain
// resolver connection when no transaction is open (§ pkg/dbtx).
func (s *Store) executor(ctx context.Context) (dbtx.Executor, error) {
	db, err := s.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	return dbtx.GetExecutor(ctx, db), nil
}

// WithTransaction runs fn inside a new transaction bound to ctx, committing
// on success and rolling back on error or panic.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	db, err := s.conn.DB(ctx)
	if err != nil {
		return err
	}

	return dbtx.RunInTransaction(ctx, db, fn)
}

// translatePGError maps a postgres driver error into the orcherrors
// taxonomy the same way the teacher's repositories translate pgconn
// errors: unique-violations become conflicts, everything else is
// wrapped for the caller to decide.
func translatePGError(entityType string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &orcherrors.EntityConflictError{
			EntityType: entityType,
			Message:    fmt.Sprintf("%s already exists", entityType),
			Err:        err,
		}
	}

	return err
}
