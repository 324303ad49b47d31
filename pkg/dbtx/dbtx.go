// Package dbtx threads a single *sql.Tx through a request's context so
// repository methods executed as part of a commit-on-completion (§4.2)
// or atomic cutover (§4.9) transaction reuse the same connection without
// every call needing an explicit transaction parameter.
package dbtx

import (
	"context"
	"database/sql"
)

type txContextKey struct{}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ContextWithTx returns a context carrying tx. A nil tx is a no-op: the
// returned context behaves exactly like ctx.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}

	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the *sql.Tx stored in ctx, or nil if none is set.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx
}

// GetExecutor returns the transaction in ctx if one was set by
// RunInTransaction/ContextWithTx, otherwise it returns db itself.
// Repository methods call this once at the top of every query so they
// work identically inside and outside a transaction.
func GetExecutor(ctx context.Context, db Executor) Executor {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return db
}

// dbBeginner is satisfied by *sql.DB.
type dbBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RunInTransaction begins a transaction on db, puts it in ctx, and calls
// fn. If fn returns an error the transaction is rolled back and the error
// is returned unchanged; otherwise the transaction is committed. A panic
// inside fn rolls back and re-propagates the panic.
func RunInTransaction(ctx context.Context, db dbBeginner, fn func(ctx context.Context) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	txCtx := ContextWithTx(ctx, tx)

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return err
	}

	return nil
}
