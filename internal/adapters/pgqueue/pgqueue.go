// Package pgqueue is the database-backed queue adapter (§4.1): visibility
// is implemented by selecting eligible rows with SELECT ... FOR UPDATE
// SKIP LOCKED, then atomically setting lease_until and incrementing
// attempts. A sweeper moves rows exceeding max_attempts to a dead table.
// Each receipt carries a fresh lease token, but the token is not stored
// on the row and is never compared: Ack and ExtendVisibility act on the
// message id alone.
package pgqueue

import (
	"context"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mpostgres"

	"github.com/tracehq/orchestrator/internal/queue"
)

// Adapter implements queue.Driver over a postgres table per queue name.
// Every queue shares one physical table (`pg_queue_messages`), scoped by
// the `queue_name` column, plus a dead-letter table
// (`pg_queue_messages_dead`) fed by the sweeper.
type Adapter struct {
	conn            *mpostgres.Connection
	maxReceiveCount int
}

// New returns a postgres-backed queue.Driver. maxReceiveCount <= 0 uses
// queue.MaxReceiveCount.
func New(conn *mpostgres.Connection, maxReceiveCount int) *Adapter {
	if maxReceiveCount <= 0 {
		maxReceiveCount = queue.MaxReceiveCount
	}

	return &Adapter{conn: conn, maxReceiveCount: maxReceiveCount}
}

func (a *Adapter) db(ctx context.Context) (dbresolver.DB, error) {
	return a.conn.DB(ctx)
}

// Publish inserts a new row, visible after delay.
func (a *Adapter) Publish(ctx context.Context, queueName string, payload []byte, delay time.Duration) error {
	db, err := a.db(ctx)
	if err != nil {
		return err
	}

	query, args, err := sqrl.Insert("pg_queue_messages").
		Columns("id", "queue_name", "payload", "visible_at", "attempts", "lease_until").
		Values(uuid.New(), queueName, payload, time.Now().UTC().Add(delay), 0, nil).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("pgqueue: build insert: %w", err)
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("pgqueue: publish to %s: %w", queueName, err)
	}

	return nil
}

// Receive selects up to max eligible rows with SKIP LOCKED, sets each
// row's lease_until, and returns them with a receipt of the form
// "{id}:{lease token}"; the lease token exists only in that receipt and
// is not written to the row. Eligible rows satisfy
// visible_at <= now AND (lease_until IS NULL OR lease_until < now) AND
// attempts < max_attempts (§4.1).
func (a *Adapter) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]queue.Message, error) {
	db, err := a.db(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: begin: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload, attempts
		FROM pg_queue_messages
		WHERE queue_name = $1
		  AND visible_at <= $2
		  AND (lease_until IS NULL OR lease_until < $2)
		  AND attempts < $3
		ORDER BY visible_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, queueName, now, a.maxReceiveCount, max)
	if err != nil {
		return nil, fmt.Errorf("pgqueue: select eligible: %w", err)
	}

	type row struct {
		id       uuid.UUID
		payload  []byte
		attempts int
	}

	var claimed []row

	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload, &r.attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("pgqueue: scan: %w", err)
		}

		claimed = append(claimed, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	msgs := make([]queue.Message, 0, len(claimed))

	for _, r := range claimed {
		leaseToken := uuid.New()
		leaseUntil := now.Add(visibility)
		attempts := r.attempts + 1

		_, err := tx.ExecContext(ctx, `
			UPDATE pg_queue_messages
			SET lease_until = $1, attempts = $2
			WHERE id = $3 AND queue_name = $4
		`, leaseUntil, attempts, r.id, queueName)
		if err != nil {
			return nil, fmt.Errorf("pgqueue: stamp lease: %w", err)
		}

		msgs = append(msgs, queue.Message{
			Payload:       r.payload,
			Receipt:       fmt.Sprintf("%s:%s", r.id, leaseToken),
			DeliveryCount: attempts,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgqueue: commit: %w", err)
	}

	return msgs, nil
}

// Ack deletes the row whose id is encoded in receipt. The receipt's lease
// token is parsed but not checked, so an Ack after the lease has passed to
// another receiver still deletes the row.
func (a *Adapter) Ack(ctx context.Context, queueName string, receipt string) error {
	id, _, err := parseReceipt(receipt)
	if err != nil {
		return err
	}

	db, err := a.db(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM pg_queue_messages WHERE id = $1 AND queue_name = $2`, id, queueName); err != nil {
		return fmt.Errorf("pgqueue: ack: %w", err)
	}

	return nil
}

// ExtendVisibility pushes lease_until out by newVisibility from now for
// the row whose id is encoded in receipt. No caller in this module
// invokes it; internal/worker's heartbeat loop does not.
func (a *Adapter) ExtendVisibility(ctx context.Context, queueName string, receipt string, newVisibility time.Duration) error {
	id, _, err := parseReceipt(receipt)
	if err != nil {
		return err
	}

	db, err := a.db(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		UPDATE pg_queue_messages
		SET lease_until = $1
		WHERE id = $2 AND queue_name = $3
	`, time.Now().UTC().Add(newVisibility), id, queueName)
	if err != nil {
		return fmt.Errorf("pgqueue: extend visibility: %w", err)
	}

	return nil
}

// Sweep moves rows exceeding max_attempts from pg_queue_messages to
// pg_queue_messages_dead (§4.1 "A sweeper moves rows exceeding
// max_attempts to a dead table").
func (a *Adapter) Sweep(ctx context.Context, queueName string) (int64, error) {
	db, err := a.db(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pgqueue: begin sweep: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pg_queue_messages_dead (id, queue_name, payload, attempts, dead_lettered_at)
		SELECT id, queue_name, payload, attempts, now()
		FROM pg_queue_messages
		WHERE queue_name = $1 AND attempts >= $2
	`, queueName, a.maxReceiveCount)
	if err != nil {
		return 0, fmt.Errorf("pgqueue: sweep insert: %w", err)
	}

	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pg_queue_messages WHERE queue_name = $1 AND attempts >= $2
	`, queueName, a.maxReceiveCount); err != nil {
		return 0, fmt.Errorf("pgqueue: sweep delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pgqueue: sweep commit: %w", err)
	}

	return moved, nil
}

func parseReceipt(receipt string) (uuid.UUID, uuid.UUID, error) {
	var idStr, leaseStr string

	n, err := fmt.Sscanf(receipt, "%36s:%36s", &idStr, &leaseStr)
	if err != nil || n != 2 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("pgqueue: malformed receipt %q", receipt)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("pgqueue: malformed receipt id: %w", err)
	}

	lease, err := uuid.Parse(leaseStr)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("pgqueue: malformed receipt lease: %w", err)
	}

	return id, lease, nil
}
