package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// InsertOutbox writes a Pending row in the caller's transaction, the
// write half of the transactional outbox pattern (§3, §4.4): the same
// commit that mutates task/dataset state also records the intent to
// emit, so a crash between them is impossible.
func (s *Store) InsertOutbox(ctx context.Context, row *mmodel.OutboxRow) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	if row.OutboxID == uuid.Nil {
		row.OutboxID = uuid.New()
	}

	now := time.Now().UTC()
	row.Status = mmodel.StatusPending
	row.CreatedAt, row.UpdatedAt = now, now

	if row.AvailableAt.IsZero() {
		row.AvailableAt = now
	}

	query, args, err := sqrl.Insert("outbox").
		Columns("outbox_id", "topic", "payload", "status", "available_at", "attempts", "created_at", "updated_at").
		Values(row.OutboxID, row.Topic, row.Payload, row.Status, row.AvailableAt, 0, row.CreatedAt, row.UpdatedAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build insert outbox: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert outbox: %w", err)
	}

	return nil
}

// ClaimOutboxBatch selects up to max Pending or Failed rows eligible for delivery
// (available_at <= now) with SKIP LOCKED and marks them Processing, so
// concurrent outbox-publisher instances never double-send the same row
// (§4.4).
func (s *Store) ClaimOutboxBatch(ctx context.Context, max int) ([]mmodel.OutboxRow, error) {
	db, err := s.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin claim outbox: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT outbox_id, topic, payload, status, available_at, attempts, last_error, created_at, updated_at
		FROM outbox
		WHERE status IN ('Pending', 'Failed') AND available_at <= $1
		ORDER BY available_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, max)
	if err != nil {
		return nil, fmt.Errorf("postgres: select outbox batch: %w", err)
	}

	var claimed []mmodel.OutboxRow

	for rows.Next() {
		var r mmodel.OutboxRow

		var lastError sql.NullString

		if err := rows.Scan(&r.OutboxID, &r.Topic, &r.Payload, &r.Status, &r.AvailableAt,
			&r.Attempts, &lastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("postgres: scan outbox row: %w", err)
		}

		r.LastError = lastError.String
		claimed = append(claimed, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, r := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'Processing', updated_at = $1 WHERE outbox_id = $2
		`, now, r.OutboxID); err != nil {
			return nil, fmt.Errorf("postgres: mark outbox processing: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit claim outbox: %w", err)
	}

	for i := range claimed {
		claimed[i].Status = mmodel.StatusProcessing
	}

	return claimed, nil
}

// MarkOutboxSent transitions a Processing row to the terminal Sent state.
func (s *Store) MarkOutboxSent(ctx context.Context, outboxID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `
		UPDATE outbox SET status = 'Sent', updated_at = $1 WHERE outbox_id = $2 AND status = 'Processing'
	`, time.Now().UTC(), outboxID)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox sent: %w", err)
	}

	return nil
}

// MarkOutboxFailed transitions a Processing row back to Failed,
// recording lastErr and scheduling the next attempt at nextAttemptAt. If
// attempts has reached maxAttempts the row is dead-lettered instead
// (§4.4 "rows exceeding max attempts become DLQ").
func (s *Store) MarkOutboxFailed(ctx context.Context, outboxID uuid.UUID, lastErr string, nextAttemptAt time.Time, attempts, maxAttempts int) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if attempts >= maxAttempts {
		_, err = exec.ExecContext(ctx, `
			UPDATE outbox
			SET status = 'DLQ', dead_lettered = true, attempts = $1, last_error = $2, updated_at = $3
			WHERE outbox_id = $4 AND status = 'Processing'
		`, attempts, lastErr, now, outboxID)
		if err != nil {
			return fmt.Errorf("postgres: dead-letter outbox: %w", err)
		}

		return nil
	}

	_, err = exec.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'Failed', attempts = $1, last_error = $2, available_at = $3, updated_at = $4
		WHERE outbox_id = $5 AND status = 'Processing'
	`, attempts, lastErr, nextAttemptAt, now, outboxID)
	if err != nil {
		return fmt.Errorf("postgres: mark outbox failed: %w", err)
	}

	return nil
}

// RequeueFailedOutbox makes one Failed row eligible for delivery now by
// setting its available_at to the current time; its status stays Failed
// and ClaimOutboxBatch picks it up on its next pass. Ordinary retries
// need no call here, since ClaimOutboxBatch already selects Failed rows
// once available_at has passed; this exists only for an explicit
// operator retry-now action. It returns a not-found error when the row
// is not Failed.
func (s *Store) RequeueFailedOutbox(ctx context.Context, outboxID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE outbox SET available_at = $1, updated_at = $1 WHERE outbox_id = $2 AND status = 'Failed'
	`, time.Now().UTC(), outboxID)
	if err != nil {
		return fmt.Errorf("postgres: requeue outbox: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return &orcherrors.EntityNotFoundError{EntityType: "outbox_row", Message: fmt.Sprintf("outbox row %s not eligible for requeue", outboxID)}
	}

	return nil
}

// ListDLQ returns dead-lettered rows for operator inspection/alerting
// (§4.4, §4.6 "terminal Failed outbox rows raise an operational signal").
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]mmodel.OutboxRow, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT outbox_id, topic, payload, status, available_at, attempts, last_error, created_at, updated_at
		FROM outbox WHERE status = 'DLQ' ORDER BY updated_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dlq: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.OutboxRow

	for rows.Next() {
		var r mmodel.OutboxRow

		var lastError sql.NullString

		if err := rows.Scan(&r.OutboxID, &r.Topic, &r.Payload, &r.Status, &r.AvailableAt,
			&r.Attempts, &lastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}

		r.LastError = lastError.String
		r.DeadLettered = true
		out = append(out, r)
	}

	return out, rows.Err()
}
