package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// RecordTaskInputs persists taskID's pinned view of its inputs at
// creation time (§3 "Task input pinning"): reads for that task are
// pinned to these versions/cursors even if the dataset advances further
// before the task runs.
func (s *Store) RecordTaskInputs(ctx context.Context, taskID uuid.UUID, pins []mmodel.InputPin) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	for _, p := range pins {
		var cursor any

		if p.Cursor != nil {
			cursor = *p.Cursor
		}

		var partStart, partEnd any

		if p.PartitionKey != "" {
			partStart, partEnd = p.PartitionKey, p.PartitionKey
		}

		if _, err := exec.ExecContext(ctx, `
			INSERT INTO task_inputs (task_id, input_dataset_uuid, dataset_version, cursor, partition_start, partition_end)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (task_id, input_dataset_uuid) DO NOTHING
		`, taskID, p.InputDatasetUUID, p.DatasetVersion, cursor, partStart, partEnd); err != nil {
			return fmt.Errorf("postgres: record task input: %w", err)
		}
	}

	return nil
}

// TaskInputs returns the pinned inputs recorded for taskID.
func (s *Store) TaskInputs(ctx context.Context, taskID uuid.UUID) ([]mmodel.InputPin, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT input_dataset_uuid, dataset_version, cursor, partition_start
		FROM task_inputs WHERE task_id = $1
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: task inputs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.InputPin

	for rows.Next() {
		var p mmodel.InputPin

		var cursor sql.NullInt64

		var partition sql.NullString

		if err := rows.Scan(&p.InputDatasetUUID, &p.DatasetVersion, &cursor, &partition); err != nil {
			return nil, err
		}

		if cursor.Valid {
			p.Cursor = &cursor.Int64
		}

		p.PartitionKey = partition.String

		out = append(out, p)
	}

	return out, rows.Err()
}

// ClaimEvent inserts a pending_events row, returning (true, nil) if this
// is the first time this exact event has been seen and (false, nil) if
// it is a duplicate per the unique constraint on (producer_task_id,
// attempt, dataset_version, cursor, partition). Event routing (§4.5) is
// skipped entirely for duplicates: at-least-once delivery must not
// create a second consumer task for the same upstream event.
func (s *Store) ClaimEvent(ctx context.Context, producerTaskID uuid.UUID, attempt int, datasetUUID uuid.UUID, version int64, cursor *int64, partition mmodel.PartitionKey) (bool, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return false, err
	}

	// The unique constraint treats NULLs as distinct, so the absent half
	// of the event is stored as -1 / "" rather than NULL; otherwise no
	// two events would ever conflict.
	cursorArg := any(int64(-1))
	if cursor != nil {
		cursorArg = *cursor
	}

	partStart, partEnd := partition.Start, partition.End

	_, err = exec.ExecContext(ctx, `
		INSERT INTO pending_events (event_id, producer_task_id, attempt, dataset_uuid, dataset_version, cursor, partition_start, partition_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New(), producerTaskID, attempt, datasetUUID, version, cursorArg, partStart, partEnd)
	if err != nil {
		var pgErr *orcherrors.EntityConflictError
		if errors.As(translatePGError("pending_event", err), &pgErr) {
			return false, nil
		}

		return false, fmt.Errorf("postgres: claim event: %w", err)
	}

	return true, nil
}

// ClaimBufferedPublish persists a BufferedPublishRecord, returning
// (true, nil) the first time (task_id, attempt, batch_uri) is seen and
// (false, nil) on a duplicate publish (§4.5 "idempotent on (task_id,
// attempt, batch_uri)").
func (s *Store) ClaimBufferedPublish(ctx context.Context, rec mmodel.BufferedPublishRecord) (bool, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return false, err
	}

	rec.CreatedAt = time.Now().UTC()

	_, err = exec.ExecContext(ctx, `
		INSERT INTO buffered_publish_records (task_id, attempt, batch_uri, content_type, size, dedupe_scope, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.TaskID, rec.Attempt, rec.BatchURI, rec.ContentType, rec.Size, nullableString(rec.DedupeScope), rec.CreatedAt)
	if err != nil {
		var conflict *orcherrors.EntityConflictError
		if errors.As(translatePGError("buffered_publish_record", err), &conflict) {
			return false, nil
		}

		return false, fmt.Errorf("postgres: claim buffered publish: %w", err)
	}

	return true, nil
}

// GetTaskByUniqueKey fetches a task by its (job_id, unique_key) routing
// key, used to check whether a consumer task already exists before
// creating a new one (§4.2 "Task creation dedupe").
func (s *Store) GetTaskByUniqueKey(ctx context.Context, jobID uuid.UUID, uniqueKey string) (*mmodel.Task, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	row := exec.QueryRowContext(ctx, `
		SELECT task_id, org_id, job_id, status, attempt, lease_token, lease_expires_at,
		       last_heartbeat, attempts_used, next_retry_at, error_kind, error_message,
		       dag_version_id, created_at, updated_at
		FROM tasks WHERE job_id = $1 AND unique_key = $2
	`, jobID, uniqueKey)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "task", Message: "no task for unique key"}
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}
