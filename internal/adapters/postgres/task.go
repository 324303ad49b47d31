package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mretry"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// CreateTask inserts a new Queued task. uniqueKey is the deterministic
// task key (job_id + materialized input identity) enforced by a unique
// constraint so duplicate wake-ups never create two tasks for the same
// unit of work (§4.5 "idempotent task creation").
func (s *Store) CreateTask(ctx context.Context, t *mmodel.Task, uniqueKey string) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	if t.TaskID == uuid.Nil {
		t.TaskID = uuid.New()
	}

	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Status = mmodel.TaskStatusQueued
	t.Attempt = 0

	query, args, err := sqrl.Insert("tasks").
		Columns("task_id", "org_id", "job_id", "unique_key", "status", "attempt",
			"attempts_used", "dag_version_id", "created_at", "updated_at").
		Values(t.TaskID, t.OrgID, t.JobID, uniqueKey, t.Status, t.Attempt,
			0, t.DagVersionID, t.CreatedAt, t.UpdatedAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build create task: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return translatePGError("task", err)
	}

	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (*mmodel.Task, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	row := exec.QueryRowContext(ctx, `
		SELECT task_id, org_id, job_id, status, attempt, lease_token, lease_expires_at,
		       last_heartbeat, attempts_used, next_retry_at, error_kind, error_message,
		       dag_version_id, created_at, updated_at
		FROM tasks WHERE task_id = $1
	`, taskID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "task", Message: fmt.Sprintf("task %s not found", taskID)}
	}

	if err != nil {
		return nil, err
	}

	return t, nil
}

func scanTask(row *sql.Row) (*mmodel.Task, error) {
	var t mmodel.Task

	var leaseToken sql.Null[uuid.UUID]

	var leaseExpiresAt, lastHeartbeat, nextRetryAt sql.NullTime

	var errorKind, errorMessage sql.NullString

	if err := row.Scan(&t.TaskID, &t.OrgID, &t.JobID, &t.Status, &t.Attempt, &leaseToken,
		&leaseExpiresAt, &lastHeartbeat, &t.AttemptsUsed, &nextRetryAt, &errorKind, &errorMessage,
		&t.DagVersionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	if leaseToken.Valid {
		v := leaseToken.V
		t.LeaseToken = &v
	}

	if leaseExpiresAt.Valid {
		t.LeaseExpiresAt = &leaseExpiresAt.Time
	}

	if lastHeartbeat.Valid {
		t.LastHeartbeat = &lastHeartbeat.Time
	}

	if nextRetryAt.Valid {
		t.NextRetryAt = &nextRetryAt.Time
	}

	t.ErrorKind = mmodel.ErrorKind(errorKind.String)
	t.ErrorMessage = errorMessage.String

	return &t, nil
}

// ClaimTask implements task-claim (§4.5): it atomically transitions a
// Queued task to Running, stamps a fresh lease token and expiry, and
// increments attempt. The WHERE clause re-checks status = 'Queued' so
// two concurrent claimers race on the same UPDATE and exactly one wins
// (invariant F1).
func (s *Store) ClaimTask(ctx context.Context, taskID uuid.UUID, leaseDuration time.Duration) (*mmodel.ClaimResult, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	leaseToken := uuid.New()
	now := time.Now().UTC()
	leaseExpires := now.Add(leaseDuration)

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'Running', attempt = attempt + 1, attempts_used = attempts_used + 1,
		    lease_token = $1, lease_expires_at = $2, last_heartbeat = $2, updated_at = $2
		WHERE task_id = $3 AND status = 'Queued'
	`, leaseToken, leaseExpires, taskID)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return s.notClaimedResult(ctx, taskID)
	}

	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &mmodel.ClaimResult{
		Status:         mmodel.ClaimStatusClaimed,
		Attempt:        t.Attempt,
		LeaseToken:     &leaseToken,
		LeaseExpiresAt: &leaseExpires,
	}, nil
}

// notClaimedResult inspects the task's current status to explain a
// failed claim, matching the NotClaimedReason enum (§4.5).
func (s *Store) notClaimedResult(ctx context.Context, taskID uuid.UUID) (*mmodel.ClaimResult, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		var notFound *orcherrors.EntityNotFoundError
		if errors.As(err, &notFound) {
			return &mmodel.ClaimResult{Status: mmodel.ClaimStatusNotClaimed, Reason: mmodel.NotClaimedNotFound}, nil
		}

		return nil, err
	}

	reason := mmodel.NotClaimedAlreadyRunning

	switch t.Status {
	case mmodel.TaskStatusCompleted:
		reason = mmodel.NotClaimedCompleted
	case mmodel.TaskStatusCanceled:
		reason = mmodel.NotClaimedCanceled
	case mmodel.TaskStatusRunning:
		reason = mmodel.NotClaimedAlreadyRunning
	}

	return &mmodel.ClaimResult{Status: mmodel.ClaimStatusNotClaimed, Reason: reason}, nil
}

// Heartbeat extends a task's lease, fenced by (task_id, attempt,
// lease_token) (invariant F1, §4.6). A mismatch returns FencingError and
// leaves the row untouched.
func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, extension time.Duration) (time.Time, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return time.Time{}, err
	}

	now := time.Now().UTC()
	newExpiry := now.Add(extension)

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = $1, last_heartbeat = $2, updated_at = $2
		WHERE task_id = $3 AND attempt = $4 AND lease_token = $5 AND status = 'Running'
	`, newExpiry, now, taskID, attempt, leaseToken)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: heartbeat: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}

	if n == 0 {
		return time.Time{}, &orcherrors.FencingError{TaskID: taskID.String(), Attempt: attempt}
	}

	return newExpiry, nil
}

// CompleteTask implements the commit-on-completion transaction (§4.2,
// §4.5): it verifies (task_id, attempt, lease_token) still matches the
// current row, writes Outputs, transitions to Completed, and returns a
// FencingError otherwise. Callers run this inside WithTransaction
// together with cursor advancement and outbox inserts so the commit is
// all-or-nothing (invariant F2).
func (s *Store) CompleteTask(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outputs []mmodel.Handle) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	outputsJSON, err := marshalHandles(outputs)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'Completed', outputs = $1, updated_at = $2, lease_token = NULL, lease_expires_at = NULL
		WHERE task_id = $3 AND attempt = $4 AND lease_token = $5 AND status = 'Running'
	`, outputsJSON, now, taskID, attempt, leaseToken)
	if err != nil {
		return fmt.Errorf("postgres: complete task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return &orcherrors.FencingError{TaskID: taskID.String(), Attempt: attempt}
	}

	return nil
}

// FailTask marks a Running task Failed, fenced the same way as
// CompleteTask. A nil nextRetryAt leaves next_retry_at NULL, and the
// reaper's retry sweep never requeues such a task.
func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, kind mmodel.ErrorKind, message string, nextRetryAt *time.Time) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, error_kind = $2, error_message = $3, next_retry_at = $4,
		    updated_at = $5, lease_token = NULL, lease_expires_at = NULL
		WHERE task_id = $6 AND attempt = $7 AND lease_token = $8 AND status = 'Running'
	`, mmodel.TaskStatusFailed, string(kind), message, nextRetryAt, now, taskID, attempt, leaseToken)
	if err != nil {
		return fmt.Errorf("postgres: fail task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return &orcherrors.FencingError{TaskID: taskID.String(), Attempt: attempt}
	}

	return nil
}

// RequeueTask moves a Failed task with an elapsed next_retry_at back to
// Queued, called by the reaper's retry sweep (§4.6).
func (s *Store) RequeueTask(ctx context.Context, taskID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'Queued', next_retry_at = NULL, updated_at = $1
		WHERE task_id = $2 AND status = 'Failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("postgres: requeue task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return &orcherrors.EntityNotFoundError{EntityType: "task", Message: fmt.Sprintf("task %s not eligible for requeue", taskID)}
	}

	return nil
}

// ExpireLeases reclaims tasks whose lease_expires_at has passed. Every
// reclaimed task goes to Failed/LeaseExpired, with next_retry_at set to
// a backoff-scheduled time when attempts remain, or left nil when
// attempts are exhausted (§4.6, invariant P1 "a new attempt is only
// created after the previous attempt's lease has verifiably expired").
// The reaper's retry sweep (RequeueTask) is what later moves an eligible
// Failed row back to Queued, so a fresh attempt is never just one step
// away from a bare lease timeout.
func (s *Store) ExpireLeases(ctx context.Context, maxAttempts int, backoff mretry.Config) ([]uuid.UUID, error) {
	db, err := s.conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin expire leases: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	rows, err := tx.QueryContext(ctx, `
		SELECT task_id, attempts_used FROM tasks
		WHERE status = 'Running' AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		FOR UPDATE SKIP LOCKED
	`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: select expired leases: %w", err)
	}

	type expiredLease struct {
		taskID       uuid.UUID
		attemptsUsed int
	}

	var candidates []expiredLease

	for rows.Next() {
		var e expiredLease
		if err := rows.Scan(&e.taskID, &e.attemptsUsed); err != nil {
			_ = rows.Close()
			return nil, err
		}

		candidates = append(candidates, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	var ids []uuid.UUID

	for _, e := range candidates {
		var nextRetryAt any
		if e.attemptsUsed < maxAttempts {
			nextRetryAt = now.Add(backoff.Backoff(e.attemptsUsed))
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'Failed', error_kind = $1, lease_token = NULL, lease_expires_at = NULL,
			    next_retry_at = $2, updated_at = $3
			WHERE task_id = $4
		`, string(mmodel.ErrorKindLeaseExpired), nextRetryAt, now, e.taskID); err != nil {
			return nil, fmt.Errorf("postgres: expire lease %s: %w", e.taskID, err)
		}

		ids = append(ids, e.taskID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit expire leases: %w", err)
	}

	return ids, nil
}

// DueForRetry returns task ids currently Failed with an elapsed
// next_retry_at, the candidate set the reaper's retry sweep requeues one
// at a time via RequeueTask.
func (s *Store) DueForRetry(ctx context.Context) ([]uuid.UUID, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT task_id FROM tasks WHERE status = 'Failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
	`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("postgres: due for retry: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// CancelTask transitions Queued or Running tasks to Canceled, used when a
// rematerialization supersedes in-flight work of an old DAG version
// (§4.9 step "cancel Queued tasks, mark Running tasks for cancellation").
func (s *Store) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks SET status = 'Canceled', updated_at = $1
		WHERE task_id = $2 AND status IN ('Queued', 'Running')
	`, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("postgres: cancel task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return &orcherrors.EntityNotFoundError{EntityType: "task", Message: fmt.Sprintf("task %s not cancelable", taskID)}
	}

	return nil
}

// CancelTasksForDagVersion cancels every Queued/Running task belonging to
// dagVersionID, used during rollback (§4.9).
func (s *Store) CancelTasksForDagVersion(ctx context.Context, dagVersionID uuid.UUID) (int64, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return 0, err
	}

	res, err := exec.ExecContext(ctx, `
		UPDATE tasks SET status = 'Canceled', updated_at = $1
		WHERE dag_version_id = $2 AND status IN ('Queued', 'Running')
	`, time.Now().UTC(), dagVersionID)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel tasks for dag version: %w", err)
	}

	return res.RowsAffected()
}
