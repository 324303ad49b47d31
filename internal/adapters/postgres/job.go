package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// UpsertJob creates or replaces a job definition under a DAG version
// (§4.9 step 2 "create or reuse the DAG version; upsert job definitions
// under it"). The upsert is keyed on (dag_version_id, name): a second
// upsert of the same job name under the same DAG version overwrites that
// row's definition fields.
func (s *Store) UpsertJob(ctx context.Context, j *mmodel.Job) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	if j.JobID == uuid.Nil {
		j.JobID = uuid.New()
	}

	if j.PriorityTier == "" {
		j.PriorityTier = mmodel.PriorityHigh
	}

	inputs, err := json.Marshal(nonNilEdges(j.Inputs))
	if err != nil {
		return fmt.Errorf("postgres: marshal job inputs: %w", err)
	}

	outputs, err := json.Marshal(nonNilEdges(j.Outputs))
	if err != nil {
		return fmt.Errorf("postgres: marshal job outputs: %w", err)
	}

	query, args, err := sqrl.Insert("jobs").
		Columns("job_id", "dag_version_id", "name", "activation", "runtime", "operator",
			"inputs", "outputs", "update_strategy", "unique_key", "timeout_seconds",
			"max_attempts", "heartbeat_timeout_seconds", "config", "config_hash",
			"max_queue_depth", "max_queue_age_seconds", "priority_tier").
		Values(j.JobID, j.DagVersionID, j.Name, j.Activation, j.Runtime, j.Operator,
			inputs, outputs, j.UpdateStrategy, nullableString(j.UniqueKey), j.TimeoutSeconds,
			j.MaxAttempts, j.HeartbeatTimeoutSec, j.Config, j.ConfigHash,
			j.MaxQueueDepth, j.MaxQueueAge, j.PriorityTier).
		Suffix(`ON CONFLICT (dag_version_id, name) DO UPDATE SET
			activation = EXCLUDED.activation, runtime = EXCLUDED.runtime, operator = EXCLUDED.operator,
			inputs = EXCLUDED.inputs, outputs = EXCLUDED.outputs, update_strategy = EXCLUDED.update_strategy,
			unique_key = EXCLUDED.unique_key, timeout_seconds = EXCLUDED.timeout_seconds,
			max_attempts = EXCLUDED.max_attempts, heartbeat_timeout_seconds = EXCLUDED.heartbeat_timeout_seconds,
			config = EXCLUDED.config, config_hash = EXCLUDED.config_hash,
			max_queue_depth = EXCLUDED.max_queue_depth, max_queue_age_seconds = EXCLUDED.max_queue_age_seconds,
			priority_tier = EXCLUDED.priority_tier`).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build upsert job: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return translatePGError("job", err)
	}

	return nil
}

func nonNilEdges(edges []mmodel.Edge) []mmodel.Edge {
	if edges == nil {
		return []mmodel.Edge{}
	}

	return edges
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// JobByID fetches a job by id, the lookup the Dispatcher uses to rebuild
// a TaskPayload and capability-token grants on claim/fetch.
func (s *Store) JobByID(ctx context.Context, jobID uuid.UUID) (*mmodel.Job, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	row := exec.QueryRowContext(ctx, `
		SELECT job_id, dag_version_id, name, activation, runtime, operator, inputs, outputs,
		       update_strategy, unique_key, timeout_seconds, max_attempts,
		       heartbeat_timeout_seconds, config, config_hash, max_queue_depth,
		       max_queue_age_seconds, priority_tier, paused
		FROM jobs WHERE job_id = $1
	`, jobID)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "job", Message: fmt.Sprintf("job %s not found", jobID)}
	}

	if err != nil {
		return nil, err
	}

	return j, nil
}

// JobByName looks up a job within a DAG version, used by the deploy
// controller and by event routing to resolve a dataset's declared
// producer/consumers.
func (s *Store) JobByName(ctx context.Context, dagVersionID uuid.UUID, name string) (*mmodel.Job, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	row := exec.QueryRowContext(ctx, `
		SELECT job_id, dag_version_id, name, activation, runtime, operator, inputs, outputs,
		       update_strategy, unique_key, timeout_seconds, max_attempts,
		       heartbeat_timeout_seconds, config, config_hash, max_queue_depth,
		       max_queue_age_seconds, priority_tier, paused
		FROM jobs WHERE dag_version_id = $1 AND name = $2
	`, dagVersionID, name)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "job", Message: fmt.Sprintf("job %s not found", name)}
	}

	if err != nil {
		return nil, err
	}

	return j, nil
}

// ListJobsByDagVersion returns every job belonging to dagVersionID, used
// by the deploy controller to compute the rematerialization scope.
func (s *Store) ListJobsByDagVersion(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.Job, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT job_id, dag_version_id, name, activation, runtime, operator, inputs, outputs,
		       update_strategy, unique_key, timeout_seconds, max_attempts,
		       heartbeat_timeout_seconds, config, config_hash, max_queue_depth,
		       max_queue_age_seconds, priority_tier, paused
		FROM jobs WHERE dag_version_id = $1
	`, dagVersionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.Job

	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *j)
	}

	return out, rows.Err()
}

// ReactiveConsumersOf returns every reactive job under dagVersionID whose
// input edges reference datasetName, the lookup behind event routing
// step 2 (§4.5).
func (s *Store) ReactiveConsumersOf(ctx context.Context, dagVersionID uuid.UUID, datasetName string) ([]mmodel.Job, error) {
	jobs, err := s.ListJobsByDagVersion(ctx, dagVersionID)
	if err != nil {
		return nil, err
	}

	var out []mmodel.Job

	for _, j := range jobs {
		if j.Activation != mmodel.ActivationReactive {
			continue
		}

		for _, in := range j.Inputs {
			if in.DatasetName == datasetName {
				out = append(out, j)
				break
			}
		}
	}

	return out, nil
}

// UpstreamProducersOf returns every job under dagVersionID that declares
// one of datasetNames as an output, the reverse lookup event routing
// uses to cascade a backpressure pause upward through the DAG (§4.5
// "exceeding either threshold pauses upstream task creation (recursive
// through the DAG)").
func (s *Store) UpstreamProducersOf(ctx context.Context, dagVersionID uuid.UUID, datasetNames []string) ([]mmodel.Job, error) {
	jobs, err := s.ListJobsByDagVersion(ctx, dagVersionID)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(datasetNames))
	for _, name := range datasetNames {
		wanted[name] = true
	}

	var out []mmodel.Job

	for _, j := range jobs {
		for _, out2 := range j.Outputs {
			if wanted[out2.DatasetName] {
				out = append(out, j)
				break
			}
		}
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*mmodel.Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*mmodel.Job, error) {
	var j mmodel.Job

	var uniqueKey sql.NullString

	var inputs, outputs []byte

	if err := row.Scan(&j.JobID, &j.DagVersionID, &j.Name, &j.Activation, &j.Runtime, &j.Operator,
		&inputs, &outputs, &j.UpdateStrategy, &uniqueKey, &j.TimeoutSeconds, &j.MaxAttempts,
		&j.HeartbeatTimeoutSec, &j.Config, &j.ConfigHash, &j.MaxQueueDepth, &j.MaxQueueAge,
		&j.PriorityTier, &j.Paused); err != nil {
		return nil, err
	}

	j.UniqueKey = uniqueKey.String

	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &j.Inputs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal job inputs: %w", err)
		}
	}

	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &j.Outputs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal job outputs: %w", err)
		}
	}

	return &j, nil
}

// MarkSourceHeartbeat records that a source-activation job checked in,
// the liveness signal the reaper compares against
// heartbeat_timeout_seconds (§4.6).
func (s *Store) MarkSourceHeartbeat(ctx context.Context, jobID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `UPDATE jobs SET last_source_heartbeat = $1 WHERE job_id = $2`, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("postgres: mark source heartbeat: %w", err)
	}

	return nil
}

// StaleSourceJobs returns source-activation jobs whose last heartbeat is
// older than their declared heartbeat_timeout_seconds (§4.6).
func (s *Store) StaleSourceJobs(ctx context.Context) ([]mmodel.Job, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT job_id, dag_version_id, name, activation, runtime, operator, inputs, outputs,
		       update_strategy, unique_key, timeout_seconds, max_attempts,
		       heartbeat_timeout_seconds, config, config_hash, max_queue_depth,
		       max_queue_age_seconds, priority_tier, paused
		FROM jobs
		WHERE activation = 'source'
		  AND heartbeat_timeout_seconds > 0
		  AND NOT paused
		  AND (last_source_heartbeat IS NULL
		       OR last_source_heartbeat < now() - (heartbeat_timeout_seconds || ' seconds')::interval)
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: stale source jobs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.Job

	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *j)
	}

	return out, rows.Err()
}

// SetJobPaused toggles the backpressure pause flag on a job (§4.5
// "exceeding either threshold pauses upstream task creation").
func (s *Store) SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `UPDATE jobs SET paused = $1 WHERE job_id = $2`, paused, jobID)
	if err != nil {
		return fmt.Errorf("postgres: set job paused: %w", err)
	}

	return nil
}

// QueueDepthAndAge returns the number of Queued tasks for jobID and the
// age of the oldest one, the inputs to the backpressure threshold check
// (§4.5, §5 "Resource caps").
func (s *Store) QueueDepthAndAge(ctx context.Context, jobID uuid.UUID) (depth int, oldestAge time.Duration, err error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return 0, 0, err
	}

	var oldest sql.NullTime

	err = exec.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM tasks WHERE job_id = $1 AND status = 'Queued'
	`, jobID).Scan(&depth, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: queue depth: %w", err)
	}

	if oldest.Valid {
		oldestAge = time.Since(oldest.Time)
	}

	return depth, oldestAge, nil
}
