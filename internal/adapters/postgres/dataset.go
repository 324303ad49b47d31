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
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// UpsertDataset registers a dataset by (org_id, name), enforcing the
// single-producer invariant: a second job claiming to own an existing
// name is a conflict unless multi_writer is set (§4.9 "dataset registry
// upsert with single-producer enforcement").
func (s *Store) UpsertDataset(ctx context.Context, d *mmodel.Dataset) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	existing, err := s.GetDatasetByName(ctx, d.OrgID, d.Name)

	var notFound *orcherrors.EntityNotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}

	if err == nil {
		if !existing.MultiWriter && existing.JobName != d.JobName {
			return &orcherrors.EntityConflictError{
				EntityType: "dataset",
				Message:    fmt.Sprintf("dataset %s is already produced by job %s", d.Name, existing.JobName),
			}
		}

		d.DatasetUUID = existing.DatasetUUID
		d.CreatedAt = existing.CreatedAt

		_, err := exec.ExecContext(ctx, `
			UPDATE datasets SET dag_name = $1, job_name = $2, output_index = $3, multi_writer = $4
			WHERE dataset_uuid = $5
		`, d.DagName, d.JobName, d.OutputIndex, d.MultiWriter, d.DatasetUUID)
		if err != nil {
			return fmt.Errorf("postgres: update dataset: %w", err)
		}

		return nil
	}

	if d.DatasetUUID == uuid.Nil {
		d.DatasetUUID = uuid.New()
	}

	d.CreatedAt = time.Now().UTC()

	query, args, buildErr := sqrl.Insert("datasets").
		Columns("dataset_uuid", "org_id", "name", "dag_name", "job_name", "output_index", "multi_writer", "created_at").
		Values(d.DatasetUUID, d.OrgID, d.Name, d.DagName, d.JobName, d.OutputIndex, d.MultiWriter, d.CreatedAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if buildErr != nil {
		return fmt.Errorf("postgres: build insert dataset: %w", buildErr)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return translatePGError("dataset", err)
	}

	return nil
}

// GetDatasetByName looks up a dataset within an org.
func (s *Store) GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	var d mmodel.Dataset

	err = exec.QueryRowContext(ctx, `
		SELECT dataset_uuid, org_id, name, dag_name, job_name, output_index, multi_writer, created_at
		FROM datasets WHERE org_id = $1 AND name = $2
	`, orgID, name).Scan(&d.DatasetUUID, &d.OrgID, &d.Name, &d.DagName, &d.JobName, &d.OutputIndex, &d.MultiWriter, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "dataset", Message: fmt.Sprintf("dataset %s not found", name)}
	}

	if err != nil {
		return nil, err
	}

	return &d, nil
}

// GetDatasetByUUID looks up a dataset by its primary key, the direction
// event routing needs: a completed task names the dataset_uuid it wrote,
// and routing must resolve that back to a name to find reactive
// consumer job edges (§4.5 step 2).
func (s *Store) GetDatasetByUUID(ctx context.Context, datasetUUID uuid.UUID) (*mmodel.Dataset, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	var d mmodel.Dataset

	err = exec.QueryRowContext(ctx, `
		SELECT dataset_uuid, org_id, name, dag_name, job_name, output_index, multi_writer, created_at
		FROM datasets WHERE dataset_uuid = $1
	`, datasetUUID).Scan(&d.DatasetUUID, &d.OrgID, &d.Name, &d.DagName, &d.JobName, &d.OutputIndex, &d.MultiWriter, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "dataset", Message: fmt.Sprintf("dataset %s not found", datasetUUID)}
	}

	if err != nil {
		return nil, err
	}

	return &d, nil
}

// CreateDatasetVersion inserts the next materialization generation for a
// dataset. version is caller-assigned (monotonic per dataset) so the
// deploy controller can compute it alongside the rematerialization plan
// before any writes happen.
func (s *Store) CreateDatasetVersion(ctx context.Context, v *mmodel.DatasetVersion) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	v.CreatedAt = time.Now().UTC()

	query, args, err := sqrl.Insert("dataset_versions").
		Columns("dataset_uuid", "dataset_version", "storage_ref", "schema_hash", "created_at").
		Values(v.DatasetUUID, v.DatasetVersion, v.StorageRef, v.SchemaHash, v.CreatedAt).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("postgres: build insert dataset version: %w", err)
	}

	if _, err := exec.ExecContext(ctx, query, args...); err != nil {
		return translatePGError("dataset_version", err)
	}

	return nil
}

// GetDatasetVersion fetches one (dataset, version) row.
func (s *Store) GetDatasetVersion(ctx context.Context, datasetUUID uuid.UUID, version int64) (*mmodel.DatasetVersion, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	var v mmodel.DatasetVersion

	var schemaHash sql.NullString

	err = exec.QueryRowContext(ctx, `
		SELECT dataset_uuid, dataset_version, storage_ref, schema_hash, created_at
		FROM dataset_versions WHERE dataset_uuid = $1 AND dataset_version = $2
	`, datasetUUID, version).Scan(&v.DatasetUUID, &v.DatasetVersion, &v.StorageRef, &schemaHash, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "dataset_version", Message: fmt.Sprintf("dataset %s version %d not found", datasetUUID, version)}
	}

	if err != nil {
		return nil, err
	}

	v.SchemaHash = schemaHash.String

	return &v, nil
}

// LatestDatasetVersion returns the highest recorded generation for a
// dataset. Multi-writer buffered datasets are never rematerialized
// through a deploy cutover (§4.8); their sink consumer always targets
// whichever generation was created for them at registration time, found
// this way rather than through a DAG version's pointer set.
func (s *Store) LatestDatasetVersion(ctx context.Context, datasetUUID uuid.UUID) (int64, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return 0, err
	}

	var version sql.NullInt64

	err = exec.QueryRowContext(ctx, `
		SELECT MAX(dataset_version) FROM dataset_versions WHERE dataset_uuid = $1
	`, datasetUUID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest dataset version: %w", err)
	}

	if !version.Valid {
		return 0, &orcherrors.EntityNotFoundError{EntityType: "dataset_version", Message: fmt.Sprintf("dataset %s has no recorded version", datasetUUID)}
	}

	return version.Int64, nil
}

// CurrentPointerSet returns the resolved (dataset -> version) map live
// behind dagVersionID, the read half of every task-creation and
// task-fetch decision (§4.9).
func (s *Store) CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT dag_version_id, dataset_uuid, dataset_version
		FROM pointer_set WHERE dag_version_id = $1
	`, dagVersionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: current pointer set: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.PointerSetEntry

	for rows.Next() {
		var e mmodel.PointerSetEntry
		if err := rows.Scan(&e.DagVersionID, &e.DatasetUUID, &e.DatasetVersion); err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// CutoverPointerSet atomically swaps which DatasetVersion each dataset
// resolves to under dagVersionID, replacing the active DAG pointer in
// one transaction (§4.9 step 7 "update current DAG pointer and pointer
// set atomically"). Callers wrap this in WithTransaction together with
// CancelTasksForDagVersion of the superseded version.
func (s *Store) CutoverPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	if _, err := exec.ExecContext(ctx, `DELETE FROM pointer_set WHERE dag_version_id = $1`, dagVersionID); err != nil {
		return fmt.Errorf("postgres: clear pointer set: %w", err)
	}

	for _, e := range entries {
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO pointer_set (dag_version_id, dataset_uuid, dataset_version) VALUES ($1, $2, $3)
		`, dagVersionID, e.DatasetUUID, e.DatasetVersion); err != nil {
			return fmt.Errorf("postgres: insert pointer set entry: %w", err)
		}
	}

	if _, err := exec.ExecContext(ctx, `
		UPDATE dags SET current_dag_version_id = $1 WHERE name = (SELECT dag_name FROM dag_versions WHERE dag_version_id = $1)
	`, dagVersionID); err != nil {
		return fmt.Errorf("postgres: swap current dag pointer: %w", err)
	}

	return nil
}

// ListDatasetsByDagName returns every dataset registered under dagName
// within an org, the full pointer-set domain the deploy controller seeds
// for each new DAG version (§4.9 step 5).
func (s *Store) ListDatasetsByDagName(ctx context.Context, orgID uuid.UUID, dagName string) ([]mmodel.Dataset, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT dataset_uuid, org_id, name, dag_name, job_name, output_index, multi_writer, created_at
		FROM datasets WHERE org_id = $1 AND dag_name = $2
	`, orgID, dagName)
	if err != nil {
		return nil, fmt.Errorf("postgres: list datasets for dag %s: %w", dagName, err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.Dataset

	for rows.Next() {
		var d mmodel.Dataset
		if err := rows.Scan(&d.DatasetUUID, &d.OrgID, &d.Name, &d.DagName, &d.JobName, &d.OutputIndex, &d.MultiWriter, &d.CreatedAt); err != nil {
			return nil, err
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// SeedPointerSet writes the full pointer-set row set for dagVersionID
// without touching the active DAG pointer (§4.9 step 5 "build new dataset
// versions ... before the DAG version they belong to is ever made
// current"). Cutover later swaps the active pointer to a dag_version_id
// whose pointer_set rows were already seeded this way.
func (s *Store) SeedPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO pointer_set (dag_version_id, dataset_uuid, dataset_version) VALUES ($1, $2, $3)
			ON CONFLICT (dag_version_id, dataset_uuid) DO UPDATE SET dataset_version = EXCLUDED.dataset_version
		`, dagVersionID, e.DatasetUUID, e.DatasetVersion); err != nil {
			return fmt.Errorf("postgres: seed pointer set entry: %w", err)
		}
	}

	return nil
}

// AdvanceCursor moves a linear stream's read cursor forward, run inside
// the same commit as CompleteTask so a crash cannot advance the cursor
// without also committing the task's Completed status (§4.5 step 1).
func (s *Store) AdvanceCursor(ctx context.Context, datasetUUID uuid.UUID, version int64, cursor int64) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO cursor_ledger (dataset_uuid, dataset_version, cursor)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_uuid, dataset_version)
		DO UPDATE SET cursor = GREATEST(cursor_ledger.cursor, EXCLUDED.cursor)
	`, datasetUUID, version, cursor)
	if err != nil {
		return fmt.Errorf("postgres: advance cursor: %w", err)
	}

	return nil
}

// GetCursor returns the current read position for (dataset, version),
// zero if no progress has been recorded yet.
func (s *Store) GetCursor(ctx context.Context, datasetUUID uuid.UUID, version int64) (int64, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return 0, err
	}

	var cursor int64

	err = exec.QueryRowContext(ctx, `
		SELECT cursor FROM cursor_ledger WHERE dataset_uuid = $1 AND dataset_version = $2
	`, datasetUUID, version).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return cursor, nil
}

// RecordPartition marks a partition key as materialized for (dataset,
// version), used by partitioned (non-linear) reactive inputs (§3).
func (s *Store) RecordPartition(ctx context.Context, datasetUUID uuid.UUID, version int64, partition mmodel.PartitionKey) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO partition_ledger (dataset_uuid, dataset_version, partition_start, partition_end, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_uuid, dataset_version, partition_start, partition_end) DO NOTHING
	`, datasetUUID, version, partition.Start, partition.End, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: record partition: %w", err)
	}

	return nil
}

// ListRecordedPartitions returns every partition materialized so far for
// (dataset, version), used to compute which partitions a rematerialized
// downstream job must still process.
func (s *Store) ListRecordedPartitions(ctx context.Context, datasetUUID uuid.UUID, version int64) ([]mmodel.PartitionKey, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := exec.QueryContext(ctx, `
		SELECT partition_start, partition_end FROM partition_ledger
		WHERE dataset_uuid = $1 AND dataset_version = $2
	`, datasetUUID, version)
	if err != nil {
		return nil, fmt.Errorf("postgres: list partitions: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []mmodel.PartitionKey

	for rows.Next() {
		var p mmodel.PartitionKey
		if err := rows.Scan(&p.Start, &p.End); err != nil {
			return nil, err
		}

		out = append(out, p)
	}

	return out, rows.Err()
}
