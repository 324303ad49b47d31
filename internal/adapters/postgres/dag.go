package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// DagVersion is one parsed-and-validated generation of a DAG description
// (§4.9 step 2 "DAG-version create or reuse").
type DagVersion struct {
	DagVersionID uuid.UUID
	DagName      string
	Description  []byte
	Hash         string
	CreatedAt    time.Time
}

// FindDagVersionByHash returns an existing DagVersion with a matching
// content hash, letting the deploy controller skip rebuilding a DAG
// version it has already materialized.
func (s *Store) FindDagVersionByHash(ctx context.Context, dagName, hash string) (*DagVersion, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}

	var v DagVersion

	err = exec.QueryRowContext(ctx, `
		SELECT dag_version_id, dag_name, description, hash, created_at
		FROM dag_versions WHERE dag_name = $1 AND hash = $2
	`, dagName, hash).Scan(&v.DagVersionID, &v.DagName, &v.Description, &v.Hash, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &orcherrors.EntityNotFoundError{EntityType: "dag_version", Message: "no matching dag version"}
	}

	if err != nil {
		return nil, err
	}

	return &v, nil
}

// CreateDagVersion inserts a new DagVersion row.
func (s *Store) CreateDagVersion(ctx context.Context, v *DagVersion) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	if v.DagVersionID == uuid.Nil {
		v.DagVersionID = uuid.New()
	}

	v.CreatedAt = time.Now().UTC()

	_, err = exec.ExecContext(ctx, `
		INSERT INTO dag_versions (dag_version_id, dag_name, description, hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, v.DagVersionID, v.DagName, v.Description, v.Hash, v.CreatedAt)
	if err != nil {
		return translatePGError("dag_version", err)
	}

	return nil
}

// CurrentDagVersionID returns the DagVersionID currently live for dagName,
// registering dagName with no active version if it has never been
// deployed before.
func (s *Store) CurrentDagVersionID(ctx context.Context, dagName string) (uuid.UUID, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var id sql.Null[uuid.UUID]

	err = exec.QueryRowContext(ctx, `SELECT current_dag_version_id FROM dags WHERE name = $1`, dagName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := exec.ExecContext(ctx, `INSERT INTO dags (name) VALUES ($1) ON CONFLICT DO NOTHING`, dagName); err != nil {
			return uuid.Nil, fmt.Errorf("postgres: register dag: %w", err)
		}

		return uuid.Nil, nil
	}

	if err != nil {
		return uuid.Nil, err
	}

	if !id.Valid {
		return uuid.Nil, nil
	}

	return id.V, nil
}

// SetCurrentDagVersion points dagName's active pointer at dagVersionID
// without touching pointer_set, used by rollback to restore the prior
// version's pointer in one statement (§4.9 "rollback: inverse
// transaction").
func (s *Store) SetCurrentDagVersion(ctx context.Context, dagName string, dagVersionID uuid.UUID) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `
		UPDATE dags SET current_dag_version_id = $1 WHERE name = $2
	`, dagVersionID, dagName)
	if err != nil {
		return fmt.Errorf("postgres: set current dag version: %w", err)
	}

	return nil
}
