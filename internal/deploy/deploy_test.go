package deploy

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tracehq/orchestrator/internal/adapters/postgres"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) FindDagVersionByHash(ctx context.Context, dagName, hash string) (*postgres.DagVersion, error) {
	args := m.Called(ctx, dagName, hash)
	v, _ := args.Get(0).(*postgres.DagVersion)
	return v, args.Error(1)
}

func (m *mockStore) CreateDagVersion(ctx context.Context, v *postgres.DagVersion) error {
	if v.DagVersionID == uuid.Nil {
		v.DagVersionID = uuid.New()
	}
	return m.Called(ctx, v).Error(0)
}

func (m *mockStore) CurrentDagVersionID(ctx context.Context, dagName string) (uuid.UUID, error) {
	args := m.Called(ctx, dagName)
	id, _ := args.Get(0).(uuid.UUID)
	return id, args.Error(1)
}

func (m *mockStore) SetCurrentDagVersion(ctx context.Context, dagName string, dagVersionID uuid.UUID) error {
	return m.Called(ctx, dagName, dagVersionID).Error(0)
}

func (m *mockStore) ListJobsByDagVersion(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.Job, error) {
	args := m.Called(ctx, dagVersionID)
	jobs, _ := args.Get(0).([]mmodel.Job)
	return jobs, args.Error(1)
}

func (m *mockStore) UpsertJob(ctx context.Context, j *mmodel.Job) error {
	if j.JobID == uuid.Nil {
		j.JobID = uuid.New()
	}
	return m.Called(ctx, j).Error(0)
}

func (m *mockStore) SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error {
	return m.Called(ctx, jobID, paused).Error(0)
}

func (m *mockStore) UpsertDataset(ctx context.Context, d *mmodel.Dataset) error {
	if d.DatasetUUID == uuid.Nil {
		d.DatasetUUID = uuid.New()
	}
	return m.Called(ctx, d).Error(0)
}

func (m *mockStore) GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error) {
	args := m.Called(ctx, orgID, name)
	d, _ := args.Get(0).(*mmodel.Dataset)
	return d, args.Error(1)
}

func (m *mockStore) ListDatasetsByDagName(ctx context.Context, orgID uuid.UUID, dagName string) ([]mmodel.Dataset, error) {
	args := m.Called(ctx, orgID, dagName)
	ds, _ := args.Get(0).([]mmodel.Dataset)
	return ds, args.Error(1)
}

func (m *mockStore) CreateDatasetVersion(ctx context.Context, v *mmodel.DatasetVersion) error {
	return m.Called(ctx, v).Error(0)
}

func (m *mockStore) LatestDatasetVersion(ctx context.Context, datasetUUID uuid.UUID) (int64, error) {
	args := m.Called(ctx, datasetUUID)
	v, _ := args.Get(0).(int64)
	return v, args.Error(1)
}

func (m *mockStore) CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error) {
	args := m.Called(ctx, dagVersionID)
	e, _ := args.Get(0).([]mmodel.PointerSetEntry)
	return e, args.Error(1)
}

func (m *mockStore) SeedPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error {
	return m.Called(ctx, dagVersionID, entries).Error(0)
}

func (m *mockStore) CutoverPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error {
	return m.Called(ctx, dagVersionID, entries).Error(0)
}

func (m *mockStore) CancelTasksForDagVersion(ctx context.Context, dagVersionID uuid.UUID) (int64, error) {
	args := m.Called(ctx, dagVersionID)
	n, _ := args.Get(0).(int64)
	return n, args.Error(1)
}

func (m *mockStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.Called(ctx)
	return fn(ctx)
}

const simpleYAML = `
name: ingest-dag
jobs:
  - name: fetch
    activation: source
    runtime: pullworker
    operator: fetch.v1
    update_strategy: replace
    timeout_seconds: 60
    max_attempts: 3
    source:
      heartbeat_timeout_seconds: 120
    outputs:
      - dataset: raw
  - name: transform
    activation: reactive
    runtime: dispatcher
    operator: transform.v1
    update_strategy: replace
    timeout_seconds: 30
    max_attempts: 3
    inputs:
      - dataset: raw
    outputs:
      - dataset: curated
publish:
  - dataset_name: raw
    job_name: fetch
  - dataset_name: curated
    job_name: transform
`

func TestParse_RejectsUnknownFields(t *testing.T) {
	const bad = `
name: x
jobs: []
publish: []
bogus_field: true
`
	_, _, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)

	var rejected *orcherrors.DeployRejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestParse_SameDescriptionHashesIdentically(t *testing.T) {
	_, hash1, err := Parse(strings.NewReader(simpleYAML), nil)
	assert.NoError(t, err)

	_, hash2, err := Parse(strings.NewReader(simpleYAML), nil)
	assert.NoError(t, err)
	assert.Equal(t, hash1, hash2)
}

func TestParse_AppendStrategyRequiresUniqueKey(t *testing.T) {
	const bad = `
name: x
jobs:
  - name: j1
    activation: source
    runtime: dispatcher
    operator: op.v1
    update_strategy: append
    timeout_seconds: 10
    max_attempts: 1
    source:
      heartbeat_timeout_seconds: 30
publish: []
`
	_, _, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unique_key")
}

func TestParse_ReactiveRequiresInputs(t *testing.T) {
	const bad = `
name: x
jobs:
  - name: j1
    activation: reactive
    runtime: dispatcher
    operator: op.v1
    update_strategy: replace
    timeout_seconds: 10
    max_attempts: 1
publish: []
`
	_, _, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one input")
}

func TestParse_DuplicatePublishWithoutMultiWriterRejected(t *testing.T) {
	const bad = `
name: x
jobs:
  - name: a
    activation: source
    runtime: dispatcher
    operator: op.v1
    update_strategy: replace
    timeout_seconds: 10
    max_attempts: 1
    source:
      heartbeat_timeout_seconds: 30
    outputs:
      - dataset: shared
  - name: b
    activation: source
    runtime: dispatcher
    operator: op.v1
    update_strategy: replace
    timeout_seconds: 10
    max_attempts: 1
    source:
      heartbeat_timeout_seconds: 30
    outputs:
      - dataset: shared
publish:
  - dataset_name: shared
    job_name: a
  - dataset_name: shared
    job_name: b
`
	_, _, err := Parse(strings.NewReader(bad), nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "multi_writer")
}

func TestDeploy_ReusesExistingVersionByHash(t *testing.T) {
	store := new(mockStore)
	existing := &postgres.DagVersion{DagVersionID: uuid.New(), DagName: "ingest-dag"}

	store.On("FindDagVersionByHash", mock.Anything, "ingest-dag", mock.Anything).Return(existing, nil)

	c := New(store, mlog.NewNopLogger())
	result, err := c.Deploy(context.Background(), uuid.New(), strings.NewReader(simpleYAML))

	assert.NoError(t, err)
	assert.True(t, result.Reused)
	assert.Equal(t, existing.DagVersionID, result.DagVersionID)
	store.AssertExpectations(t)
}

func TestDeploy_FirstDeployCreatesEverythingAndSeedsPointerSet(t *testing.T) {
	store := new(mockStore)
	orgID := uuid.New()

	notFound := &orcherrors.EntityNotFoundError{EntityType: "dag_version"}
	store.On("FindDagVersionByHash", mock.Anything, "ingest-dag", mock.Anything).Return(nil, notFound)
	store.On("CurrentDagVersionID", mock.Anything, "ingest-dag").Return(uuid.Nil, nil)
	store.On("CreateDagVersion", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertJob", mock.Anything, mock.Anything).Return(nil)
	store.On("UpsertDataset", mock.Anything, mock.Anything).Return(nil)

	rawDataset := &mmodel.Dataset{DatasetUUID: uuid.New(), Name: "raw", MultiWriter: false}
	curatedDataset := &mmodel.Dataset{DatasetUUID: uuid.New(), Name: "curated", MultiWriter: false}
	store.On("GetDatasetByName", mock.Anything, orgID, "raw").Return(rawDataset, nil)
	store.On("GetDatasetByName", mock.Anything, orgID, "curated").Return(curatedDataset, nil)
	store.On("LatestDatasetVersion", mock.Anything, rawDataset.DatasetUUID).Return(int64(0), notFound)
	store.On("LatestDatasetVersion", mock.Anything, curatedDataset.DatasetUUID).Return(int64(0), notFound)
	store.On("CreateDatasetVersion", mock.Anything, mock.Anything).Return(nil)

	store.On("ListDatasetsByDagName", mock.Anything, orgID, "ingest-dag").Return([]mmodel.Dataset{*rawDataset, *curatedDataset}, nil)
	store.On("SeedPointerSet", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	store.On("SetJobPaused", mock.Anything, mock.Anything, true).Return(nil)

	c := New(store, mlog.NewNopLogger())
	result, err := c.Deploy(context.Background(), orgID, strings.NewReader(simpleYAML))

	assert.NoError(t, err)
	assert.False(t, result.Reused)
	assert.ElementsMatch(t, []string{"fetch", "transform"}, result.RematerializedJobs)
	assert.Equal(t, int64(1), result.NewDatasetVersions[rawDataset.DatasetUUID])
	assert.Equal(t, int64(1), result.NewDatasetVersions[curatedDataset.DatasetUUID])
	store.AssertExpectations(t)
}

func TestCutover_ActivatesAndUnpausesJobs(t *testing.T) {
	store := new(mockStore)
	dagVersionID := uuid.New()
	job := mmodel.Job{JobID: uuid.New(), Name: "fetch"}

	store.On("WithTransaction", mock.Anything).Return(nil)
	store.On("SetCurrentDagVersion", mock.Anything, "ingest-dag", dagVersionID).Return(nil)
	store.On("ListJobsByDagVersion", mock.Anything, dagVersionID).Return([]mmodel.Job{job}, nil)
	store.On("SetJobPaused", mock.Anything, job.JobID, false).Return(nil)

	c := New(store, mlog.NewNopLogger())
	err := c.Cutover(context.Background(), "ingest-dag", dagVersionID)

	assert.NoError(t, err)
	store.AssertExpectations(t)
}

func TestRollback_CancelsTasksOfAbandonedVersion(t *testing.T) {
	store := new(mockStore)
	current := uuid.New()
	target := uuid.New()
	entries := []mmodel.PointerSetEntry{{DagVersionID: target, DatasetUUID: uuid.New(), DatasetVersion: 3}}

	store.On("WithTransaction", mock.Anything).Return(nil)
	store.On("CurrentDagVersionID", mock.Anything, "ingest-dag").Return(current, nil)
	store.On("CurrentPointerSet", mock.Anything, target).Return(entries, nil)
	store.On("CutoverPointerSet", mock.Anything, target, entries).Return(nil)
	store.On("CancelTasksForDagVersion", mock.Anything, current).Return(int64(4), nil)

	c := New(store, mlog.NewNopLogger())
	n, err := c.Rollback(context.Background(), "ingest-dag", target)

	assert.NoError(t, err)
	assert.Equal(t, int64(4), n)
	store.AssertExpectations(t)
}

func TestRollback_NoOpWhenTargetAlreadyActive(t *testing.T) {
	store := new(mockStore)
	target := uuid.New()
	entries := []mmodel.PointerSetEntry{}

	store.On("WithTransaction", mock.Anything).Return(nil)
	store.On("CurrentDagVersionID", mock.Anything, "ingest-dag").Return(target, nil)
	store.On("CurrentPointerSet", mock.Anything, target).Return(entries, nil)
	store.On("CutoverPointerSet", mock.Anything, target, entries).Return(nil)

	c := New(store, mlog.NewNopLogger())
	n, err := c.Rollback(context.Background(), "ingest-dag", target)

	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	store.AssertExpectations(t)
}
