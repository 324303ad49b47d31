package dispatcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehq/orchestrator/pkg/mmodel"
)

// fakeGrantStore is an in-memory stand-in for GrantStore, just enough
// surface to exercise dataset-grant resolution.
type fakeGrantStore struct {
	inputs     map[uuid.UUID][]mmodel.InputPin
	datasets   map[string]*mmodel.Dataset
	versions   map[uuid.UUID]map[int64]*mmodel.DatasetVersion
	pointerSet []mmodel.PointerSetEntry
}

func (f *fakeGrantStore) TaskInputs(_ context.Context, taskID uuid.UUID) ([]mmodel.InputPin, error) {
	return f.inputs[taskID], nil
}

func (f *fakeGrantStore) GetDatasetByName(_ context.Context, _ uuid.UUID, name string) (*mmodel.Dataset, error) {
	ds, ok := f.datasets[name]
	if !ok {
		return nil, assert.AnError
	}

	return ds, nil
}

func (f *fakeGrantStore) GetDatasetVersion(_ context.Context, datasetUUID uuid.UUID, version int64) (*mmodel.DatasetVersion, error) {
	byVersion, ok := f.versions[datasetUUID]
	if !ok {
		return nil, assert.AnError
	}

	dv, ok := byVersion[version]
	if !ok {
		return nil, assert.AnError
	}

	return dv, nil
}

func (f *fakeGrantStore) CurrentPointerSet(_ context.Context, _ uuid.UUID) ([]mmodel.PointerSetEntry, error) {
	return f.pointerSet, nil
}

func TestDatasetGrantResolver_GrantsInputsAndOutputs(t *testing.T) {
	inputDatasetUUID := uuid.New()
	outputDatasetUUID := uuid.New()
	taskID := uuid.New()
	dagVersionID := uuid.New()

	store := &fakeGrantStore{
		inputs: map[uuid.UUID][]mmodel.InputPin{
			taskID: {{InputDatasetUUID: inputDatasetUUID, DatasetVersion: 3}},
		},
		datasets: map[string]*mmodel.Dataset{
			"orders_clean": {DatasetUUID: outputDatasetUUID, Name: "orders_clean"},
		},
		versions: map[uuid.UUID]map[int64]*mmodel.DatasetVersion{
			inputDatasetUUID: {
				3: {DatasetUUID: inputDatasetUUID, DatasetVersion: 3, StorageRef: "s3://trace-dataplane/" + inputDatasetUUID.String() + "/v3/"},
			},
			outputDatasetUUID: {
				1: {DatasetUUID: outputDatasetUUID, DatasetVersion: 1, StorageRef: "s3://trace-dataplane/" + outputDatasetUUID.String() + "/v1/"},
			},
		},
		pointerSet: []mmodel.PointerSetEntry{
			{DagVersionID: dagVersionID, DatasetUUID: outputDatasetUUID, DatasetVersion: 1},
		},
	}

	resolver := NewDatasetGrantResolver(store)

	task := &mmodel.Task{TaskID: taskID, DagVersionID: dagVersionID}
	job := &mmodel.Job{
		DagVersionID: dagVersionID,
		Outputs:      []mmodel.Edge{{DatasetName: "orders_clean"}},
	}

	datasets, objectStore, err := resolver.Resolve(context.Background(), task, job)
	require.NoError(t, err)

	require.Len(t, datasets, 2)
	assert.Equal(t, inputDatasetUUID, datasets[0].DatasetUUID)
	assert.Equal(t, int64(3), datasets[0].DatasetVersion)
	assert.Equal(t, outputDatasetUUID, datasets[1].DatasetUUID)
	assert.Equal(t, int64(1), datasets[1].DatasetVersion)

	require.Len(t, objectStore, 2)
	assert.True(t, objectStore[0].Read)
	assert.False(t, objectStore[0].Write)
	assert.True(t, objectStore[1].Write)
	assert.False(t, objectStore[1].Read)
}

func TestDatasetGrantResolver_SkipsUnresolvableEdges(t *testing.T) {
	taskID := uuid.New()
	dagVersionID := uuid.New()

	store := &fakeGrantStore{
		inputs:   map[uuid.UUID][]mmodel.InputPin{},
		datasets: map[string]*mmodel.Dataset{},
		versions: map[uuid.UUID]map[int64]*mmodel.DatasetVersion{},
	}

	resolver := NewDatasetGrantResolver(store)

	task := &mmodel.Task{TaskID: taskID, DagVersionID: dagVersionID}
	job := &mmodel.Job{
		DagVersionID: dagVersionID,
		Outputs:      []mmodel.Edge{{DatasetName: "missing_dataset"}},
	}

	datasets, objectStore, err := resolver.Resolve(context.Background(), task, job)
	require.NoError(t, err)
	assert.Empty(t, datasets)
	assert.Empty(t, objectStore)
}

func TestNoopGrantResolver_GrantsNothing(t *testing.T) {
	datasets, objectStore, err := NoopGrantResolver{}.Resolve(context.Background(), &mmodel.Task{}, &mmodel.Job{})
	require.NoError(t, err)
	assert.Nil(t, datasets)
	assert.Nil(t, objectStore)
}
