package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// fakeStore is an in-memory stand-in for the control-plane store, just
// enough surface for event-routing scenarios (§4.5, §8 P3, P5).
type fakeStore struct {
	cursors    map[string]int64
	claimed    map[string]bool
	datasetsBy map[uuid.UUID]*mmodel.Dataset
	byName     map[string]*mmodel.Dataset
	consumers  []mmodel.Job
	tasks      map[string]*mmodel.Task
	inputs     map[uuid.UUID][]mmodel.InputPin
	outbox     []mmodel.OutboxRow
	depth      int
	age        time.Duration
	paused     map[uuid.UUID]bool
	producers  map[string][]mmodel.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cursors:    map[string]int64{},
		claimed:    map[string]bool{},
		datasetsBy: map[uuid.UUID]*mmodel.Dataset{},
		byName:     map[string]*mmodel.Dataset{},
		tasks:      map[string]*mmodel.Task{},
		inputs:     map[uuid.UUID][]mmodel.InputPin{},
		paused:     map[uuid.UUID]bool{},
	}
}

func cursorKey(datasetUUID uuid.UUID, version int64) string {
	return datasetUUID.String() + ":" + time.Duration(version).String()
}

func (f *fakeStore) AdvanceCursor(ctx context.Context, datasetUUID uuid.UUID, version int64, cursor int64) error {
	key := cursorKey(datasetUUID, version)
	if cur, ok := f.cursors[key]; ok && cursor < cur {
		return nil // monotonic: never move backwards (P3)
	}

	f.cursors[key] = cursor

	return nil
}

func (f *fakeStore) RecordPartition(ctx context.Context, datasetUUID uuid.UUID, version int64, partition mmodel.PartitionKey) error {
	return nil
}

func (f *fakeStore) GetCursor(ctx context.Context, datasetUUID uuid.UUID, version int64) (int64, error) {
	return f.cursors[cursorKey(datasetUUID, version)], nil
}

func (f *fakeStore) ClaimEvent(ctx context.Context, producerTaskID uuid.UUID, attempt int, datasetUUID uuid.UUID, version int64, cursor *int64, partition mmodel.PartitionKey) (bool, error) {
	c := int64(-1)
	if cursor != nil {
		c = *cursor
	}

	key := producerTaskID.String() + ":" + cursorKey(datasetUUID, version) + ":" + time.Duration(c).String() + ":" + partition.String()
	if f.claimed[key] {
		return false, nil
	}

	f.claimed[key] = true

	return true, nil
}

func (f *fakeStore) GetDatasetByUUID(ctx context.Context, datasetUUID uuid.UUID) (*mmodel.Dataset, error) {
	ds, ok := f.datasetsBy[datasetUUID]
	if !ok {
		return nil, orcherrors.EntityNotFoundError{EntityType: "dataset"}
	}

	return ds, nil
}

func (f *fakeStore) GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error) {
	ds, ok := f.byName[name]
	if !ok {
		return nil, orcherrors.EntityNotFoundError{EntityType: "dataset"}
	}

	return ds, nil
}

func (f *fakeStore) CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error) {
	return nil, nil
}

func (f *fakeStore) ReactiveConsumersOf(ctx context.Context, dagVersionID uuid.UUID, datasetName string) ([]mmodel.Job, error) {
	return f.consumers, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t *mmodel.Task, uniqueKey string) error {
	key := t.JobID.String() + ":" + uniqueKey
	if _, exists := f.tasks[key]; exists {
		return orcherrors.EntityConflictError{EntityType: "task", Message: "already routed"}
	}

	if t.TaskID == uuid.Nil {
		t.TaskID = uuid.New()
	}

	f.tasks[key] = t

	return nil
}

func (f *fakeStore) RecordTaskInputs(ctx context.Context, taskID uuid.UUID, pins []mmodel.InputPin) error {
	f.inputs[taskID] = pins
	return nil
}

func (f *fakeStore) InsertOutbox(ctx context.Context, row *mmodel.OutboxRow) error {
	f.outbox = append(f.outbox, *row)
	return nil
}

func (f *fakeStore) QueueDepthAndAge(ctx context.Context, jobID uuid.UUID) (int, time.Duration, error) {
	return f.depth, f.age, nil
}

func (f *fakeStore) SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error {
	f.paused[jobID] = paused
	return nil
}

func (f *fakeStore) UpstreamProducersOf(ctx context.Context, dagVersionID uuid.UUID, datasetNames []string) ([]mmodel.Job, error) {
	var out []mmodel.Job

	for _, name := range datasetNames {
		out = append(out, f.producers[name]...)
	}

	return out, nil
}

func testDataset(name string) *mmodel.Dataset {
	return &mmodel.Dataset{DatasetUUID: uuid.New(), Name: name}
}

func TestRoute_CursorAdvancesAndCreatesConsumerTask(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds

	consumer := mmodel.Job{
		JobID:      uuid.New(),
		Name:       "index-blocks",
		Activation: mmodel.ActivationReactive,
		Inputs:     []mmodel.Edge{{DatasetName: "blocks"}},
	}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}

	cursor := int64(42)
	err := r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}})
	require.NoError(t, err)

	got, _ := store.GetCursor(context.Background(), ds.DatasetUUID, 1)
	assert.Equal(t, cursor, got)
	assert.Len(t, store.tasks, 1, "exactly one consumer task must be created for the reactive job")
	assert.Len(t, store.outbox, 1, "exactly one wakeup must be enqueued")
}

func TestRoute_DuplicateEventIsNoop(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds

	consumer := mmodel.Job{JobID: uuid.New(), Name: "index-blocks", Activation: mmodel.ActivationReactive, Inputs: []mmodel.Edge{{DatasetName: "blocks"}}}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}
	cursor := int64(7)
	ev := []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}}

	require.NoError(t, r.Route(context.Background(), producer, ev))
	require.NoError(t, r.Route(context.Background(), producer, ev))

	assert.Len(t, store.tasks, 1, "a replayed identical event must not create a second task (P5)")
	assert.Len(t, store.outbox, 1)
}

func TestRoute_CursorNeverMovesBackwards(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}

	high, low := int64(100), int64(50)
	require.NoError(t, r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &high}}))
	require.NoError(t, r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &low}}))

	got, _ := store.GetCursor(context.Background(), ds.DatasetUUID, 1)
	assert.Equal(t, high, got, "cursor must be monotonic non-decreasing (P3)")
}

func TestRoute_BackpressureShedsTaskCreation(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds
	store.depth = 1000

	consumer := mmodel.Job{
		JobID:         uuid.New(),
		Name:          "index-blocks",
		Activation:    mmodel.ActivationReactive,
		Inputs:        []mmodel.Edge{{DatasetName: "blocks"}},
		MaxQueueDepth: 10,
		PriorityTier:  mmodel.PriorityLow,
	}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}
	cursor := int64(1)

	err := r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}})
	require.NoError(t, err)

	assert.Empty(t, store.tasks, "a job over its backpressure threshold must not get a new task")
	assert.True(t, store.paused[consumer.JobID])
}

func TestRoute_HighPriorityTierShedsLaterThanLow(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds
	store.depth = 15 // over the low tier's threshold, under the high tier's doubled one

	consumer := mmodel.Job{
		JobID:         uuid.New(),
		Name:          "index-blocks",
		Activation:    mmodel.ActivationReactive,
		Inputs:        []mmodel.Edge{{DatasetName: "blocks"}},
		MaxQueueDepth: 10,
		PriorityTier:  mmodel.PriorityHigh,
	}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}
	cursor := int64(1)

	require.NoError(t, r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}}))

	assert.Len(t, store.tasks, 1, "the high-priority tier sheds only past double the threshold")
}

func TestRoute_BackpressurePropagatesUpstream(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds
	store.depth = 1000

	upstreamProducer := mmodel.Job{
		JobID:      uuid.New(),
		Name:       "fetch-blocks",
		Activation: mmodel.ActivationReactive,
		Inputs:     []mmodel.Edge{{DatasetName: "raw-rpc"}},
		Outputs:    []mmodel.Edge{{DatasetName: "blocks"}},
	}
	store.producers = map[string][]mmodel.Job{"blocks": {upstreamProducer}}

	consumer := mmodel.Job{
		JobID:         uuid.New(),
		Name:          "index-blocks",
		Activation:    mmodel.ActivationReactive,
		Inputs:        []mmodel.Edge{{DatasetName: "blocks"}},
		MaxQueueDepth: 10,
		PriorityTier:  mmodel.PriorityLow,
	}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}
	cursor := int64(1)

	err := r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}})
	require.NoError(t, err)

	assert.True(t, store.paused[consumer.JobID], "the overflowing consumer must be paused")
	assert.True(t, store.paused[upstreamProducer.JobID], "the pause must cascade to the job producing the overflowing consumer's input")
}

func TestRoute_PausedConsumerSkipsTaskCreationWithoutRecheck(t *testing.T) {
	store := newFakeStore()
	ds := testDataset("blocks")
	store.datasetsBy[ds.DatasetUUID] = ds
	store.byName[ds.Name] = ds
	store.depth = 0 // would no longer shed on a live check

	consumer := mmodel.Job{
		JobID:         uuid.New(),
		Name:          "index-blocks",
		Activation:    mmodel.ActivationReactive,
		Inputs:        []mmodel.Edge{{DatasetName: "blocks"}},
		MaxQueueDepth: 10,
		Paused:        true,
	}
	store.consumers = []mmodel.Job{consumer}

	r := New(store, mlog.NewNopLogger())
	producer := &mmodel.Task{TaskID: uuid.New(), OrgID: uuid.New(), Attempt: 1}
	cursor := int64(1)

	err := r.Route(context.Background(), producer, []Event{{DatasetUUID: ds.DatasetUUID, DatasetVersion: 1, Cursor: &cursor}})
	require.NoError(t, err)

	assert.Empty(t, store.tasks, "a job already flagged paused must not get a new task until its own producer clears it")
}
