package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/objectstore"
)

// GrantResolver derives the dataset and object-store grants a task's
// capability token should carry from its resolved inputs/outputs (§4.3
// rule 5 "grants exactly the datasets/prefixes the task's inputs and
// outputs name, nothing broader"). A deployment wires in an
// implementation backed by the dataset registry and object-store prefix
// layout; NoopGrantResolver grants nothing, useful for local dry runs.
type GrantResolver interface {
	Resolve(ctx context.Context, task *mmodel.Task, job *mmodel.Job) ([]mmodel.DatasetGrant, []mmodel.ObjectStoreGrant, error)
}

// NoopGrantResolver implements GrantResolver with no grants at all.
type NoopGrantResolver struct{}

// Resolve implements GrantResolver.
func (NoopGrantResolver) Resolve(context.Context, *mmodel.Task, *mmodel.Job) ([]mmodel.DatasetGrant, []mmodel.ObjectStoreGrant, error) {
	return nil, nil, nil
}

// GrantStore is the control-plane surface DatasetGrantResolver depends
// on to turn a claimed task's pinned inputs and its job's output edges
// into exact-match dataset versions and their storage locations.
type GrantStore interface {
	TaskInputs(ctx context.Context, taskID uuid.UUID) ([]mmodel.InputPin, error)
	GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error)
	GetDatasetVersion(ctx context.Context, datasetUUID uuid.UUID, version int64) (*mmodel.DatasetVersion, error)
	CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error)
}

// DatasetGrantResolver implements GrantResolver by pinning a capability
// token to exactly the dataset versions the claimed task reads (its
// recorded input pins) and writes (its job's output edges, resolved
// against the DAG version's current pointer set), plus the
// canonicalized object-store prefix each of those versions resolves to
// (§4.3 rule 5). A task whose inputs or outputs cannot be resolved is
// granted nothing for that edge rather than failing the claim outright:
// a dangling edge is a deploy-time bug the verifier's deny-by-default
// check surfaces downstream, not something claim should block on.
type DatasetGrantResolver struct {
	store GrantStore
}

// NewDatasetGrantResolver builds a DatasetGrantResolver backed by store.
func NewDatasetGrantResolver(store GrantStore) *DatasetGrantResolver {
	return &DatasetGrantResolver{store: store}
}

// Resolve implements GrantResolver.
func (g *DatasetGrantResolver) Resolve(ctx context.Context, task *mmodel.Task, job *mmodel.Job) ([]mmodel.DatasetGrant, []mmodel.ObjectStoreGrant, error) {
	var datasets []mmodel.DatasetGrant

	var objectStore []mmodel.ObjectStoreGrant

	pins, err := g.store.TaskInputs(ctx, task.TaskID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: resolve task inputs for grants: %w", err)
	}

	for _, pin := range pins {
		version, err := g.store.GetDatasetVersion(ctx, pin.InputDatasetUUID, pin.DatasetVersion)
		if err != nil {
			continue
		}

		datasets = append(datasets, mmodel.DatasetGrant{
			DatasetUUID:    version.DatasetUUID,
			DatasetVersion: version.DatasetVersion,
			StorageRef:     version.StorageRef,
		})

		if grant, ok := readGrant(version.StorageRef); ok {
			objectStore = append(objectStore, grant)
		}
	}

	if len(job.Outputs) == 0 {
		return datasets, objectStore, nil
	}

	pointers, err := g.store.CurrentPointerSet(ctx, job.DagVersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: resolve pointer set for grants: %w", err)
	}

	pointerVersion := make(map[uuid.UUID]int64, len(pointers))
	for _, p := range pointers {
		pointerVersion[p.DatasetUUID] = p.DatasetVersion
	}

	for _, edge := range job.Outputs {
		ds, err := g.store.GetDatasetByName(ctx, task.OrgID, edge.DatasetName)
		if err != nil {
			continue
		}

		version, ok := pointerVersion[ds.DatasetUUID]
		if !ok {
			continue
		}

		dv, err := g.store.GetDatasetVersion(ctx, ds.DatasetUUID, version)
		if err != nil {
			continue
		}

		datasets = append(datasets, mmodel.DatasetGrant{
			DatasetUUID:    dv.DatasetUUID,
			DatasetVersion: dv.DatasetVersion,
			StorageRef:     dv.StorageRef,
		})

		if grant, ok := writeGrant(dv.StorageRef); ok {
			objectStore = append(objectStore, grant)
		}
	}

	return datasets, objectStore, nil
}

func readGrant(storageRef string) (mmodel.ObjectStoreGrant, bool) {
	prefix, err := objectstore.Canonicalize(storageRef)
	if err != nil {
		return mmodel.ObjectStoreGrant{}, false
	}

	return mmodel.ObjectStoreGrant{Prefix: prefix.String(), Read: true}, true
}

func writeGrant(storageRef string) (mmodel.ObjectStoreGrant, bool) {
	prefix, err := objectstore.Canonicalize(storageRef)
	if err != nil {
		return mmodel.ObjectStoreGrant{}, false
	}

	return mmodel.ObjectStoreGrant{Prefix: prefix.String(), Write: true}, true
}
