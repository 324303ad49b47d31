// Package router implements event routing (§4.5): once a task's outputs
// are durably committed, advance each output dataset's read ledger and
// dedupe-create a task for every reactive job downstream of it, subject
// to per-job backpressure. Routing runs inside the same transaction as
// the completion it follows, so a crash midway leaves no dangling
// cursor advance without its consumer tasks, or vice versa.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

func marshalEnvelope(v any) ([]byte, error) { return msgpack.Marshal(v) }

func isConflict(err error, target **orcherrors.EntityConflictError) bool {
	return errors.As(err, target)
}

// Store is the control-plane surface event routing depends on.
type Store interface {
	AdvanceCursor(ctx context.Context, datasetUUID uuid.UUID, version int64, cursor int64) error
	RecordPartition(ctx context.Context, datasetUUID uuid.UUID, version int64, partition mmodel.PartitionKey) error
	GetCursor(ctx context.Context, datasetUUID uuid.UUID, version int64) (int64, error)
	ClaimEvent(ctx context.Context, producerTaskID uuid.UUID, attempt int, datasetUUID uuid.UUID, version int64, cursor *int64, partition mmodel.PartitionKey) (bool, error)
	GetDatasetByUUID(ctx context.Context, datasetUUID uuid.UUID) (*mmodel.Dataset, error)
	GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error)
	CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error)
	ReactiveConsumersOf(ctx context.Context, dagVersionID uuid.UUID, datasetName string) ([]mmodel.Job, error)
	CreateTask(ctx context.Context, t *mmodel.Task, uniqueKey string) error
	RecordTaskInputs(ctx context.Context, taskID uuid.UUID, pins []mmodel.InputPin) error
	InsertOutbox(ctx context.Context, row *mmodel.OutboxRow) error
	QueueDepthAndAge(ctx context.Context, jobID uuid.UUID) (depth int, oldestAge time.Duration, err error)
	SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error
	UpstreamProducersOf(ctx context.Context, dagVersionID uuid.UUID, datasetNames []string) ([]mmodel.Job, error)
}

// Event is one declared output a producer task reports at completion (or
// via the events endpoint while still running): either a cursor advance
// for a linear stream or a partition materialization, never both.
type Event struct {
	DatasetUUID    uuid.UUID
	DatasetVersion int64
	Cursor         *int64
	Partition      mmodel.PartitionKey
}

// Router drives the event-routing policy against a Store.
type Router struct {
	store  Store
	logger mlog.Logger
}

// New builds a Router.
func New(store Store, logger mlog.Logger) *Router {
	return &Router{store: store, logger: logger}
}

// Route processes every event reported by producer, in order. A failure
// partway returns the error to the caller, which is expected to be
// running inside a transaction and roll the whole batch back.
func (r *Router) Route(ctx context.Context, producer *mmodel.Task, events []Event) error {
	for _, ev := range events {
		if err := r.routeOne(ctx, producer, ev); err != nil {
			return fmt.Errorf("router: route event for dataset %s: %w", ev.DatasetUUID, err)
		}
	}

	return nil
}

func (r *Router) routeOne(ctx context.Context, producer *mmodel.Task, ev Event) error {
	switch {
	case ev.Cursor != nil:
		if err := r.store.AdvanceCursor(ctx, ev.DatasetUUID, ev.DatasetVersion, *ev.Cursor); err != nil {
			return err
		}
	case !ev.Partition.IsEmpty():
		if err := r.store.RecordPartition(ctx, ev.DatasetUUID, ev.DatasetVersion, ev.Partition); err != nil {
			return err
		}
	}

	first, err := r.store.ClaimEvent(ctx, producer.TaskID, producer.Attempt, ev.DatasetUUID, ev.DatasetVersion, ev.Cursor, ev.Partition)
	if err != nil {
		return err
	}

	if !first {
		// Already routed this exact event on a prior delivery of the
		// same completion/events call (at-least-once transport).
		return nil
	}

	dataset, err := r.store.GetDatasetByUUID(ctx, ev.DatasetUUID)
	if err != nil {
		return err
	}

	consumers, err := r.store.ReactiveConsumersOf(ctx, producer.DagVersionID, dataset.Name)
	if err != nil {
		return err
	}

	for _, job := range consumers {
		if err := r.createConsumerTask(ctx, producer, job, dataset, ev); err != nil {
			return err
		}
	}

	return nil
}

// createConsumerTask dedupe-creates a task for one reactive consumer job
// of the event's dataset, unless the job's queue is over its backpressure
// thresholds (§4.5 "exceeding either threshold pauses upstream task
// creation; the lower priority tier is shed first").
func (r *Router) createConsumerTask(ctx context.Context, producer *mmodel.Task, job mmodel.Job, dataset *mmodel.Dataset, ev Event) error {
	// A job already paused - whether by this job's own backpressure on a
	// prior routing pass, or because it sits upstream of a consumer that
	// is still over threshold - stays shed without recomputing; the
	// producer that set the pause is responsible for clearing it.
	if job.Paused {
		if r.logger != nil {
			r.logger.Infof("router: job %s still paused, skipping task creation", job.Name)
		}

		return nil
	}

	shed, err := r.overBackpressure(ctx, job)
	if err != nil {
		return err
	}

	if shed {
		if err := r.propagatePause(ctx, job, true, map[uuid.UUID]bool{}); err != nil {
			return err
		}

		if r.logger != nil {
			r.logger.Infof("router: job %s paused by backpressure, skipping task creation", job.Name)
		}

		return nil
	}

	if err := r.store.SetJobPaused(ctx, job.JobID, false); err != nil {
		return err
	}

	pins := make([]mmodel.InputPin, 0, len(job.Inputs))

	for _, edge := range job.Inputs {
		var pin mmodel.InputPin

		if edge.DatasetName == dataset.Name {
			pin = mmodel.InputPin{
				InputDatasetUUID: ev.DatasetUUID,
				DatasetVersion:   ev.DatasetVersion,
				Cursor:           ev.Cursor,
				PartitionKey:     ev.Partition.String(),
			}

			if ev.Partition.IsEmpty() {
				pin.PartitionKey = ""
			}
		} else {
			p, err := r.pinOtherEdge(ctx, producer, edge)
			if err != nil {
				return err
			}

			pin = p
		}

		pins = append(pins, pin)
	}

	uniqueKey := consumerUniqueKey(job, ev)

	task := &mmodel.Task{
		OrgID:        producer.OrgID,
		JobID:        job.JobID,
		DagVersionID: job.DagVersionID,
		PriorityTier: job.PriorityTier,
	}

	if err := r.store.CreateTask(ctx, task, uniqueKey); err != nil {
		var conflict *orcherrors.EntityConflictError
		if isConflict(err, &conflict) {
			// Another delivery of the same event already created this
			// consumer's task; that is the dedupe working as intended.
			return nil
		}

		return err
	}

	if err := r.store.RecordTaskInputs(ctx, task.TaskID, pins); err != nil {
		return err
	}

	return r.wakeConsumer(ctx, job, task.TaskID)
}

// wakeConsumer writes the outbox row that gets a pull-worker (or invoked
// runner) moving on the new task, per the job's runtime transport (§9).
func (r *Router) wakeConsumer(ctx context.Context, job mmodel.Job, taskID uuid.UUID) error {
	envelope := mmodel.TaskWakeupEnvelope{Kind: mmodel.EnvelopeTaskWakeup, TaskID: taskID}

	payload, err := marshalEnvelope(envelope)
	if err != nil {
		return fmt.Errorf("router: marshal task wakeup: %w", err)
	}

	topic := "task-wakeup"
	if job.Runtime.TransportKind() == mmodel.TransportInvokedCall {
		topic = "invoke:" + job.Name
	}

	return r.store.InsertOutbox(ctx, &mmodel.OutboxRow{Topic: topic, Payload: payload})
}

// propagatePause sets job's paused flag and, when pausing, cascades the
// same pause to every job upstream of it whose output feeds one of
// job's input edges, recursively, so a downstream overflow halts task
// creation all the way back toward the DAG's sources rather than just
// at the one job that tripped its threshold (§4.5 "recursive through
// the DAG"; scenario 6 "upstream producers also pause"). Resuming is
// one level only: a producer with its own independent backpressure
// state clears its own pause the next time its queue is evaluated.
func (r *Router) propagatePause(ctx context.Context, job mmodel.Job, paused bool, visited map[uuid.UUID]bool) error {
	if visited[job.JobID] {
		return nil
	}

	visited[job.JobID] = true

	if err := r.store.SetJobPaused(ctx, job.JobID, paused); err != nil {
		return err
	}

	if !paused || len(job.Inputs) == 0 {
		return nil
	}

	names := make([]string, 0, len(job.Inputs))
	for _, e := range job.Inputs {
		names = append(names, e.DatasetName)
	}

	producers, err := r.store.UpstreamProducersOf(ctx, job.DagVersionID, names)
	if err != nil {
		return err
	}

	for _, p := range producers {
		if err := r.propagatePause(ctx, p, paused, visited); err != nil {
			return err
		}
	}

	return nil
}

// overBackpressure reports whether job's queue currently exceeds its
// declared threshold. A job declaring no threshold (zero value) is
// never shed. The low priority tier sheds at the plain threshold; the
// high tier only sheds once depth/age doubles it, so a burst affecting
// both tiers drains low-priority work first.
func (r *Router) overBackpressure(ctx context.Context, job mmodel.Job) (bool, error) {
	if job.MaxQueueDepth <= 0 && job.MaxQueueAge <= 0 {
		return false, nil
	}

	depth, age, err := r.store.QueueDepthAndAge(ctx, job.JobID)
	if err != nil {
		return false, err
	}

	depthLimit, ageLimit := job.MaxQueueDepth, time.Duration(job.MaxQueueAge)*time.Second

	if job.PriorityTier == mmodel.PriorityHigh {
		if depthLimit > 0 {
			depthLimit *= 2
		}

		ageLimit *= 2
	}

	if depthLimit > 0 && depth > depthLimit {
		return true, nil
	}

	if ageLimit > 0 && age > ageLimit {
		return true, nil
	}

	return false, nil
}

// pinOtherEdge resolves the current pinned version for a job input edge
// that is not the one triggering this routing pass, using the DAG
// version's active pointer set and that dataset's current cursor.
func (r *Router) pinOtherEdge(ctx context.Context, producer *mmodel.Task, edge mmodel.Edge) (mmodel.InputPin, error) {
	ds, err := r.store.GetDatasetByName(ctx, producer.OrgID, edge.DatasetName)
	if err != nil {
		return mmodel.InputPin{}, err
	}

	entries, err := r.store.CurrentPointerSet(ctx, producer.DagVersionID)
	if err != nil {
		return mmodel.InputPin{}, err
	}

	var version int64

	for _, e := range entries {
		if e.DatasetUUID == ds.DatasetUUID {
			version = e.DatasetVersion
			break
		}
	}

	cursor, err := r.store.GetCursor(ctx, ds.DatasetUUID, version)
	if err != nil {
		return mmodel.InputPin{}, err
	}

	return mmodel.InputPin{InputDatasetUUID: ds.DatasetUUID, DatasetVersion: version, Cursor: &cursor}, nil
}

func consumerUniqueKey(job mmodel.Job, ev Event) string {
	if ev.Cursor != nil {
		return fmt.Sprintf("%s:%s:%d:%d", job.JobID, ev.DatasetUUID, ev.DatasetVersion, *ev.Cursor)
	}

	return fmt.Sprintf("%s:%s:%d:%s", job.JobID, ev.DatasetUUID, ev.DatasetVersion, ev.Partition.String())
}
