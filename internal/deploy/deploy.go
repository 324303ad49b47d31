// Package deploy implements the DAG deploy/cutover controller (C9, §4.9):
// parse and validate a DAG description, create or reuse its DAG version,
// compute which jobs' outputs must be rematerialized, build the new
// dataset versions in parallel, and atomically cut the active DAG
// pointer over once rematerialization is complete. Rollback restores a
// prior version's pointer set and cancels the in-flight tasks of the
// version it supersedes.
package deploy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tracehq/orchestrator/internal/adapters/postgres"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// Store is the control-plane surface the deploy controller depends on.
// It is satisfied by *internal/adapters/postgres.Store.
type Store interface {
	FindDagVersionByHash(ctx context.Context, dagName, hash string) (*postgres.DagVersion, error)
	CreateDagVersion(ctx context.Context, v *postgres.DagVersion) error
	CurrentDagVersionID(ctx context.Context, dagName string) (uuid.UUID, error)
	SetCurrentDagVersion(ctx context.Context, dagName string, dagVersionID uuid.UUID) error
	ListJobsByDagVersion(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.Job, error)
	UpsertJob(ctx context.Context, j *mmodel.Job) error
	SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error
	UpsertDataset(ctx context.Context, d *mmodel.Dataset) error
	GetDatasetByName(ctx context.Context, orgID uuid.UUID, name string) (*mmodel.Dataset, error)
	ListDatasetsByDagName(ctx context.Context, orgID uuid.UUID, dagName string) ([]mmodel.Dataset, error)
	CreateDatasetVersion(ctx context.Context, v *mmodel.DatasetVersion) error
	LatestDatasetVersion(ctx context.Context, datasetUUID uuid.UUID) (int64, error)
	CurrentPointerSet(ctx context.Context, dagVersionID uuid.UUID) ([]mmodel.PointerSetEntry, error)
	SeedPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error
	CutoverPointerSet(ctx context.Context, dagVersionID uuid.UUID, entries []mmodel.PointerSetEntry) error
	CancelTasksForDagVersion(ctx context.Context, dagVersionID uuid.UUID) (int64, error)
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Controller drives the deploy/cutover workflow against a Store.
type Controller struct {
	store    Store
	logger   mlog.Logger
	validate *validator.Validate
}

// New builds a Controller.
func New(store Store, logger mlog.Logger) *Controller {
	return &Controller{store: store, logger: logger, validate: validator.New()}
}

// Result reports what Deploy did, enough for a caller to decide whether
// and when to call Cutover.
type Result struct {
	DagVersionID       uuid.UUID
	Reused             bool
	RematerializedJobs []string
	NewDatasetVersions map[uuid.UUID]int64
}

// Deploy ingests a DAG description (§4.9 step 1-6): it parses and
// validates r, creates or reuses the matching DagVersion by content hash
// (P9), upserts job definitions and the dataset registry, computes the
// rematerialization scope, builds new dataset versions for it, and seeds
// the new DAG version's pointer set. It does not activate the new
// version; call Cutover once rematerialization is satisfied.
func (c *Controller) Deploy(ctx context.Context, orgID uuid.UUID, r io.Reader) (*Result, error) {
	desc, hash, err := Parse(r, c.validate)
	if err != nil {
		return nil, err
	}

	if existing, err := c.store.FindDagVersionByHash(ctx, desc.Name, hash); err == nil {
		return &Result{DagVersionID: existing.DagVersionID, Reused: true}, nil
	} else if !isNotFound(err) {
		return nil, fmt.Errorf("deploy: lookup existing dag version: %w", err)
	}

	oldDagVersionID, err := c.store.CurrentDagVersionID(ctx, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("deploy: resolve current dag version: %w", err)
	}

	oldFingerprints := map[string]string{}

	if oldDagVersionID != uuid.Nil {
		oldJobs, err := c.store.ListJobsByDagVersion(ctx, oldDagVersionID)
		if err != nil {
			return nil, fmt.Errorf("deploy: list prior jobs: %w", err)
		}

		for _, j := range oldJobs {
			oldFingerprints[j.Name] = j.MaterializationFingerprint()
		}
	}

	descBytes, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("deploy: marshal description: %w", err)
	}

	version := &postgres.DagVersion{DagName: desc.Name, Description: descBytes, Hash: hash}
	if err := c.store.CreateDagVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("deploy: create dag version: %w", err)
	}

	newDagVersionID := version.DagVersionID

	jobsByName := make(map[string]mmodel.Job, len(desc.Jobs))
	changed := make(map[string]bool)

	for _, spec := range desc.Jobs {
		job := jobFromSpec(spec, newDagVersionID)

		if err := c.store.UpsertJob(ctx, &job); err != nil {
			return nil, fmt.Errorf("deploy: upsert job %s: %w", spec.Name, err)
		}

		jobsByName[job.Name] = job

		if prior, ok := oldFingerprints[job.Name]; !ok || prior != job.MaterializationFingerprint() {
			changed[job.Name] = true
		}
	}

	for _, pub := range desc.Publish {
		if _, ok := jobsByName[pub.JobName]; !ok {
			return nil, &orcherrors.DeployRejectedError{Message: fmt.Sprintf("publish entry references unknown job %q", pub.JobName)}
		}

		ds := &mmodel.Dataset{
			OrgID:       orgID,
			Name:        pub.DatasetName,
			DagName:     desc.Name,
			JobName:     pub.JobName,
			OutputIndex: pub.OutputIndex,
			MultiWriter: pub.MultiWriter,
		}

		if err := c.store.UpsertDataset(ctx, ds); err != nil {
			return nil, fmt.Errorf("deploy: upsert dataset %s: %w", pub.DatasetName, err)
		}
	}

	affected := c.rematerializationScope(desc, changed)

	newVersions, err := c.buildDatasetVersions(ctx, orgID, affected, jobsByName)
	if err != nil {
		return nil, err
	}

	if err := c.seedPointerSet(ctx, orgID, desc.Name, oldDagVersionID, newDagVersionID, newVersions); err != nil {
		return nil, err
	}

	for name := range affected {
		if err := c.store.SetJobPaused(ctx, jobsByName[name].JobID, true); err != nil {
			return nil, fmt.Errorf("deploy: pause rematerializing job %s: %w", name, err)
		}
	}

	return &Result{
		DagVersionID:       newDagVersionID,
		RematerializedJobs: sortedKeys(affected),
		NewDatasetVersions: newVersions,
	}, nil
}

// Cutover atomically activates dagVersionID and unpauses every job under
// it (§4.9 step 7 "update current DAG pointer and pointer set
// atomically"). Its pointer_set rows must already be seeded, which Deploy
// does before returning.
func (c *Controller) Cutover(ctx context.Context, dagName string, dagVersionID uuid.UUID) error {
	return c.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := c.store.SetCurrentDagVersion(ctx, dagName, dagVersionID); err != nil {
			return fmt.Errorf("deploy: activate dag version: %w", err)
		}

		jobs, err := c.store.ListJobsByDagVersion(ctx, dagVersionID)
		if err != nil {
			return fmt.Errorf("deploy: list jobs for cutover: %w", err)
		}

		for _, j := range jobs {
			if err := c.store.SetJobPaused(ctx, j.JobID, false); err != nil {
				return fmt.Errorf("deploy: unpause job %s: %w", j.Name, err)
			}
		}

		return nil
	})
}

// Rollback restores targetDagVersionID's pointer set as the active one
// and cancels every Queued/Running task still belonging to whichever DAG
// version was active before the rollback, in one transaction (§4.9
// "rollback: inverse transaction ... canceling in-flight tasks of the
// abandoned version").
func (c *Controller) Rollback(ctx context.Context, dagName string, targetDagVersionID uuid.UUID) (canceled int64, err error) {
	err = c.store.WithTransaction(ctx, func(ctx context.Context) error {
		current, lookupErr := c.store.CurrentDagVersionID(ctx, dagName)
		if lookupErr != nil {
			return fmt.Errorf("deploy: resolve current dag version: %w", lookupErr)
		}

		entries, lookupErr := c.store.CurrentPointerSet(ctx, targetDagVersionID)
		if lookupErr != nil {
			return fmt.Errorf("deploy: load target pointer set: %w", lookupErr)
		}

		if cutoverErr := c.store.CutoverPointerSet(ctx, targetDagVersionID, entries); cutoverErr != nil {
			return fmt.Errorf("deploy: restore pointer set: %w", cutoverErr)
		}

		if current == uuid.Nil || current == targetDagVersionID {
			return nil
		}

		n, cancelErr := c.store.CancelTasksForDagVersion(ctx, current)
		if cancelErr != nil {
			return fmt.Errorf("deploy: cancel abandoned tasks: %w", cancelErr)
		}

		canceled = n

		return nil
	})

	return canceled, err
}

// rematerializationScope returns the set of job names whose outputs must
// be rebuilt: every job whose fingerprint changed, plus the transitive
// closure of its downstream reactive consumers within this DAG
// description (§4.9 step 4 "changing a runtime, operator, or config hash
// forces rematerialization of that job's outputs and everything
// downstream of them").
func (c *Controller) rematerializationScope(desc *mmodel.DagDescription, changed map[string]bool) map[string]bool {
	producerOf := make(map[string]string, len(desc.Jobs))

	for _, j := range desc.Jobs {
		for _, out := range j.Outputs {
			producerOf[out.Dataset] = j.Name
		}
	}

	consumersOf := make(map[string][]string, len(desc.Jobs))

	for _, j := range desc.Jobs {
		for _, in := range j.Inputs {
			if producer, ok := producerOf[in.Dataset]; ok {
				consumersOf[producer] = append(consumersOf[producer], j.Name)
			}
		}
	}

	affected := make(map[string]bool, len(changed))
	queue := make([]string, 0, len(changed))

	for name := range changed {
		affected[name] = true
		queue = append(queue, name)
	}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		for _, next := range consumersOf[name] {
			if !affected[next] {
				affected[next] = true
				queue = append(queue, next)
			}
		}
	}

	return affected
}

// buildDatasetVersions creates a new DatasetVersion for every output of
// every affected job, concurrently (§4.9 step 5 "build new dataset
// versions in parallel"). Multi-writer buffered datasets are excluded:
// their sink consumer is never driven through a DAG cutover (§4.8).
func (c *Controller) buildDatasetVersions(ctx context.Context, orgID uuid.UUID, affected map[string]bool, jobsByName map[string]mmodel.Job) (map[uuid.UUID]int64, error) {
	var targets []string

	seen := map[string]bool{}

	for name := range affected {
		for _, out := range jobsByName[name].Outputs {
			if !seen[out.DatasetName] {
				seen[out.DatasetName] = true
				targets = append(targets, out.DatasetName)
			}
		}
	}

	result := make(map[uuid.UUID]int64, len(targets))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, datasetName := range targets {
		datasetName := datasetName

		g.Go(func() error {
			ds, err := c.store.GetDatasetByName(gctx, orgID, datasetName)
			if err != nil {
				return fmt.Errorf("deploy: resolve dataset %s: %w", datasetName, err)
			}

			if ds.MultiWriter {
				return nil
			}

			next := int64(1)

			if latest, err := c.store.LatestDatasetVersion(gctx, ds.DatasetUUID); err == nil {
				next = latest + 1
			} else if !isNotFound(err) {
				return fmt.Errorf("deploy: latest version of %s: %w", datasetName, err)
			}

			dv := &mmodel.DatasetVersion{
				DatasetUUID:    ds.DatasetUUID,
				DatasetVersion: next,
				StorageRef:     fmt.Sprintf("s3://trace-dataplane/%s/v%d/", ds.DatasetUUID, next),
			}

			if err := c.store.CreateDatasetVersion(gctx, dv); err != nil {
				return fmt.Errorf("deploy: create dataset version for %s: %w", datasetName, err)
			}

			mu.Lock()
			result[ds.DatasetUUID] = next
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// seedPointerSet writes newDagVersionID's full pointer_set: affected
// datasets point at the version buildDatasetVersions just created,
// everything else carries forward the prior DAG version's pointer (or
// its latest materialization, if this DAG has never had an active
// version before).
func (c *Controller) seedPointerSet(ctx context.Context, orgID uuid.UUID, dagName string, oldDagVersionID, newDagVersionID uuid.UUID, newVersions map[uuid.UUID]int64) error {
	datasets, err := c.store.ListDatasetsByDagName(ctx, orgID, dagName)
	if err != nil {
		return fmt.Errorf("deploy: list datasets: %w", err)
	}

	oldPointers := map[uuid.UUID]int64{}

	if oldDagVersionID != uuid.Nil {
		entries, err := c.store.CurrentPointerSet(ctx, oldDagVersionID)
		if err != nil {
			return fmt.Errorf("deploy: load prior pointer set: %w", err)
		}

		for _, e := range entries {
			oldPointers[e.DatasetUUID] = e.DatasetVersion
		}
	}

	entries := make([]mmodel.PointerSetEntry, 0, len(datasets))

	for _, ds := range datasets {
		version, ok := newVersions[ds.DatasetUUID]
		if !ok {
			version, ok = oldPointers[ds.DatasetUUID]
		}

		if !ok {
			latest, err := c.store.LatestDatasetVersion(ctx, ds.DatasetUUID)
			if err != nil {
				// Never materialized; nothing to pin yet.
				continue
			}

			version = latest
		}

		entries = append(entries, mmodel.PointerSetEntry{DagVersionID: newDagVersionID, DatasetUUID: ds.DatasetUUID, DatasetVersion: version})
	}

	return c.store.SeedPointerSet(ctx, newDagVersionID, entries)
}

func isNotFound(err error) bool {
	var notFound *orcherrors.EntityNotFoundError
	return errors.As(err, &notFound)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}

	return out
}

func jobFromSpec(spec mmodel.JobSpec, dagVersionID uuid.UUID) mmodel.Job {
	config, _ := json.Marshal(spec.Config)
	sum := sha256.Sum256(config)

	heartbeat := spec.HeartbeatTimeoutSec
	if spec.Source != nil {
		heartbeat = spec.Source.HeartbeatTimeoutSeconds
	}

	priority := spec.Priority
	if priority == "" {
		priority = mmodel.PriorityHigh
	}

	return mmodel.Job{
		DagVersionID:        dagVersionID,
		Name:                spec.Name,
		Activation:          spec.Activation,
		Runtime:             spec.Runtime,
		Operator:            spec.Operator,
		Inputs:              edgesFromSpec(spec.Inputs),
		Outputs:             edgesFromSpec(spec.Outputs),
		UpdateStrategy:      spec.UpdateStrategy,
		UniqueKey:           spec.UniqueKey,
		TimeoutSeconds:      spec.TimeoutSeconds,
		MaxAttempts:         spec.MaxAttempts,
		HeartbeatTimeoutSec: heartbeat,
		Config:              config,
		ConfigHash:          hex.EncodeToString(sum[:]),
		MaxQueueDepth:       spec.MaxQueueDepth,
		MaxQueueAge:         spec.MaxQueueAgeSeconds,
		PriorityTier:        priority,
	}
}

func edgesFromSpec(specs []mmodel.EdgeSpec) []mmodel.Edge {
	edges := make([]mmodel.Edge, 0, len(specs))
	for _, s := range specs {
		edges = append(edges, mmodel.Edge{DatasetName: s.Dataset, Where: s.Where})
	}

	return edges
}

// Parse strictly decodes a DAG description (§6), rejecting unknown
// fields, applies struct-tag validation, runs the semantic checks struct
// tags can't express, and returns the parsed description alongside its
// content hash (§4.9 step 2, P9: applying the same description twice
// yields the same hash and therefore the same DAG version).
func Parse(r io.Reader, v *validator.Validate) (*mmodel.DagDescription, string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("deploy: read description: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var desc mmodel.DagDescription
	if err := dec.Decode(&desc); err != nil {
		return nil, "", &orcherrors.DeployRejectedError{Message: "malformed dag description", Err: err}
	}

	if v == nil {
		v = validator.New()
	}

	if err := v.Struct(&desc); err != nil {
		return nil, "", &orcherrors.DeployRejectedError{Message: "dag description failed validation", Err: err}
	}

	if err := validateSemantics(&desc); err != nil {
		return nil, "", err
	}

	canonical, err := json.Marshal(&desc)
	if err != nil {
		return nil, "", fmt.Errorf("deploy: canonicalize description: %w", err)
	}

	sum := sha256.Sum256(canonical)

	return &desc, hex.EncodeToString(sum[:]), nil
}

// validateSemantics checks the rules struct tags can't express: no
// duplicate job names, append strategy requires a unique_key, source
// activation requires a source spec, reactive activation requires at
// least one input, input-edge filters are scalar-or-list-of-scalar, and a
// dataset is published at most once unless multi_writer.
func validateSemantics(desc *mmodel.DagDescription) error {
	seen := make(map[string]bool, len(desc.Jobs))

	for _, job := range desc.Jobs {
		if seen[job.Name] {
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("duplicate job name %q", job.Name)}
		}

		seen[job.Name] = true

		if job.UpdateStrategy == mmodel.UpdateStrategyAppend && job.UniqueKey == "" {
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("job %q: append update strategy requires unique_key", job.Name)}
		}

		if job.Activation == mmodel.ActivationSource && job.Source == nil {
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("job %q: source activation requires a source spec", job.Name)}
		}

		if job.Activation == mmodel.ActivationReactive && len(job.Inputs) == 0 {
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("job %q: reactive activation requires at least one input", job.Name)}
		}

		for _, edge := range job.Inputs {
			if err := validateWhere(job.Name, edge.Where); err != nil {
				return err
			}
		}
	}

	published := make(map[string]bool, len(desc.Publish))

	for _, pub := range desc.Publish {
		if published[pub.DatasetName] && !pub.MultiWriter {
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("dataset %q published more than once without multi_writer", pub.DatasetName)}
		}

		published[pub.DatasetName] = true
	}

	return nil
}

func validateWhere(jobName string, where map[string]any) error {
	for field, v := range where {
		switch val := v.(type) {
		case string, float64, int, bool, nil:
			continue
		case []any:
			for _, item := range val {
				switch item.(type) {
				case string, float64, int, bool:
					continue
				default:
					return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("job %q: where.%s contains a non-scalar list element", jobName, field)}
				}
			}
		default:
			return &orcherrors.DeployRejectedError{Message: fmt.Sprintf("job %q: where.%s must be a scalar or list of scalars", jobName, field)}
		}
	}

	return nil
}
