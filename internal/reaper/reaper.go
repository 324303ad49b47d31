// Package reaper runs the periodic sweeps that keep the control plane
// converging without a worker's cooperation (§4.6): reclaiming tasks
// whose lease expired without a heartbeat, requeuing Failed tasks once
// their backoff has elapsed, restarting source-activation jobs that have
// gone quiet, and surfacing outbox rows that exhausted their retries.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracehq/orchestrator/pkg/mlock"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mretry"
	"github.com/tracehq/orchestrator/pkg/mruntime"
)

// Store is the control-plane surface the reaper depends on.
type Store interface {
	ExpireLeases(ctx context.Context, maxAttempts int, backoff mretry.Config) ([]uuid.UUID, error)
	DueForRetry(ctx context.Context) ([]uuid.UUID, error)
	RequeueTask(ctx context.Context, taskID uuid.UUID) error
	InsertOutbox(ctx context.Context, row *mmodel.OutboxRow) error
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	StaleSourceJobs(ctx context.Context) ([]mmodel.Job, error)
	SetJobPaused(ctx context.Context, jobID uuid.UUID, paused bool) error
	ListDLQ(ctx context.Context, limit int) ([]mmodel.OutboxRow, error)
}

// SourceRestarter restarts a stalled source-activation job, e.g. by
// invoking a runtime-specific control-plane call or raising an alert for
// an operator; the orchestration core only detects staleness, it does
// not know how to drive any particular source implementation back to
// life (§4.6, §9).
type SourceRestarter interface {
	RestartSource(ctx context.Context, job mmodel.Job)
}

// Alerter raises an operational signal for dead-lettered outbox rows.
type Alerter interface {
	RowDeadLettered(ctx context.Context, row mmodel.OutboxRow)
}

// NopSourceRestarter discards every restart request.
type NopSourceRestarter struct{}

// RestartSource implements SourceRestarter.
func (NopSourceRestarter) RestartSource(context.Context, mmodel.Job) {}

// NopAlerter discards every alert.
type NopAlerter struct{}

// RowDeadLettered implements Alerter.
func (NopAlerter) RowDeadLettered(context.Context, mmodel.OutboxRow) {}

// Reaper drives the periodic sweeps. Each sweep kind runs on its own
// ticker so a slow DLQ scan never delays lease expiry.
type Reaper struct {
	store       Store
	restarter   SourceRestarter
	alerter     Alerter
	logger      mlog.Logger
	locker      mlock.Locker
	maxAttempts int
	backoff     mretry.Config

	leaseSweepEvery  time.Duration
	retrySweepEvery  time.Duration
	sourceSweepEvery time.Duration
	dlqSweepEvery    time.Duration
}

// Config holds Reaper construction parameters.
type Config struct {
	Store     Store
	Restarter SourceRestarter
	Alerter   Alerter
	Logger    mlog.Logger
	// Locker gates each sweep tick behind a cross-replica mutex so that
	// running N Dispatcher replicas doesn't have all N scan the same
	// window concurrently (§5). Defaults to mlock.Noop, i.e. every
	// replica sweeps independently, which is still correct (the store's
	// row-level locking fences the actual mutations) just less efficient.
	Locker           mlock.Locker
	MaxAttempts      int
	Backoff          mretry.Config
	LeaseSweepEvery  time.Duration
	RetrySweepEvery  time.Duration
	SourceSweepEvery time.Duration
	DLQSweepEvery    time.Duration
}

// New builds a Reaper, defaulting sweep intervals and collaborators that
// were left zero/nil.
func New(cfg Config) *Reaper {
	restarter := cfg.Restarter
	if restarter == nil {
		restarter = NopSourceRestarter{}
	}

	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NopAlerter{}
	}

	locker := cfg.Locker
	if locker == nil {
		locker = mlock.Noop{}
	}

	r := &Reaper{
		store:            cfg.Store,
		restarter:        restarter,
		alerter:          alerter,
		logger:           cfg.Logger,
		locker:           locker,
		maxAttempts:      cfg.MaxAttempts,
		backoff:          cfg.Backoff,
		leaseSweepEvery:  cfg.LeaseSweepEvery,
		retrySweepEvery:  cfg.RetrySweepEvery,
		sourceSweepEvery: cfg.SourceSweepEvery,
		dlqSweepEvery:    cfg.DLQSweepEvery,
	}

	if r.leaseSweepEvery == 0 {
		r.leaseSweepEvery = 15 * time.Second
	}

	if r.retrySweepEvery == 0 {
		r.retrySweepEvery = 15 * time.Second
	}

	if r.sourceSweepEvery == 0 {
		r.sourceSweepEvery = time.Minute
	}

	if r.dlqSweepEvery == 0 {
		r.dlqSweepEvery = 5 * time.Minute
	}

	return r
}

// Run launches every sweep as a panic-safe goroutine, blocking until ctx
// is canceled.
func (r *Reaper) Run(ctx context.Context) {
	rt := mlog.AsRuntimeLogger(r.logger)

	mruntime.SafeGoWithContext(ctx, rt, "reaper-lease-sweep", mruntime.KeepRunning, r.loop("lease-sweep", r.leaseSweepEvery, r.sweepLeases))
	mruntime.SafeGoWithContext(ctx, rt, "reaper-retry-sweep", mruntime.KeepRunning, r.loop("retry-sweep", r.retrySweepEvery, r.sweepRetries))
	mruntime.SafeGoWithContext(ctx, rt, "reaper-source-sweep", mruntime.KeepRunning, r.loop("source-sweep", r.sourceSweepEvery, r.sweepSources))
	mruntime.SafeGoWithContext(ctx, rt, "reaper-dlq-sweep", mruntime.KeepRunning, r.loop("dlq-sweep", r.dlqSweepEvery, r.sweepDLQ))

	<-ctx.Done()
}

func (r *Reaper) loop(name string, every time.Duration, sweep func(ctx context.Context)) func(ctx context.Context) {
	return func(ctx context.Context) {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.locker.TryRun(ctx, name, every, sweep); err != nil {
					r.logger.Errorf("reaper: %s: %v", name, err)
				}
			}
		}
	}
}

// sweepLeases reclaims tasks whose lease expired without a heartbeat
// (invariant P1).
func (r *Reaper) sweepLeases(ctx context.Context) {
	ids, err := r.store.ExpireLeases(ctx, r.maxAttempts, r.backoff)
	if err != nil {
		r.logger.Errorf("reaper: expire leases: %v", err)
		return
	}

	if len(ids) > 0 {
		r.logger.Infof("reaper: expired %d stale lease(s)", len(ids))
	}
}

// sweepRetries requeues Failed tasks whose backoff has elapsed, writing
// a fresh outbox wake-up in the same transaction so a pull-worker is
// nudged to claim it rather than waiting on its next poll (§4.6).
func (r *Reaper) sweepRetries(ctx context.Context) {
	ids, err := r.store.DueForRetry(ctx)
	if err != nil {
		r.logger.Errorf("reaper: due for retry: %v", err)
		return
	}

	for _, id := range ids {
		err := r.store.WithTransaction(ctx, func(ctx context.Context) error {
			if err := r.store.RequeueTask(ctx, id); err != nil {
				return err
			}

			payload, err := msgpack.Marshal(mmodel.TaskWakeupEnvelope{Kind: mmodel.EnvelopeTaskWakeup, TaskID: id})
			if err != nil {
				return fmt.Errorf("marshal task wakeup: %w", err)
			}

			return r.store.InsertOutbox(ctx, &mmodel.OutboxRow{Topic: "task-wakeup", Payload: payload})
		})
		if err != nil {
			r.logger.Errorf("reaper: requeue task %s: %v", id, err)
		}
	}
}

// sweepSources finds source-activation jobs whose heartbeat has gone
// stale, pauses them, and asks the deployment-specific restarter to
// bring them back.
func (r *Reaper) sweepSources(ctx context.Context) {
	jobs, err := r.store.StaleSourceJobs(ctx)
	if err != nil {
		r.logger.Errorf("reaper: stale source jobs: %v", err)
		return
	}

	for _, job := range jobs {
		if err := r.store.SetJobPaused(ctx, job.JobID, true); err != nil {
			r.logger.Errorf("reaper: pause stale source job %s: %v", job.Name, err)
			continue
		}

		r.logger.Warnf("reaper: source job %s missed its heartbeat, restarting", job.Name)
		r.restarter.RestartSource(ctx, job)
	}
}

// sweepDLQ raises an operational signal for every dead-lettered outbox
// row, the terminal-Failed-outbox-row case called out in §4.6.
func (r *Reaper) sweepDLQ(ctx context.Context) {
	rows, err := r.store.ListDLQ(ctx, 100)
	if err != nil {
		r.logger.Errorf("reaper: list dlq: %v", err)
		return
	}

	for _, row := range rows {
		r.alerter.RowDeadLettered(ctx, row)
	}
}
