// Package worker implements the worker protocol (§4.7): a pull-worker
// wrapper that receives task-wakeup envelopes off a queue, claims and
// executes the task through an Operator, then completes or fails it and
// acks the queue message (it heartbeats the Dispatcher but does not
// extend the message's queue visibility); and a one-shot invoked-runner
// wrapper for lambda/ecs_task runtimes that never retries or requeues on
// its own, leaving retry scheduling to the Dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracehq/orchestrator/internal/dispatchclient"
	"github.com/tracehq/orchestrator/internal/queue"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mruntime"
)

// Result is what an Operator reports back after executing a task.
type Result struct {
	Outputs []mmodel.Handle
	Events  []dispatchclient.CompletionEvent
}

// Operator runs one job's business logic against a claimed task's
// payload. Implementations are registered by job.Operator name (§3);
// the orchestration core never interprets operator internals.
type Operator interface {
	Execute(ctx context.Context, payload mmodel.TaskPayload) (Result, error)
}

// OperatorFunc adapts a plain function to Operator.
type OperatorFunc func(ctx context.Context, payload mmodel.TaskPayload) (Result, error)

// Execute implements Operator.
func (f OperatorFunc) Execute(ctx context.Context, payload mmodel.TaskPayload) (Result, error) {
	return f(ctx, payload)
}

// Registry resolves a job's named operator at claim time.
type Registry map[string]Operator

// Lookup returns the operator registered for name, or an error if none is.
func (r Registry) Lookup(name string) (Operator, error) {
	op, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("worker: no operator registered for %q", name)
	}

	return op, nil
}

// PullWorker drains a queue of task-wakeup envelopes and drives each
// claimed task to completion, heartbeating the Dispatcher lease while the
// operator runs (§4.7). The heartbeat does not extend the queue message's
// visibility.
type PullWorker struct {
	dispatcher *dispatchclient.Client
	queue      queue.Driver
	operators  Registry
	logger     mlog.Logger

	queueName       string
	receiveMax      int
	visibility      time.Duration
	heartbeatEvery  time.Duration
	poisonThreshold int
}

// Config holds PullWorker construction parameters.
type Config struct {
	Dispatcher      *dispatchclient.Client
	Queue           queue.Driver
	Operators       Registry
	Logger          mlog.Logger
	QueueName       string
	ReceiveMax      int
	Visibility      time.Duration
	HeartbeatEvery  time.Duration
	PoisonThreshold int
}

// New builds a PullWorker, defaulting zero-valued tuning knobs.
func New(cfg Config) *PullWorker {
	w := &PullWorker{
		dispatcher:      cfg.Dispatcher,
		queue:           cfg.Queue,
		operators:       cfg.Operators,
		logger:          cfg.Logger,
		queueName:       cfg.QueueName,
		receiveMax:      cfg.ReceiveMax,
		visibility:      cfg.Visibility,
		heartbeatEvery:  cfg.HeartbeatEvery,
		poisonThreshold: cfg.PoisonThreshold,
	}

	if w.queueName == "" {
		w.queueName = "task-wakeup"
	}

	if w.receiveMax <= 0 {
		w.receiveMax = 10
	}

	if w.visibility <= 0 {
		w.visibility = 30 * time.Second
	}

	if w.heartbeatEvery <= 0 {
		w.heartbeatEvery = w.visibility / 3
	}

	if w.poisonThreshold <= 0 {
		w.poisonThreshold = queue.MaxReceiveCount
	}

	return w
}

// Run polls the queue forever until ctx is canceled.
func (w *PullWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.queueName, w.receiveMax, w.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.logger.Errorf("worker: receive: %v", err)
			continue
		}

		for _, msg := range messages {
			msg := msg
			mruntime.SafeGoWithContext(ctx, mlog.AsRuntimeLogger(w.logger), "worker-handle-message", mruntime.KeepRunning, func(ctx context.Context) {
				w.handle(ctx, msg)
			})
		}
	}
}

func (w *PullWorker) handle(ctx context.Context, msg queue.Message) {
	if msg.DeliveryCount > w.poisonThreshold {
		w.logger.Errorf("worker: dropping poison message after %d deliveries", msg.DeliveryCount)

		if err := w.queue.Ack(ctx, w.queueName, msg.Receipt); err != nil {
			w.logger.Errorf("worker: ack poison message: %v", err)
		}

		return
	}

	var envelope mmodel.TaskWakeupEnvelope
	if err := msgpack.Unmarshal(msg.Payload, &envelope); err != nil {
		w.logger.Errorf("worker: decode task wakeup: %v", err)
		return
	}

	claimed := w.claimAndRun(ctx, envelope.TaskID)

	// Whether claimed, lost the claim race, or failed outright, this
	// delivery's job is done: another wakeup (or the reaper's retry
	// sweep) will produce a fresh delivery if the task still needs work.
	if err := w.queue.Ack(ctx, w.queueName, msg.Receipt); err != nil {
		w.logger.Errorf("worker: ack task %s: %v", envelope.TaskID, err)
	}

	_ = claimed
}

// claimAndRun claims taskID, executes its operator while heartbeating,
// and reports completion or failure. It reports whether the claim
// succeeded at all (false covers lost claim races, for which there is
// nothing further for this worker to do).
func (w *PullWorker) claimAndRun(ctx context.Context, taskID uuid.UUID) bool {
	claim, err := w.dispatcher.Claim(ctx, taskID)
	if err != nil {
		w.logger.Errorf("worker: claim task %s: %v", taskID, err)
		return false
	}

	if claim.Status != mmodel.ClaimStatusClaimed {
		return false
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	go w.heartbeatLoop(hbCtx, taskID, claim.CapabilityToken, claim.Attempt)

	op, err := w.operators.Lookup(claim.Payload.Operator)
	if err != nil {
		w.reportFail(ctx, taskID, claim.CapabilityToken, claim.Attempt, mmodel.ErrorKindOperatorFailed, err.Error())
		return true
	}

	result, err := op.Execute(ctx, *claim.Payload)
	stopHeartbeat()

	if err != nil {
		kind := mmodel.ErrorKindOperatorFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = mmodel.ErrorKindOperatorTimeout
		}

		w.reportFail(ctx, taskID, claim.CapabilityToken, claim.Attempt, kind, err.Error())
		return true
	}

	if err := w.dispatcher.Complete(ctx, taskID, claim.CapabilityToken, claim.Attempt, result.Outputs, result.Events); err != nil {
		w.logger.Errorf("worker: complete task %s: %v", taskID, err)
	}

	return true
}

func (w *PullWorker) reportFail(ctx context.Context, taskID uuid.UUID, token string, attempt int, kind mmodel.ErrorKind, message string) {
	if err := w.dispatcher.Fail(ctx, taskID, token, attempt, kind, message); err != nil {
		w.logger.Errorf("worker: fail task %s: %v", taskID, err)
	}
}

func (w *PullWorker) heartbeatLoop(ctx context.Context, taskID uuid.UUID, token string, attempt int) {
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.dispatcher.Heartbeat(ctx, taskID, token, attempt); err != nil {
				w.logger.Errorf("worker: heartbeat task %s: %v", taskID, err)
				return
			}
		}
	}
}

// InvokedRunner executes exactly one task attempt out-of-band: the
// caller (a lambda handler, an ECS task entrypoint) has already been
// invoked with taskID and a capability token by its own platform; this
// wrapper never requeues or retries on its own, and retry scheduling
// stays with the Dispatcher (§9 "invoked_call" transport).
type InvokedRunner struct {
	dispatcher     *dispatchclient.Client
	operators      Registry
	logger         mlog.Logger
	heartbeatEvery time.Duration
}

// NewInvokedRunner builds an InvokedRunner.
func NewInvokedRunner(dispatcher *dispatchclient.Client, operators Registry, logger mlog.Logger, heartbeatEvery time.Duration) *InvokedRunner {
	return &InvokedRunner{dispatcher: dispatcher, operators: operators, logger: logger, heartbeatEvery: heartbeatEvery}
}

// Run executes one attempt of taskID using the capability token the
// platform handed this invocation, completing or failing it before
// returning. It does not retry: a non-nil return only reports that this
// attempt failed.
func (r *InvokedRunner) Run(ctx context.Context, taskID uuid.UUID, token string) error {
	payload, err := r.dispatcher.Fetch(ctx, taskID, token)
	if err != nil {
		return fmt.Errorf("invokedrunner: fetch task %s: %w", taskID, err)
	}

	op, err := r.operators.Lookup(payload.Operator)
	if err != nil {
		r.reportFail(ctx, taskID, token, payload.Attempt, mmodel.ErrorKindOperatorFailed, err.Error())
		return err
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()

	if r.heartbeatEvery > 0 {
		go r.heartbeatLoop(hbCtx, taskID, token, payload.Attempt)
	}

	result, err := op.Execute(ctx, *payload)
	stop()

	if err != nil {
		kind := mmodel.ErrorKindOperatorFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = mmodel.ErrorKindOperatorTimeout
		}

		r.reportFail(ctx, taskID, token, payload.Attempt, kind, err.Error())
		return err
	}

	if err := r.dispatcher.Complete(ctx, taskID, token, payload.Attempt, result.Outputs, result.Events); err != nil {
		return fmt.Errorf("invokedrunner: complete task %s: %w", taskID, err)
	}

	return nil
}

func (r *InvokedRunner) reportFail(ctx context.Context, taskID uuid.UUID, token string, attempt int, kind mmodel.ErrorKind, message string) {
	if err := r.dispatcher.Fail(ctx, taskID, token, attempt, kind, message); err != nil {
		r.logger.Errorf("invokedrunner: fail task %s: %v", taskID, err)
	}
}

func (r *InvokedRunner) heartbeatLoop(ctx context.Context, taskID uuid.UUID, token string, attempt int) {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.dispatcher.Heartbeat(ctx, taskID, token, attempt); err != nil {
				r.logger.Errorf("invokedrunner: heartbeat task %s: %v", taskID, err)
				return
			}
		}
	}
}
