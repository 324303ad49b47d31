package mmodel

import "github.com/google/uuid"

// ActivationMode determines whether a job is triggered externally or by
// upstream dataset events (§3).
type ActivationMode string

const (
	ActivationSource   ActivationMode = "source"
	ActivationReactive ActivationMode = "reactive"
)

// UpdateStrategy governs how a job's output replaces or appends to a
// dataset's prior contents.
type UpdateStrategy string

const (
	UpdateStrategyAppend  UpdateStrategy = "append"
	UpdateStrategyReplace UpdateStrategy = "replace"
)

// RuntimeClass is the closed tagged variant for where a job's task
// executes (§9 "Runtime polymorphism across worker runtimes").
type RuntimeClass string

const (
	RuntimeDispatcher RuntimeClass = "dispatcher"
	RuntimePullWorker RuntimeClass = "pullworker"
	RuntimeLambda     RuntimeClass = "lambda"
	RuntimeECSTask    RuntimeClass = "ecs_task"
)

// TransportKind is how the Dispatcher hands a task to a runtime of this
// class: direct in-process invocation, or queue publish for a puller to
// pick up, or a one-shot invoked-runner call.
type TransportKind string

const (
	TransportDirectInvoke TransportKind = "direct_invoke"
	TransportQueuePublish TransportKind = "queue_publish"
	TransportInvokedCall  TransportKind = "invoked_call"
)

// TransportKind reports how tasks of this runtime class are dispatched.
func (r RuntimeClass) TransportKind() TransportKind {
	switch r {
	case RuntimeDispatcher:
		return TransportDirectInvoke
	case RuntimeLambda, RuntimeECSTask:
		return TransportInvokedCall
	case RuntimePullWorker:
		return TransportQueuePublish
	default:
		return TransportQueuePublish
	}
}

// Edge describes one input or output edge of a job.
type Edge struct {
	DatasetName string         `json:"dataset_name"`
	Where       map[string]any `json:"where,omitempty"`
}

// Job is one node in a DAG version (§3).
type Job struct {
	JobID               uuid.UUID      `json:"job_id"`
	DagVersionID        uuid.UUID      `json:"dag_version_id"`
	Name                string         `json:"name"`
	Activation          ActivationMode `json:"activation"`
	Runtime             RuntimeClass   `json:"runtime"`
	Operator            string         `json:"operator"`
	Inputs              []Edge         `json:"inputs,omitempty"`
	Outputs             []Edge         `json:"outputs,omitempty"`
	UpdateStrategy      UpdateStrategy `json:"update_strategy"`
	UniqueKey           string         `json:"unique_key,omitempty"`
	TimeoutSeconds      int            `json:"timeout_seconds"`
	MaxAttempts         int            `json:"max_attempts"`
	HeartbeatTimeoutSec int            `json:"heartbeat_timeout_seconds"`
	Config              []byte         `json:"config"`
	ConfigHash          string         `json:"config_hash"`
	MaxQueueDepth       int            `json:"max_queue_depth,omitempty"`
	MaxQueueAge         int            `json:"max_queue_age_seconds,omitempty"`
	PriorityTier        PriorityTier   `json:"priority_tier,omitempty"`
	Paused              bool           `json:"paused,omitempty"`
}

// PriorityTier is one of the two backpressure-shedding tiers recognized
// by the Dispatcher (§4.5 "Two priority tiers are recognized; the lower
// tier is shed first").
type PriorityTier string

const (
	PriorityHigh PriorityTier = "high"
	PriorityLow  PriorityTier = "low"
)

// MaterializationFingerprint returns the subset of fields whose change
// forces rematerialization of this job's outputs (§4.9 step 4): runtime,
// operator, and config hash. Renaming the job or tweaking timeouts does
// not require a rebuild.
func (j Job) MaterializationFingerprint() string {
	return string(j.Runtime) + "|" + j.Operator + "|" + j.ConfigHash
}
