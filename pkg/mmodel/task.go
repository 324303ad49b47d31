package mmodel

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the closed set of states a task can occupy (§3).
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "Queued"
	TaskStatusRunning   TaskStatus = "Running"
	TaskStatusCompleted TaskStatus = "Completed"
	TaskStatusFailed    TaskStatus = "Failed"
	TaskStatusCanceled  TaskStatus = "Canceled"
)

// IsTerminal reports whether s ends an attempt (Completed, Failed or
// Canceled). Failed is not final: ValidTaskTransitions lets the retry
// sweep move a Failed task back to Queued.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// ValidTaskTransitions enumerates the state machine edges honored by the
// control-plane store. A transition not listed here is rejected.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:    {TaskStatusRunning, TaskStatusCanceled},
	TaskStatusRunning:   {TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled},
	TaskStatusFailed:    {TaskStatusQueued},
	TaskStatusCompleted: {},
	TaskStatusCanceled:  {},
}

// CanTransitionTo reports whether the state machine permits from -> to.
func (s TaskStatus) CanTransitionTo(to TaskStatus) bool {
	for _, candidate := range ValidTaskTransitions[s] {
		if candidate == to {
			return true
		}
	}

	return false
}

// Task is the authoritative row owned exclusively by the Dispatcher.
type Task struct {
	TaskID          uuid.UUID   `json:"task_id"`
	OrgID           uuid.UUID   `json:"org_id"`
	JobID           uuid.UUID   `json:"job_id"`
	Status          TaskStatus  `json:"status"`
	Attempt         int         `json:"attempt"`
	LeaseToken      *uuid.UUID  `json:"lease_token,omitempty"`
	LeaseExpiresAt  *time.Time  `json:"lease_expires_at,omitempty"`
	LastHeartbeat   *time.Time  `json:"last_heartbeat,omitempty"`
	AttemptsUsed    int         `json:"attempts_used"`
	NextRetryAt     *time.Time  `json:"next_retry_at,omitempty"`
	ErrorKind       ErrorKind   `json:"error_kind,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	Outputs         []Handle    `json:"outputs,omitempty"`
	DagVersionID    uuid.UUID   `json:"dag_version_id"`
	PriorityTier    PriorityTier `json:"priority_tier,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Handle is an opaque reference to an output artifact, typically an
// object-store path. It is never interpreted by the control-plane store.
type Handle struct {
	DatasetUUID    uuid.UUID `json:"dataset_uuid"`
	DatasetVersion int64     `json:"dataset_version"`
	StorageRef     string    `json:"storage_ref"`
}

// IsZero reports whether h carries no reference.
func (h Handle) IsZero() bool {
	return h.StorageRef == ""
}

// InputPin pins one task's view of an upstream dataset to a specific
// version and cursor/partition, recorded at task-creation time (§3).
type InputPin struct {
	InputDatasetUUID uuid.UUID `json:"input_dataset_uuid"`
	DatasetVersion   int64     `json:"dataset_version"`
	Cursor           *int64    `json:"cursor,omitempty"`
	PartitionKey     string    `json:"partition_key,omitempty"`
}

// ClaimResult is returned by task-claim (§4.5).
type ClaimResult struct {
	Status          ClaimStatus `json:"status"`
	Attempt         int         `json:"attempt,omitempty"`
	LeaseToken      *uuid.UUID  `json:"lease_token,omitempty"`
	LeaseExpiresAt  *time.Time  `json:"lease_expires_at,omitempty"`
	CapabilityToken string      `json:"capability_token,omitempty"`
	Payload         *TaskPayload `json:"payload,omitempty"`
	Reason          NotClaimedReason `json:"reason,omitempty"`
}

// ClaimStatus is the outer result of a task-claim call.
type ClaimStatus string

const (
	ClaimStatusClaimed    ClaimStatus = "Claimed"
	ClaimStatusNotClaimed ClaimStatus = "NotClaimed"
)

// NotClaimedReason explains why a task-claim did not succeed.
type NotClaimedReason string

const (
	NotClaimedAlreadyRunning NotClaimedReason = "AlreadyRunning"
	NotClaimedCompleted      NotClaimedReason = "Completed"
	NotClaimedCanceled       NotClaimedReason = "Canceled"
	NotClaimedNotFound       NotClaimedReason = "NotFound"
)

// TaskPayload is the shape returned by task-claim and task-fetch: enough
// for a worker to execute without further control-plane reads.
type TaskPayload struct {
	TaskID      uuid.UUID  `json:"task_id"`
	OrgID       uuid.UUID  `json:"org_id"`
	JobName     string     `json:"job_name"`
	Operator    string     `json:"operator"`
	Config      []byte     `json:"config"`
	Inputs      []InputPin `json:"inputs"`
	Attempt     int        `json:"attempt"`
	Status      TaskStatus `json:"status"`
	TimeoutSecs int        `json:"timeout_seconds"`
}
