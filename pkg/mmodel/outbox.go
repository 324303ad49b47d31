package mmodel

import (
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the outbox row lifecycle (§3, §4.4). Pending, Sent, and
// Failed are the three externally-visible statuses named by the spec;
// Processing and DLQ are internal bookkeeping states that let the
// publisher claim a row exclusively and let the reaper tell "exhausted
// retries, operationally surfaced" (DLQ) apart from "currently between
// retries" (Failed with attempts remaining).
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "Pending"
	StatusProcessing OutboxStatus = "Processing"
	StatusSent       OutboxStatus = "Sent"
	StatusFailed     OutboxStatus = "Failed"
	StatusDLQ        OutboxStatus = "DLQ"
)

// ValidOutboxTransitions enumerates the state machine edges honored by the
// outbox publisher and reaper.
var ValidOutboxTransitions = map[OutboxStatus][]OutboxStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSent, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusDLQ},
	StatusSent:       {},
	StatusDLQ:        {},
}

// CanTransitionTo reports whether the state machine permits from -> to.
func (s OutboxStatus) CanTransitionTo(to OutboxStatus) bool {
	for _, candidate := range ValidOutboxTransitions[s] {
		if candidate == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether s is a state the row never leaves.
func (s OutboxStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusDLQ
}

// OutboxRow is a durable intent-to-emit record, written in the same
// transaction as the intent it describes (§3).
type OutboxRow struct {
	OutboxID     uuid.UUID    `json:"outbox_id"`
	Topic        string       `json:"topic"`
	Payload      []byte       `json:"payload"`
	Status       OutboxStatus `json:"status"`
	AvailableAt  time.Time    `json:"available_at"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	DeadLettered bool         `json:"dead_lettered"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// QueueEnvelopeKind tags the opaque payload shapes moving through queues
// (§6). Unknown kinds are rejected by consumers at the boundary.
type QueueEnvelopeKind string

const (
	EnvelopeTaskWakeup     QueueEnvelopeKind = "task_wakeup"
	EnvelopeBufferPointer  QueueEnvelopeKind = "buffer_pointer"
	EnvelopeDeliveryWork   QueueEnvelopeKind = "delivery_work"
)

// TaskWakeupEnvelope wakes a worker to attempt a claim on task_id.
type TaskWakeupEnvelope struct {
	Kind   QueueEnvelopeKind `json:"kind"`
	TaskID uuid.UUID         `json:"task_id"`
}

// BufferPointerEnvelope points the sink consumer at a batch artifact.
type BufferPointerEnvelope struct {
	Kind        QueueEnvelopeKind `json:"kind"`
	DatasetUUID uuid.UUID         `json:"dataset_uuid"`
	TaskID      uuid.UUID         `json:"task_id"`
	Attempt     int               `json:"attempt"`
	BatchURI    string            `json:"batch_uri"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	DedupeScope string            `json:"dedupe_scope"`
}

// DeliveryWorkEnvelope is an opaque wake-up for an out-of-core delivery
// collaborator; the orchestration core only transports it.
type DeliveryWorkEnvelope struct {
	Kind       QueueEnvelopeKind `json:"kind"`
	DeliveryID uuid.UUID         `json:"delivery_id"`
}

// BufferedPublishRecord is persisted by buffer-publish and republished via
// the outbox (§3, §4.5).
type BufferedPublishRecord struct {
	TaskID      uuid.UUID `json:"task_id"`
	Attempt     int       `json:"attempt"`
	BatchURI    string    `json:"batch_uri"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	DedupeScope string    `json:"dedupe_scope"`
	CreatedAt   time.Time `json:"created_at"`
}
