package mmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidOutboxTransitions_Defined(t *testing.T) {
	statuses := []OutboxStatus{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusDLQ}
	for _, s := range statuses {
		_, exists := ValidOutboxTransitions[s]
		assert.True(t, exists, "status %s must be in ValidOutboxTransitions", s)
	}
}

func TestOutboxStatus_CanTransitionTo_ValidTransitions(t *testing.T) {
	tests := []struct {
		from OutboxStatus
		to   OutboxStatus
	}{
		{StatusPending, StatusProcessing},
		{StatusProcessing, StatusSent},
		{StatusProcessing, StatusFailed},
		{StatusFailed, StatusProcessing},
		{StatusFailed, StatusDLQ},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.True(t, tt.from.CanTransitionTo(tt.to),
				"transition from %s to %s should be valid", tt.from, tt.to)
		})
	}
}

func TestOutboxStatus_CanTransitionTo_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from OutboxStatus
		to   OutboxStatus
	}{
		{StatusPending, StatusSent},
		{StatusPending, StatusFailed},
		{StatusPending, StatusDLQ},
		{StatusProcessing, StatusPending},
		{StatusProcessing, StatusDLQ},
		{StatusSent, StatusPending},
		{StatusSent, StatusProcessing},
		{StatusSent, StatusFailed},
		{StatusSent, StatusDLQ},
		{StatusDLQ, StatusPending},
		{StatusDLQ, StatusProcessing},
		{StatusDLQ, StatusSent},
		{StatusDLQ, StatusFailed},
		{StatusFailed, StatusSent},
		{StatusFailed, StatusPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.False(t, tt.from.CanTransitionTo(tt.to),
				"transition from %s to %s should be invalid", tt.from, tt.to)
		})
	}
}

func TestOutboxStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.True(t, StatusSent.IsTerminal())
	assert.True(t, StatusDLQ.IsTerminal())
}

func TestTaskStatus_CanTransitionTo_ValidTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
	}{
		{TaskStatusQueued, TaskStatusRunning},
		{TaskStatusQueued, TaskStatusCanceled},
		{TaskStatusRunning, TaskStatusCompleted},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusRunning, TaskStatusCanceled},
		{TaskStatusFailed, TaskStatusQueued},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.True(t, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskStatus_CanTransitionTo_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
	}{
		{TaskStatusCompleted, TaskStatusRunning},
		{TaskStatusCanceled, TaskStatusRunning},
		{TaskStatusQueued, TaskStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.False(t, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	assert.False(t, TaskStatusQueued.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.True(t, TaskStatusCanceled.IsTerminal())
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, ErrorKindLeaseExpired.Retryable())
	assert.True(t, ErrorKindOperatorTimeout.Retryable())
	assert.True(t, ErrorKindOutboxFailed.Retryable())
	assert.False(t, ErrorKindStaleAttempt.Retryable())
	assert.False(t, ErrorKindDeployRejected.Retryable())
	assert.False(t, ErrorKind("").Retryable())
}

func TestPartitionKey_String(t *testing.T) {
	p := PartitionKey{Start: "100", End: "200"}
	assert.Equal(t, "100-200", p.String())
}

func TestPartitionKey_IsEmpty(t *testing.T) {
	assert.True(t, PartitionKey{}.IsEmpty())
	assert.False(t, PartitionKey{Start: "100", End: "200"}.IsEmpty())
}

func TestRuntimeClass_TransportKind(t *testing.T) {
	assert.Equal(t, TransportDirectInvoke, RuntimeDispatcher.TransportKind())
	assert.Equal(t, TransportQueuePublish, RuntimePullWorker.TransportKind())
	assert.Equal(t, TransportInvokedCall, RuntimeLambda.TransportKind())
	assert.Equal(t, TransportInvokedCall, RuntimeECSTask.TransportKind())
}

func TestJob_MaterializationFingerprint(t *testing.T) {
	j1 := Job{Runtime: RuntimeLambda, Operator: "ingest", ConfigHash: "abc"}
	j2 := Job{Runtime: RuntimeLambda, Operator: "ingest", ConfigHash: "abc"}
	j3 := Job{Runtime: RuntimeLambda, Operator: "ingest", ConfigHash: "def"}

	assert.Equal(t, j1.MaterializationFingerprint(), j2.MaterializationFingerprint())
	assert.NotEqual(t, j1.MaterializationFingerprint(), j3.MaterializationFingerprint())
}
