package mcircuitbreaker

import (
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type mockListener struct {
	calls []StateChangeEvent
}

func (m *mockListener) OnCircuitBreakerStateChange(event StateChangeEvent) {
	m.calls = append(m.calls, event)
}

func TestStateChangeEvent_ContainsRequiredFields(t *testing.T) {
	event := StateChangeEvent{
		ServiceName: "test-service",
		FromState:   StateClosed,
		ToState:     StateOpen,
		Counts: Counts{
			Requests:            10,
			TotalFailures:       5,
			ConsecutiveFailures: 3,
		},
	}

	assert.Equal(t, "test-service", event.ServiceName)
	assert.Equal(t, StateClosed, event.FromState)
	assert.Equal(t, StateOpen, event.ToState)
	assert.Equal(t, uint32(10), event.Counts.Requests)
	assert.Equal(t, uint32(5), event.Counts.TotalFailures)
	assert.Equal(t, uint32(3), event.Counts.ConsecutiveFailures)
}

func TestStateListener_CanReceiveEvents(t *testing.T) {
	listener := &mockListener{}

	event := StateChangeEvent{
		ServiceName: "rabbitmq-producer",
		FromState:   StateClosed,
		ToState:     StateOpen,
	}

	listener.OnCircuitBreakerStateChange(event)

	assert.Len(t, listener.calls, 1)
	assert.Equal(t, "rabbitmq-producer", listener.calls[0].ServiceName)
}

func TestGobreakerAdapter_ImplementsCallbackSignature(t *testing.T) {
	mockMidazListener := &mockListener{}
	adapter := NewGobreakerAdapter(mockMidazListener)

	var _ func(string, gobreaker.State, gobreaker.State) = adapter.OnStateChange
}

func TestGobreakerAdapter_ForwardsStateChanges(t *testing.T) {
	mockMidazListener := &mockListener{}
	adapter := NewGobreakerAdapter(mockMidazListener)

	adapter.OnStateChange("rabbitmq-producer", gobreaker.StateClosed, gobreaker.StateOpen)

	assert.Len(t, mockMidazListener.calls, 1)
	assert.Equal(t, "rabbitmq-producer", mockMidazListener.calls[0].ServiceName)
	assert.Equal(t, StateClosed, mockMidazListener.calls[0].FromState)
	assert.Equal(t, StateOpen, mockMidazListener.calls[0].ToState)
}

func TestGobreakerAdapter_ForwardsCounts(t *testing.T) {
	mockMidazListener := &mockListener{}
	adapter := NewGobreakerAdapter(mockMidazListener)

	adapter.OnStateChangeWithCounts("rabbitmq-producer", gobreaker.StateClosed, gobreaker.StateOpen, gobreaker.Counts{
		Requests:             10,
		TotalSuccesses:       5,
		TotalFailures:        5,
		ConsecutiveSuccesses: 0,
		ConsecutiveFailures:  3,
	})

	assert.Len(t, mockMidazListener.calls, 1)
	assert.Equal(t, uint32(10), mockMidazListener.calls[0].Counts.Requests)
	assert.Equal(t, uint32(5), mockMidazListener.calls[0].Counts.TotalSuccesses)
	assert.Equal(t, uint32(5), mockMidazListener.calls[0].Counts.TotalFailures)
	assert.Equal(t, uint32(0), mockMidazListener.calls[0].Counts.ConsecutiveSuccesses)
	assert.Equal(t, uint32(3), mockMidazListener.calls[0].Counts.ConsecutiveFailures)
}

func TestGobreakerAdapter_HandlesNilListener(t *testing.T) {
	adapter := NewGobreakerAdapter(nil)

	adapter.OnStateChange("test-service", gobreaker.StateClosed, gobreaker.StateOpen)
	adapter.OnStateChangeWithCounts("test-service", gobreaker.StateClosed, gobreaker.StateOpen, gobreaker.Counts{})
}

func TestConvertState_AllStates(t *testing.T) {
	tests := []struct {
		name     string
		input    gobreaker.State
		expected State
	}{
		{name: "closed state", input: gobreaker.StateClosed, expected: StateClosed},
		{name: "open state", input: gobreaker.StateOpen, expected: StateOpen},
		{name: "half-open state", input: gobreaker.StateHalfOpen, expected: StateHalfOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := convertState(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGobreakerAdapter_ForwardsAllStateTransitions(t *testing.T) {
	tests := []struct {
		name         string
		fromState    gobreaker.State
		toState      gobreaker.State
		expectedFrom State
		expectedTo   State
	}{
		{name: "closed to open", fromState: gobreaker.StateClosed, toState: gobreaker.StateOpen, expectedFrom: StateClosed, expectedTo: StateOpen},
		{name: "open to half-open", fromState: gobreaker.StateOpen, toState: gobreaker.StateHalfOpen, expectedFrom: StateOpen, expectedTo: StateHalfOpen},
		{name: "half-open to closed", fromState: gobreaker.StateHalfOpen, toState: gobreaker.StateClosed, expectedFrom: StateHalfOpen, expectedTo: StateClosed},
		{name: "half-open to open", fromState: gobreaker.StateHalfOpen, toState: gobreaker.StateOpen, expectedFrom: StateHalfOpen, expectedTo: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listener := &mockListener{}
			adapter := NewGobreakerAdapter(listener)

			adapter.OnStateChange("test-service", tt.fromState, tt.toState)

			assert.Len(t, listener.calls, 1)
			assert.Equal(t, tt.expectedFrom, listener.calls[0].FromState)
			assert.Equal(t, tt.expectedTo, listener.calls[0].ToState)
		})
	}
}
