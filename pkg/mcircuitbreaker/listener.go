// Package mcircuitbreaker adapts gobreaker's state-change callback to a
// small listener interface so callers (queue publish in §4.4, Dispatcher
// HTTP calls in §4.7) can observe and log circuit transitions without
// depending on gobreaker directly.
package mcircuitbreaker

import (
	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State, keeping callers decoupled from the
// underlying library's type.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
	StateUnknown  State = "unknown"
)

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeEvent describes a single circuit breaker transition.
type StateChangeEvent struct {
	ServiceName string
	FromState   State
	ToState     State
	Counts      Counts
}

// StateListener receives circuit breaker state transitions.
type StateListener interface {
	OnCircuitBreakerStateChange(event StateChangeEvent)
}

// GobreakerAdapter bridges gobreaker's OnStateChange callback shape to a
// StateListener.
type GobreakerAdapter struct {
	listener StateListener
}

// NewGobreakerAdapter returns an adapter forwarding to listener. A nil
// listener is accepted; OnStateChange becomes a no-op in that case.
func NewGobreakerAdapter(listener StateListener) *GobreakerAdapter {
	return &GobreakerAdapter{listener: listener}
}

// OnStateChange matches the signature gobreaker.Settings.OnStateChange
// expects: func(name string, from gobreaker.State, to gobreaker.State).
func (a *GobreakerAdapter) OnStateChange(name string, from, to gobreaker.State) {
	if a.listener == nil {
		return
	}

	a.listener.OnCircuitBreakerStateChange(StateChangeEvent{
		ServiceName: name,
		FromState:   convertState(from),
		ToState:     convertState(to),
	})
}

// OnStateChangeWithCounts is used by call sites that also have the
// breaker's Counts available (gobreaker does not pass Counts to
// OnStateChange, so this is invoked separately from a wrapped Execute
// call when full counts are needed for alerting).
func (a *GobreakerAdapter) OnStateChangeWithCounts(name string, from, to gobreaker.State, counts gobreaker.Counts) {
	if a.listener == nil {
		return
	}

	a.listener.OnCircuitBreakerStateChange(StateChangeEvent{
		ServiceName: name,
		FromState:   convertState(from),
		ToState:     convertState(to),
		Counts: Counts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		},
	})
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateUnknown
	}
}
