// Package orcherrors defines the typed error taxonomy shared by the
// control-plane store, the Dispatcher API, and the deploy controller.
// Call sites return these types (or wrap them) instead of ad-hoc
// fmt.Errorf strings so the HTTP layer (pkg/mhttp) can map them to
// status codes without string matching.
package orcherrors

import (
	"fmt"
	"strings"

	"github.com/tracehq/orchestrator/pkg/mmodel"
)

// EntityNotFoundError indicates a lookup by id found no row.
type EntityNotFoundError struct {
	EntityType string
	Message    string
	Err        error
}

func (e EntityNotFoundError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}

	if strings.TrimSpace(e.EntityType) != "" {
		return fmt.Sprintf("%s not found", e.EntityType)
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return "entity not found"
}

func (e EntityNotFoundError) Unwrap() error { return e.Err }

// ValidationError indicates malformed or missing input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}

	return e.Message
}

func (e ValidationError) Unwrap() error { return e.Err }

// EntityConflictError indicates a uniqueness constraint was violated
// (duplicate dataset name, duplicate DAG-pointer write race, etc).
type EntityConflictError struct {
	EntityType string
	Message    string
	Err        error
}

func (e EntityConflictError) Error() string {
	if e.Err != nil && strings.TrimSpace(e.Message) == "" {
		return e.Err.Error()
	}

	return e.Message
}

func (e EntityConflictError) Unwrap() error { return e.Err }

// UnauthorizedError indicates a missing or invalid capability token.
type UnauthorizedError struct {
	Message string
}

func (e UnauthorizedError) Error() string { return e.Message }

// ForbiddenError indicates a capability token valid in itself but
// lacking the grant required for the requested resource.
type ForbiddenError struct {
	Message string
}

func (e ForbiddenError) Error() string { return e.Message }

// FencingError reports a rejected mutation whose (task_id, attempt,
// lease_token) did not match the current row (invariant F1, §3). It
// always carries mmodel.ErrorKindStaleAttempt and is a total no-op: the
// caller must not retry the commit, only drop the result (§7, P2).
type FencingError struct {
	TaskID  string
	Attempt int
	Message string
}

func (e FencingError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return fmt.Sprintf("stale attempt for task %s (attempt %d)", e.TaskID, e.Attempt)
}

func (e FencingError) ErrorKind() mmodel.ErrorKind { return mmodel.ErrorKindStaleAttempt }

// DeployRejectedError indicates the DAG description failed parse or
// struct-tag validation (§4.9 step 1).
type DeployRejectedError struct {
	Message string
	Err     error
}

func (e DeployRejectedError) Error() string { return e.Message }
func (e DeployRejectedError) Unwrap() error { return e.Err }
func (e DeployRejectedError) ErrorKind() mmodel.ErrorKind {
	return mmodel.ErrorKindDeployRejected
}

// BackpressureError indicates task creation was halted because a
// consumer queue exceeded max_queue_depth or max_queue_age (§4.5).
type BackpressureError struct {
	JobName string
	Message string
}

func (e BackpressureError) Error() string { return e.Message }
func (e BackpressureError) ErrorKind() mmodel.ErrorKind {
	return mmodel.ErrorKindBackpressurePaused
}

// InternalError wraps unexpected failures (store unreachable, transport
// failure) that are safe to retry idempotently; the HTTP layer maps
// these to 5xx (§7 propagation policy).
type InternalError struct {
	Message string
	Err     error
}

func (e InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e InternalError) Unwrap() error { return e.Err }
