// Package mruntime provides panic-safe goroutine launching for long-running
// background loops (reaper, outbox publisher, sink consumer workers). A
// panicked iteration is logged with its stack trace and, depending on
// policy, either swallowed so the loop keeps running or re-raised so the
// process crashes and gets restarted by its supervisor.
package mruntime

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Logger is the minimal logging surface mruntime depends on, matching the
// subset of mlog.Logger this package actually needs.
type Logger interface {
	Errorf(format string, args ...any)
	WithFields(fields ...any) Logger
}

// PanicPolicy controls what RecoverWithPolicy does once a panic is logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging, so the process dies and a
	// supervisor (systemd, k8s, the Launcher's parent process) restarts it.
	CrashProcess
)

// String implements fmt.Stringer.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}

// RecoverAndLog recovers a panic, if any, logging it with name and a stack
// trace, then swallows it. Intended to be called with defer.
func RecoverAndLog(logger Logger, name string) {
	RecoverWithPolicy(logger, name, KeepRunning)
}

// RecoverAndCrash recovers a panic, if any, logs it, then re-panics so the
// process terminates. Intended to be called with defer.
func RecoverAndCrash(logger Logger, name string) {
	RecoverWithPolicy(logger, name, CrashProcess)
}

// RecoverWithPolicy recovers a panic, if any, logs it with the panic value
// and stack trace, then either swallows it (KeepRunning) or re-panics
// (CrashProcess). Intended to be called with defer.
func RecoverWithPolicy(logger Logger, name string, policy PanicPolicy) {
	r := recover()
	if r == nil {
		return
	}

	logger.WithFields(
		"panic_value", fmt.Sprintf("%v", r),
		"stack_trace", string(debug.Stack()),
		"goroutine", name,
		"policy", policy.String(),
	).Errorf("recovered panic in goroutine %q: %v", name, r)

	if policy == CrashProcess {
		panic(r)
	}
}

// SafeGo launches fn in a new goroutine, recovering any panic according to
// policy.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)
		fn()
	}()
}

// SafeGoWithContext launches fn(ctx) in a new goroutine, recovering any
// panic according to policy. Use this for loops that must observe
// cancellation (ctx.Done()).
func SafeGoWithContext(ctx context.Context, logger Logger, name string, policy PanicPolicy, fn func(ctx context.Context)) {
	go func() {
		defer RecoverWithPolicy(logger, name, policy)
		fn(ctx)
	}()
}
