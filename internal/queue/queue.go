// Package queue defines the pluggable queue abstraction (§4.1): at
// least-once publish/receive/ack with visibility leases. Two adapters
// implement Driver: internal/adapters/rabbitmq (managed, thin pass
// through) and internal/adapters/pgqueue (database-backed, SKIP LOCKED).
package queue

import (
	"context"
	"time"
)

// Message is one delivered item, opaque beyond its receipt handle and
// delivery count (used to detect poison messages).
type Message struct {
	Payload       []byte
	Receipt       string
	DeliveryCount int
}

// Driver is the contract every queue adapter implements. Callers must
// tolerate duplicate deliveries: correctness comes from attempt fencing
// in the control-plane store, not from queue properties (§4.1).
type Driver interface {
	// Publish enqueues payload onto queueName, visible after delay (zero
	// for immediate visibility).
	Publish(ctx context.Context, queueName string, payload []byte, delay time.Duration) error

	// Receive returns up to max messages currently available on
	// queueName without waiting for more, each invisible to other
	// receivers for visibility.
	Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]Message, error)

	// Ack permanently removes the delivery identified by receipt.
	Ack(ctx context.Context, queueName string, receipt string) error

	// ExtendVisibility pushes out a delivery's visibility deadline.
	// The pull worker in internal/worker does not call it.
	ExtendVisibility(ctx context.Context, queueName string, receipt string, newVisibility time.Duration) error
}

// MaxReceiveCount is the default receive-count threshold past which a
// message is considered poisoned and diverted to a dead-letter area
// (§4.1). Individual queues may override it.
const MaxReceiveCount = 5
