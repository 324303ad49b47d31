package outboxpublisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mretry"

	"github.com/tracehq/orchestrator/internal/queue"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) ClaimOutboxBatch(ctx context.Context, max int) ([]mmodel.OutboxRow, error) {
	args := m.Called(ctx, max)
	rows, _ := args.Get(0).([]mmodel.OutboxRow)
	return rows, args.Error(1)
}

func (m *mockStore) MarkOutboxSent(ctx context.Context, outboxID uuid.UUID) error {
	return m.Called(ctx, outboxID).Error(0)
}

func (m *mockStore) MarkOutboxFailed(ctx context.Context, outboxID uuid.UUID, lastErr string, nextAttemptAt time.Time, attempts, maxAttempts int) error {
	return m.Called(ctx, outboxID, lastErr, nextAttemptAt, attempts, maxAttempts).Error(0)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Publish(ctx context.Context, queueName string, payload []byte, delay time.Duration) error {
	return m.Called(ctx, queueName, payload, delay).Error(0)
}

func (m *mockQueue) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]queue.Message, error) {
	return nil, nil
}

func (m *mockQueue) Ack(ctx context.Context, queueName string, receipt string) error { return nil }

func (m *mockQueue) ExtendVisibility(ctx context.Context, queueName string, receipt string, newVisibility time.Duration) error {
	return nil
}

type mockAlerter struct{ mock.Mock }

func (m *mockAlerter) RowDeadLettered(ctx context.Context, row mmodel.OutboxRow) {
	m.Called(ctx, row)
}

func TestPublisher_Deliver_SuccessMarksSent(t *testing.T) {
	store := new(mockStore)
	q := new(mockQueue)
	alerter := new(mockAlerter)

	row := mmodel.OutboxRow{OutboxID: uuid.New(), Topic: "task-wakeup", Payload: []byte("x")}

	q.On("Publish", mock.Anything, row.Topic, row.Payload, time.Duration(0)).Return(nil)
	store.On("MarkOutboxSent", mock.Anything, row.OutboxID).Return(nil)

	p := New(store, q, mlog.NewNopLogger(), alerter, mretry.DefaultMetadataOutboxConfig(), 10, time.Second)
	p.deliver(context.Background(), row)

	store.AssertExpectations(t)
	alerter.AssertNotCalled(t, "RowDeadLettered", mock.Anything, mock.Anything)
}

func TestPublisher_Deliver_TransportFailureReschedulesWithBackoff(t *testing.T) {
	store := new(mockStore)
	q := new(mockQueue)
	alerter := new(mockAlerter)

	row := mmodel.OutboxRow{OutboxID: uuid.New(), Topic: "task-wakeup", Payload: []byte("x"), Attempts: 1}

	q.On("Publish", mock.Anything, row.Topic, row.Payload, time.Duration(0)).Return(errors.New("broker unreachable"))
	store.On("MarkOutboxFailed", mock.Anything, row.OutboxID, "broker unreachable", mock.Anything, 2, mretry.DefaultMaxRetries).Return(nil)

	p := New(store, q, mlog.NewNopLogger(), alerter, mretry.DefaultMetadataOutboxConfig(), 10, time.Second)
	p.deliver(context.Background(), row)

	store.AssertExpectations(t)
	alerter.AssertNotCalled(t, "RowDeadLettered", mock.Anything, mock.Anything)
}

func TestPublisher_Deliver_ExhaustedRetriesRaisesAlert(t *testing.T) {
	store := new(mockStore)
	q := new(mockQueue)
	alerter := new(mockAlerter)

	backoff := mretry.DefaultMetadataOutboxConfig().WithMaxRetries(3)
	row := mmodel.OutboxRow{OutboxID: uuid.New(), Topic: "task-wakeup", Payload: []byte("x"), Attempts: 2}

	q.On("Publish", mock.Anything, row.Topic, row.Payload, time.Duration(0)).Return(errors.New("broker unreachable"))
	store.On("MarkOutboxFailed", mock.Anything, row.OutboxID, "broker unreachable", mock.Anything, 3, 3).Return(nil)
	alerter.On("RowDeadLettered", mock.Anything, mock.Anything).Return()

	p := New(store, q, mlog.NewNopLogger(), alerter, backoff, 10, time.Second)
	p.deliver(context.Background(), row)

	store.AssertExpectations(t)
	alerter.AssertExpectations(t)
}

func TestPublisher_Tick_ProcessesEveryClaimedRow(t *testing.T) {
	store := new(mockStore)
	q := new(mockQueue)
	alerter := new(mockAlerter)

	rows := []mmodel.OutboxRow{
		{OutboxID: uuid.New(), Topic: "a", Payload: []byte("1")},
		{OutboxID: uuid.New(), Topic: "b", Payload: []byte("2")},
	}

	store.On("ClaimOutboxBatch", mock.Anything, 10).Return(rows, nil)

	for _, r := range rows {
		q.On("Publish", mock.Anything, r.Topic, r.Payload, time.Duration(0)).Return(nil)
		store.On("MarkOutboxSent", mock.Anything, r.OutboxID).Return(nil)
	}

	p := New(store, q, mlog.NewNopLogger(), alerter, mretry.DefaultMetadataOutboxConfig(), 10, time.Second)
	p.tick(context.Background())

	store.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestPublisher_Tick_ClaimErrorStopsWithoutPanicking(t *testing.T) {
	store := new(mockStore)
	q := new(mockQueue)

	store.On("ClaimOutboxBatch", mock.Anything, 10).Return(nil, errors.New("db unreachable"))

	p := New(store, q, mlog.NewNopLogger(), nil, mretry.DefaultMetadataOutboxConfig(), 10, time.Second)

	assert.NotPanics(t, func() {
		p.tick(context.Background())
	})

	store.AssertExpectations(t)
}
