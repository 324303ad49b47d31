// Package outboxpublisher drains the transactional outbox (§4.4): it
// claims Pending/Failed rows past their available_at, hands each
// envelope to the transport its topic names, and marks the row Sent or
// reschedules it with backoff. Rows exhausting retries become DLQ and
// raise an operational signal rather than retrying forever.
package outboxpublisher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/pkg/mlock"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mretry"
	"github.com/tracehq/orchestrator/pkg/mruntime"

	"github.com/tracehq/orchestrator/internal/queue"
)

// Store is the subset of the control-plane store the publisher needs.
type Store interface {
	ClaimOutboxBatch(ctx context.Context, max int) ([]mmodel.OutboxRow, error)
	MarkOutboxSent(ctx context.Context, outboxID uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, outboxID uuid.UUID, lastErr string, nextAttemptAt time.Time, attempts, maxAttempts int) error
}

// Alerter raises an operational signal when a row is dead-lettered,
// e.g. paging on-call or incrementing a metric (§4.6).
type Alerter interface {
	RowDeadLettered(ctx context.Context, row mmodel.OutboxRow)
}

// NopAlerter discards every alert, used where no alerting sink is wired.
type NopAlerter struct{}

// RowDeadLettered implements Alerter.
func (NopAlerter) RowDeadLettered(context.Context, mmodel.OutboxRow) {}

// Publisher is the background loop draining the outbox.
type Publisher struct {
	store     Store
	queue     queue.Driver
	logger    mlog.Logger
	alerter   Alerter
	locker    mlock.Locker
	backoff   mretry.Config
	batchSize int
	pollEvery time.Duration
}

// New builds a Publisher. alerter may be nil, in which case a NopAlerter
// is used. Use WithLocker to gate ticks behind a cross-replica mutex when
// running more than one outbox-publisher instance (§5).
func New(store Store, q queue.Driver, logger mlog.Logger, alerter Alerter, backoff mretry.Config, batchSize int, pollEvery time.Duration) *Publisher {
	if alerter == nil {
		alerter = NopAlerter{}
	}

	return &Publisher{store: store, queue: q, logger: logger, alerter: alerter, locker: mlock.Noop{}, backoff: backoff, batchSize: batchSize, pollEvery: pollEvery}
}

// WithLocker sets the cross-replica mutex guarding each poll tick; nil
// restores the default Noop locker (every replica polls independently).
func (p *Publisher) WithLocker(locker mlock.Locker) *Publisher {
	if locker == nil {
		locker = mlock.Noop{}
	}

	p.locker = locker

	return p
}

// Run polls the store forever until ctx is canceled, dispatching each
// tick to a panic-safe goroutine so one bad batch can't wedge the loop.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mruntime.SafeGoWithContext(ctx, mlog.AsRuntimeLogger(p.logger), "outbox-publisher-tick", mruntime.KeepRunning, func(ctx context.Context) {
				if err := p.locker.TryRun(ctx, "outbox-publisher", p.pollEvery, p.tick); err != nil {
					p.logger.Errorf("outboxpublisher: %v", err)
				}
			})
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	rows, err := p.store.ClaimOutboxBatch(ctx, p.batchSize)
	if err != nil {
		p.logger.Errorf("outboxpublisher: claim batch: %v", err)
		return
	}

	for _, row := range rows {
		p.deliver(ctx, row)
	}
}

func (p *Publisher) deliver(ctx context.Context, row mmodel.OutboxRow) {
	err := p.queue.Publish(ctx, row.Topic, row.Payload, 0)
	if err == nil {
		if markErr := p.store.MarkOutboxSent(ctx, row.OutboxID); markErr != nil {
			p.logger.Errorf("outboxpublisher: mark sent %s: %v", row.OutboxID, markErr)
		}

		return
	}

	attempts := row.Attempts + 1
	nextAttempt := time.Now().UTC().Add(p.backoff.Backoff(attempts))

	if markErr := p.store.MarkOutboxFailed(ctx, row.OutboxID, err.Error(), nextAttempt, attempts, p.backoff.MaxRetries); markErr != nil {
		p.logger.Errorf("outboxpublisher: mark failed %s: %v", row.OutboxID, markErr)
		return
	}

	if attempts >= p.backoff.MaxRetries {
		row.Attempts = attempts
		row.Status = mmodel.StatusDLQ
		p.alerter.RowDeadLettered(ctx, row)
	}
}
