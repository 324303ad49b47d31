// Package sink implements the buffered-dataset sink consumer (§4.8): it
// drains the Buffer Queue, fetches each pointer message's batch
// artifact, strictly validates its records, and idempotently upserts
// them into the data plane keyed by a deterministic dedupe_key. Tenant
// attribution is taken only from the trusted publish envelope, never
// from the batch payload, and a successful commit advances the
// dataset's read ledger so reactive consumers wake up.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracehq/orchestrator/internal/queue"
	"github.com/tracehq/orchestrator/internal/router"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/mruntime"
)

// Record is one row decoded from a batch artifact: a required dedupe_key
// plus an opaque attribute bag. Schema validation never reaches inside
// Attributes; that is the data plane's business, not the orchestration
// core's (§3 "the core never interprets operator internals").
type Record struct {
	DedupeKey  string         `json:"dedupe_key" validate:"required"`
	Attributes map[string]any `json:"-"`
}

// UnmarshalJSON decodes a record, pulling dedupe_key out as a required
// top-level field and keeping every other key as an opaque attribute.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	key, _ := raw["dedupe_key"].(string)
	delete(raw, "dedupe_key")

	r.DedupeKey = key
	r.Attributes = raw

	return nil
}

// BatchFetcher reads a batch artifact's bytes given its opaque batch_uri.
type BatchFetcher interface {
	Fetch(ctx context.Context, batchURI string) (io.ReadCloser, error)
}

// DataStore is the data-plane write target (§3 "only sinks mutate their
// dataset tables"): an idempotent upsert keyed by dedupe_key, scoped to
// the dataset name and stamped with the org id from the trusted publish
// envelope.
type DataStore interface {
	UpsertRecords(ctx context.Context, orgID uuid.UUID, datasetName string, records []Record) (upserted int, err error)
}

// Store is the control-plane surface the sink needs to resolve a
// dataset's name/version and advance its read ledger after a commit.
type Store interface {
	GetDatasetByUUID(ctx context.Context, datasetUUID uuid.UUID) (*mmodel.Dataset, error)
	LatestDatasetVersion(ctx context.Context, datasetUUID uuid.UUID) (int64, error)
	CurrentDagVersionID(ctx context.Context, dagName string) (uuid.UUID, error)
}

// Consumer drains the Buffer Queue.
type Consumer struct {
	queue     queue.Driver
	fetcher   BatchFetcher
	dataStore DataStore
	store     Store
	router    *router.Router
	validator *validator.Validate
	logger    mlog.Logger

	queueName       string
	receiveMax      int
	visibility      time.Duration
	poisonThreshold int
}

// Config holds Consumer construction parameters.
type Config struct {
	Queue           queue.Driver
	Fetcher         BatchFetcher
	DataStore       DataStore
	Store           Store
	Router          *router.Router
	Logger          mlog.Logger
	QueueName       string
	ReceiveMax      int
	Visibility      time.Duration
	PoisonThreshold int
}

// New builds a Consumer.
func New(cfg Config) *Consumer {
	c := &Consumer{
		queue:           cfg.Queue,
		fetcher:         cfg.Fetcher,
		dataStore:       cfg.DataStore,
		store:           cfg.Store,
		router:          cfg.Router,
		validator:       validator.New(),
		logger:          cfg.Logger,
		queueName:       cfg.QueueName,
		receiveMax:      cfg.ReceiveMax,
		visibility:      cfg.Visibility,
		poisonThreshold: cfg.PoisonThreshold,
	}

	if c.queueName == "" {
		c.queueName = "buffer-pointer"
	}

	if c.receiveMax <= 0 {
		c.receiveMax = 10
	}

	if c.visibility <= 0 {
		c.visibility = 60 * time.Second
	}

	if c.poisonThreshold <= 0 {
		c.poisonThreshold = queue.MaxReceiveCount
	}

	return c
}

// Run polls the Buffer Queue forever until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.queueName, c.receiveMax, c.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			c.logger.Errorf("sink: receive: %v", err)
			continue
		}

		for _, msg := range messages {
			msg := msg
			mruntime.SafeGoWithContext(ctx, mlog.AsRuntimeLogger(c.logger), "sink-handle-message", mruntime.KeepRunning, func(ctx context.Context) {
				c.handle(ctx, msg)
			})
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	if msg.DeliveryCount > c.poisonThreshold {
		c.logger.Errorf("sink: dropping poison batch after %d deliveries", msg.DeliveryCount)

		if err := c.queue.Ack(ctx, c.queueName, msg.Receipt); err != nil {
			c.logger.Errorf("sink: ack poison batch: %v", err)
		}

		return
	}

	var envelope mmodel.BufferPointerEnvelope
	if err := msgpack.Unmarshal(msg.Payload, &envelope); err != nil {
		c.logger.Errorf("sink: decode buffer pointer: %v", err)
		return
	}

	if err := c.process(ctx, envelope); err != nil {
		c.logger.Errorf("sink: process batch %s: %v", envelope.BatchURI, err)
		return
	}

	if err := c.queue.Ack(ctx, c.queueName, msg.Receipt); err != nil {
		c.logger.Errorf("sink: ack batch %s: %v", envelope.BatchURI, err)
	}
}

// batchPartition builds a half-open [start, end) partition key uniquely
// identifying one buffered batch artifact, so each publish materializes
// its own partition without colliding with another batch's key while
// still passing mmodel.PartitionKey.Validate (§9).
func batchPartition(batchURI string) mmodel.PartitionKey {
	return mmodel.PartitionKey{Start: batchURI, End: batchURI + "\x00"}
}

func (c *Consumer) process(ctx context.Context, envelope mmodel.BufferPointerEnvelope) error {
	dataset, err := c.store.GetDatasetByUUID(ctx, envelope.DatasetUUID)
	if err != nil {
		return fmt.Errorf("sink: resolve dataset: %w", err)
	}

	records, err := c.readBatch(ctx, envelope.BatchURI)
	if err != nil {
		return fmt.Errorf("sink: read batch: %w", err)
	}

	if len(records) == 0 {
		return nil
	}

	if _, err := c.dataStore.UpsertRecords(ctx, dataset.OrgID, dataset.Name, records); err != nil {
		return fmt.Errorf("sink: upsert records: %w", err)
	}

	version, err := c.store.LatestDatasetVersion(ctx, envelope.DatasetUUID)
	if err != nil {
		return fmt.Errorf("sink: resolve dataset version: %w", err)
	}

	dagVersionID, err := c.store.CurrentDagVersionID(ctx, dataset.DagName)
	if err != nil {
		return fmt.Errorf("sink: resolve current dag version: %w", err)
	}

	producer := &mmodel.Task{TaskID: envelope.TaskID, Attempt: envelope.Attempt, OrgID: dataset.OrgID, DagVersionID: dagVersionID}

	ev := router.Event{
		DatasetUUID:    envelope.DatasetUUID,
		DatasetVersion: version,
		Partition:      batchPartition(envelope.BatchURI),
	}

	if err := c.router.Route(ctx, producer, []router.Event{ev}); err != nil {
		return fmt.Errorf("sink: route dataset update: %w", err)
	}

	return nil
}

// readBatch fetches and parses a newline-delimited JSON batch artifact,
// validating every record before it is handed to the data store.
func (c *Consumer) readBatch(ctx context.Context, batchURI string) ([]Record, error) {
	body, err := c.fetcher.Fetch(ctx, batchURI)
	if err != nil {
		return nil, err
	}

	defer func() { _ = body.Close() }()

	var records []Record

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("malformed record: %w", err)
		}

		if err := c.validator.Struct(rec); err != nil {
			return nil, fmt.Errorf("invalid record: %w", err)
		}

		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}

	return records, nil
}
