// Package mongosink is the data-plane store behind the buffered-dataset
// sink (§4.8, §3 "the data plane is not the control plane"): one
// MongoDB collection per dataset, upserted by dedupe_key so a redelivered
// batch or an overlapping re-send of the same record writes nothing
// twice (P7).
package mongosink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tracehq/orchestrator/internal/sink"
	"github.com/tracehq/orchestrator/pkg/mmongo"
)

// Store implements sink.DataStore over MongoDB.
type Store struct {
	conn *mmongo.Connection
}

// New returns a Store backed by conn.
func New(conn *mmongo.Connection) *Store {
	return &Store{conn: conn}
}

type document struct {
	DedupeKey  string         `bson:"dedupe_key"`
	OrgID      uuid.UUID      `bson:"org_id"`
	Attributes map[string]any `bson:"attributes"`
	UpdatedAt  time.Time      `bson:"updated_at"`
}

// EnsureIndexes creates the unique dedupe_key index for a dataset's
// collection. Nothing in this module calls it; UpsertRecords does not
// create the index itself.
func (s *Store) EnsureIndexes(ctx context.Context, datasetName string) error {
	coll, err := s.conn.Collection(ctx, collectionName(datasetName))
	if err != nil {
		return err
	}

	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "dedupe_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongosink: ensure dedupe_key index: %w", err)
	}

	return nil
}

// UpsertRecords idempotently writes records into datasetName's
// collection, stamping every document with orgID from the trusted
// publish envelope rather than anything the batch payload itself
// carries (§4.8 invariant on tenant attribution).
func (s *Store) UpsertRecords(ctx context.Context, orgID uuid.UUID, datasetName string, records []sink.Record) (int, error) {
	coll, err := s.conn.Collection(ctx, collectionName(datasetName))
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()

	models := make([]mongo.WriteModel, 0, len(records))

	for _, rec := range records {
		doc := document{DedupeKey: rec.DedupeKey, OrgID: orgID, Attributes: rec.Attributes, UpdatedAt: now}

		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"dedupe_key": rec.DedupeKey}).
			SetUpdate(bson.M{"$set": doc}).
			SetUpsert(true))
	}

	result, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("mongosink: bulk upsert: %w", err)
	}

	return int(result.UpsertedCount + result.ModifiedCount), nil
}

func collectionName(datasetName string) string {
	return strings.ToLower(datasetName)
}
