package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// exchange_records

		// One record per file and backend. Sparse: outbound records have
		// no filename until generation runs.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "backendId", Value: 1}, {Key: "filename", Value: 1}},
			Options:    options.Index().SetUnique(true).SetSparse(true),
		},
		// Scheduler sweep: due, unqueued records per state.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "state", Value: 1}, {Key: "queuedAt", Value: 1}, {Key: "nextAttemptAt", Value: 1}},
		},
		// Stale-queued sweep.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "queuedAt", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		// Listing, newest first.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "backendId", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		// Ack child lookup.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "parentId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
		// Business record lookup.
		{
			Collection: "exchange_records",
			Keys:       bson.D{{Key: "model", Value: 1}, {Key: "recordId", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},

		// leader_locks (TTL on the lock expiry)
		{
			Collection: "leader_locks",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(0),
		},
	}
}
