package edi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.edirelay.tech/internal/common/repository"
)

const recordCollection = "exchange_records"

// mongoRepository provides MongoDB access to exchange records.
type mongoRepository struct {
	records *mongo.Collection
}

// NewRepository creates the production exchange record repository with
// instrumentation.
func NewRepository(db *mongo.Database) Repository {
	return NewInstrumentedRepository(&mongoRepository{
		records: db.Collection(recordCollection),
	})
}

func (r *mongoRepository) FindByID(ctx context.Context, id string) (*ExchangeRecord, error) {
	var rec ExchangeRecord
	err := r.records.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

func (r *mongoRepository) FindByFilename(ctx context.Context, backendID, filename string) (*ExchangeRecord, error) {
	var rec ExchangeRecord
	err := r.records.FindOne(ctx, bson.M{"backendId": backendID, "filename": filename}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("exchange record for %s on %s: %w", filename, backendID, repository.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

func (r *mongoRepository) Insert(ctx context.Context, rec *ExchangeRecord) error {
	_, err := r.records.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("exchange record %s: %w", rec.ID, repository.ErrDuplicateKey)
	}
	return err
}

func (r *mongoRepository) Transition(ctx context.Context, id string, from, to State, mut Mutation) (*ExchangeRecord, error) {
	if !CanTransition(from, to) {
		return nil, &InvalidTransitionError{From: from, To: to}
	}

	now := time.Now()
	set := bson.M{
		"state":          to,
		"stateChangedAt": now,
		"updatedAt":      now,
	}
	unset := bson.M{}
	update := bson.M{"$set": set}

	if mut.Error != nil {
		set["errorMessage"] = *mut.Error
	}
	if mut.IncrementAttempt {
		update["$inc"] = bson.M{"attempts": 1}
	}
	if mut.ResetAttempts {
		set["attempts"] = 0
	}
	if mut.Model != nil {
		set["model"] = *mut.Model
	}
	if mut.RecordID != nil {
		set["recordId"] = *mut.RecordID
	}
	if mut.Content != nil {
		set["content"] = mut.Content
	}
	if mut.AckContent != nil {
		set["ackContent"] = mut.AckContent
	}
	if mut.Filename != nil {
		set["filename"] = *mut.Filename
	}
	if mut.NextAttemptAt != nil {
		set["nextAttemptAt"] = *mut.NextAttemptAt
	}
	if mut.ExchangedAt != nil {
		set["exchangedAt"] = *mut.ExchangedAt
	}
	if mut.ClearQueued {
		unset["queuedAt"] = ""
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	// The state guard in the filter is the record-level lock: of two
	// concurrent transitions only one matches.
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec ExchangeRecord
	err := r.records.FindOneAndUpdate(ctx, bson.M{"_id": id, "state": from}, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, r.explainTransitionMiss(ctx, id, from)
		}
		return nil, err
	}
	return &rec, nil
}

// explainTransitionMiss distinguishes "record gone" from "state moved
// under us".
func (r *mongoRepository) explainTransitionMiss(ctx context.Context, id string, from State) error {
	var rec ExchangeRecord
	err := r.records.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("exchange record %s is %s, expected %s: %w",
		id, rec.State, from, repository.ErrOptimisticLock)
}

func (r *mongoRepository) RecordError(ctx context.Context, id string, msg string, nextAttemptAt time.Time) (*ExchangeRecord, error) {
	update := bson.M{
		"$set": bson.M{
			"errorMessage":  msg,
			"nextAttemptAt": nextAttemptAt,
			"updatedAt":     time.Now(),
		},
		"$inc":   bson.M{"attempts": 1},
		"$unset": bson.M{"queuedAt": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec ExchangeRecord
	err := r.records.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

func (r *mongoRepository) Reschedule(ctx context.Context, id string, nextAttemptAt time.Time) error {
	res, err := r.records.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"nextAttemptAt": nextAttemptAt, "updatedAt": time.Now()},
			"$unset": bson.M{"queuedAt": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func (r *mongoRepository) MarkQueued(ctx context.Context, id string, at time.Time) error {
	res, err := r.records.UpdateOne(ctx,
		bson.M{"_id": id, "queuedAt": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"queuedAt": at, "updatedAt": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		var rec ExchangeRecord
		ferr := r.records.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
		if errors.Is(ferr, mongo.ErrNoDocuments) {
			return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
		}
		if ferr != nil {
			return ferr
		}
		return fmt.Errorf("exchange record %s already queued: %w", id, repository.ErrOptimisticLock)
	}
	return nil
}

func (r *mongoRepository) ClearQueued(ctx context.Context, id string) error {
	res, err := r.records.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$unset": bson.M{"queuedAt": ""}, "$set": bson.M{"updatedAt": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func (r *mongoRepository) FindReady(ctx context.Context, now time.Time, limit int64) ([]*ExchangeRecord, error) {
	// Not queued, not terminal, attempt budget left, backoff elapsed.
	filter := bson.M{
		"queuedAt": bson.M{"$exists": false},
		"state": bson.M{"$nin": []State{
			StateOutputSentAndProcessed,
			StateInputProcessed,
		}},
		"$expr": bson.M{"$lt": bson.A{"$attempts", "$maxAttempts"}},
		"$or": []bson.M{
			{"nextAttemptAt": bson.M{"$exists": false}},
			{"nextAttemptAt": bson.M{"$lte": now}},
		},
	}

	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*ExchangeRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *mongoRepository) FindStaleQueued(ctx context.Context, olderThan time.Time, limit int64) ([]*ExchangeRecord, error) {
	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{{Key: "queuedAt", Value: 1}})

	cursor, err := r.records.Find(ctx, bson.M{"queuedAt": bson.M{"$lt": olderThan}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*ExchangeRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *mongoRepository) FindByState(ctx context.Context, backendID string, states []State, limit int64) ([]*ExchangeRecord, error) {
	filter := bson.M{"state": bson.M{"$in": states}}
	if backendID != "" {
		filter["backendId"] = backendID
	}

	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := r.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*ExchangeRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *mongoRepository) CountByState(ctx context.Context, state State) (int64, error) {
	return r.records.CountDocuments(ctx, bson.M{"state": state})
}

func (r *mongoRepository) List(ctx context.Context, backendID string, skip, limit int64) ([]*ExchangeRecord, error) {
	filter := bson.M{}
	if backendID != "" {
		filter["backendId"] = backendID
	}

	opts := options.Find().
		SetSkip(skip).
		SetLimit(limit).
		SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := r.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var recs []*ExchangeRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *mongoRepository) Delete(ctx context.Context, id string) error {
	res, err := r.records.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("exchange record %s: %w", id, repository.ErrNotFound)
	}
	return nil
}
