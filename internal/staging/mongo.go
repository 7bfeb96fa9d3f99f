package staging

import (
	"context"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by MongoStore.
const (
	EventsCollection = "raw_events"
	ErrorsCollection = "raw_errors"
)

// MongoStore keeps staging documents in MongoDB. Events use the ingest id
// as _id, so the server's unique _id index enforces dedup.
type MongoStore struct {
	events *mongo.Collection
	errs   *mongo.Collection
}

// NewMongoStore uses the staging collections of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		events: db.Collection(EventsCollection),
		errs:   db.Collection(ErrorsCollection),
	}
}

// EnsureIndexes creates the secondary indexes used by the pipeline queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "validation_status", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "ingested_at", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create event indexes")
	}
	_, err = s.errs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "source", Value: 1}, {Key: "error_type", Value: 1}}},
		{Keys: bson.D{{Key: "batch_id", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create error indexes")
	}
	return nil
}

// InsertEvent implements Store.
func (s *MongoStore) InsertEvent(ctx context.Context, e *models.RawEvent) error {
	_, err := s.events.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeIngestion, "failed to stage event").WithDetail("ingest_id", e.IngestID)
	}
	return nil
}

// GetEvent implements Store.
func (s *MongoStore) GetEvent(ctx context.Context, id string) (*models.RawEvent, error) {
	var e models.RawEvent
	err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to load event")
	}
	return &e, nil
}

// UpdateEvent implements Store. The replace is conditional on the status
// read, so a concurrent transition makes this update fail instead of
// overwriting it.
func (s *MongoStore) UpdateEvent(ctx context.Context, e *models.RawEvent) error {
	prev, err := s.GetEvent(ctx, e.IngestID)
	if err != nil {
		return err
	}
	if err := checkUpdate(prev, e); err != nil {
		return err
	}
	res, err := s.events.ReplaceOne(ctx, bson.M{
		"_id":               e.IngestID,
		"validation_status": prev.ValidationStatus,
		"processed":         prev.Processed,
	}, e)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update event")
	}
	if res.MatchedCount == 0 {
		return errors.Wrap(ErrInvalidTransition, errors.ErrorTypeConflict, "event changed concurrently").
			WithDetail("ingest_id", e.IngestID)
	}
	return nil
}

// EventFilter renders q as a MongoDB filter document.
func EventFilter(q EventQuery) bson.M {
	f := bson.M{}
	if q.Source != "" {
		f["source"] = q.Source
	}
	if q.BatchID != "" {
		f["batch_id"] = q.BatchID
	}
	if q.Status != "" {
		f["validation_status"] = q.Status
	}
	if q.Processed != nil {
		f["processed"] = *q.Processed
	}
	if q.From != nil || q.To != nil {
		r := bson.M{}
		if q.From != nil {
			r["$gte"] = *q.From
		}
		if q.To != nil {
			r["$lt"] = *q.To
		}
		f["ingested_at"] = r
	}
	return f
}

// ErrorFilter renders q as a MongoDB filter document.
func ErrorFilter(q ErrorQuery) bson.M {
	f := bson.M{}
	if q.Source != "" {
		f["source"] = q.Source
	}
	if q.BatchID != "" {
		f["batch_id"] = q.BatchID
	}
	if q.IngestID != "" {
		f["ingest_id"] = q.IngestID
	}
	if q.ErrorType != "" {
		f["error_type"] = q.ErrorType
	}
	if q.Resolved != nil {
		f["resolved"] = *q.Resolved
	}
	return f
}

// ListEvents implements Store.
func (s *MongoStore) ListEvents(ctx context.Context, q EventQuery) ([]models.RawEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ingested_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.events.Find(ctx, EventFilter(q), opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list events")
	}
	var out []models.RawEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to decode events")
	}
	return out, nil
}

// CountEvents implements Store.
func (s *MongoStore) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	n, err := s.events.CountDocuments(ctx, EventFilter(q))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to count events")
	}
	return n, nil
}

// InsertError implements Store.
func (s *MongoStore) InsertError(ctx context.Context, e *models.RawError) error {
	if _, err := s.errs.InsertOne(ctx, e); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to quarantine record")
	}
	return nil
}

// ListErrors implements Store.
func (s *MongoStore) ListErrors(ctx context.Context, q ErrorQuery) ([]models.RawError, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.errs.Find(ctx, ErrorFilter(q), opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to list raw errors")
	}
	var out []models.RawError
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to decode raw errors")
	}
	return out, nil
}

// ResolveError implements Store.
func (s *MongoStore) ResolveError(ctx context.Context, id, notes string, at time.Time) error {
	res, err := s.errs.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"resolved":         true,
		"resolved_at":      at,
		"resolution_notes": notes,
	}})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to resolve raw error")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateError implements Store.
func (s *MongoStore) UpdateError(ctx context.Context, id, message string) error {
	res, err := s.errs.UpdateOne(ctx, bson.M{"_id": id, "resolved": false},
		bson.M{"$set": bson.M{"error_message": message}})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to update raw error")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed implements Store.
func (s *MongoStore) MarkProcessed(ctx context.Context, ids []string, runID string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.events.UpdateMany(ctx, bson.M{
		"_id":               bson.M{"$in": ids},
		"validation_status": models.StatusEnriched,
		"processed":         false,
	}, bson.M{"$set": bson.M{
		"processed":    true,
		"processed_at": at,
		"etl_run_id":   runID,
		"updated_at":   at,
	}})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to mark events processed")
	}
	return res.ModifiedCount, nil
}

// PurgeProcessed implements Store.
func (s *MongoStore) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.events.DeleteMany(ctx, bson.M{"processed": true, "ingested_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "failed to purge processed events")
	}
	return res.DeletedCount, nil
}
