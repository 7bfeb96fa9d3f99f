// Package mongodb implements a document database source connector.
package mongodb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/base"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const defaultBatchSize = 500

// Connector reads a collection, optionally incrementally on one field.
type Connector struct {
	*base.BaseConnector

	settings config.MongoSettings

	mu     sync.Mutex
	client *mongo.Client
}

// New builds a MongoDB connector. The client connects on first use.
func New(cfg config.ConnectorConfig, deps core.Dependencies) (core.Connector, error) {
	var s config.MongoSettings
	if err := config.Decode(cfg.Params, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid mongodb settings")
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	bc, err := base.NewBaseConnector(cfg, core.TypeMongoDB, deps)
	if err != nil {
		return nil, err
	}
	return &Connector{BaseConnector: bc, settings: s}, nil
}

// CheckpointType is timestamp when an incremental field is configured.
func (c *Connector) CheckpointType() models.CheckpointType {
	if c.settings.IncrementalField != "" {
		return models.CheckpointTimestamp
	}
	return models.CheckpointBatch
}

// ValidateConfig checks connection and collection settings.
func (c *Connector) ValidateConfig() core.ValidationResult {
	res := core.ValidationResult{Valid: true}
	if c.settings.URI == "" {
		res.Invalid("uri is required")
	}
	if c.settings.Database == "" {
		res.Invalid("database is required")
	}
	if c.settings.Collection == "" {
		res.Invalid("collection is required")
	}
	return res
}

func (c *Connector) collection(ctx context.Context) (*mongo.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.settings.URI))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to mongodb")
		}
		c.client = client
	}
	return c.client.Database(c.settings.Database).Collection(c.settings.Collection), nil
}

// Extract returns every document matching params.
func (c *Connector) Extract(ctx context.Context, params core.QueryParams) ([]core.Record, error) {
	return base.CollectPages(ctx, params, c.ExtractPages)
}

// ExtractPages streams matching documents sorted on the incremental field.
func (c *Connector) ExtractPages(ctx context.Context, params core.QueryParams, fn core.PageFunc) error {
	filter := buildFilter(c.settings, params)

	opts := options.Find().SetBatchSize(int32(c.settings.BatchSize))
	if inc := c.settings.IncrementalField; inc != "" {
		opts.SetSort(bson.D{{Key: inc, Value: 1}})
	}
	if len(c.settings.Projection) > 0 {
		proj := bson.D{}
		for _, f := range c.settings.Projection {
			proj = append(proj, bson.E{Key: f, Value: 1})
		}
		opts.SetProjection(proj)
	}
	if params.Limit > 0 {
		opts.SetLimit(int64(params.Limit))
	}

	var cur *mongo.Cursor
	err := c.Execute(ctx, "find", func(ctx context.Context) error {
		coll, err := c.collection(ctx)
		if err != nil {
			return err
		}
		cur, err = coll.Find(ctx, filter, opts)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeQuery, "find failed")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	highWater := params.Checkpoint
	pageNo, docNo := 0, 0
	batch := make([]core.Record, 0, c.settings.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		page := core.Page{Number: pageNo, Records: batch}
		if c.settings.IncrementalField != "" {
			page.Checkpoint = highWater
		}
		pageNo++
		batch = make([]core.Record, 0, c.settings.BatchSize)
		return fn(ctx, page)
	}

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to decode document").WithDetail("document", docNo)
		}
		data, _ := Normalize(doc).(map[string]interface{})
		if inc := c.settings.IncrementalField; inc != "" {
			if s, ok := data[inc].(string); ok && s > highWater {
				highWater = s
			}
		}
		batch = append(batch, c.Stamp(data, "doc:"+strconv.Itoa(docNo)))
		docNo++
		if len(batch) >= c.settings.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "cursor failed")
	}
	c.Logger().Debug("collection read", zap.Int("documents", docNo))
	return flush()
}

// buildFilter merges configured and request filters with the incremental
// lower bound.
func buildFilter(s config.MongoSettings, params core.QueryParams) bson.M {
	filter := bson.M{}
	for k, v := range s.Filter {
		filter[k] = v
	}
	for k, v := range params.Filters {
		filter[k] = v
	}
	if s.IncrementalField == "" {
		return filter
	}
	switch {
	case params.Checkpoint != "":
		filter[s.IncrementalField] = bson.M{"$gt": boundValue(params.Checkpoint)}
	case params.Since != nil:
		filter[s.IncrementalField] = bson.M{"$gt": primitive.NewDateTimeFromTime(*params.Since)}
	}
	return filter
}

func boundValue(checkpoint string) interface{} {
	if t, err := time.Parse(time.RFC3339Nano, checkpoint); err == nil {
		return primitive.NewDateTimeFromTime(t)
	}
	if n, err := strconv.ParseInt(checkpoint, 10, 64); err == nil {
		return n
	}
	return checkpoint
}

// Normalize converts BSON values into plain Go values: ObjectIDs become hex
// strings, dates become RFC3339 strings, nested documents become maps.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(x))
		for _, e := range x {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC().Format(time.RFC3339Nano)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case primitive.Decimal128:
		return x.String()
	case int32:
		return int64(x)
	default:
		return x
	}
}

// HealthCheck pings the primary.
func (c *Connector) HealthCheck(ctx context.Context) core.HealthStatus {
	start := c.Now()
	coll, err := c.collection(ctx)
	if err == nil {
		err = coll.Database().Client().Ping(ctx, readpref.Primary())
	}
	if err != nil {
		err = fmt.Errorf("mongodb ping: %w", err)
	}
	c.RecordProbe(err, c.Now().Sub(start))
	return c.HealthStatus()
}

// Close disconnects the client.
func (c *Connector) Close(ctx context.Context) error {
	if err := c.BaseConnector.Close(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect(ctx)
	c.client = nil
	return err
}
