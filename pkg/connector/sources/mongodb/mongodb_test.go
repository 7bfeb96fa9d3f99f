package mongodb

import (
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		errs   int
	}{
		{"complete", map[string]interface{}{"uri": "mongodb://localhost", "database": "ops", "collection": "events"}, 0},
		{"missing all", map[string]interface{}{}, 3},
		{"missing collection", map[string]interface{}{"uri": "mongodb://localhost", "database": "ops"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(config.ConnectorConfig{Name: "m", Params: tt.params}, core.Dependencies{})
			require.NoError(t, err)
			res := c.ValidateConfig()
			assert.Equal(t, tt.errs == 0, res.Valid)
			assert.Len(t, res.Errors, tt.errs)
		})
	}
}

func TestCheckpointType(t *testing.T) {
	c, err := New(config.ConnectorConfig{Name: "m", Params: map[string]interface{}{"incremental_field": "updated_at"}}, core.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, models.CheckpointTimestamp, c.CheckpointType())
}

func TestBuildFilter(t *testing.T) {
	s := config.MongoSettings{Filter: map[string]interface{}{"type": "sale"}, IncrementalField: "updated_at"}
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	f := buildFilter(s, core.QueryParams{Checkpoint: ts.Format(time.RFC3339Nano), Filters: map[string]interface{}{"branch_id": "B1"}})
	assert.Equal(t, "sale", f["type"])
	assert.Equal(t, "B1", f["branch_id"])
	assert.Equal(t, bson.M{"$gt": primitive.NewDateTimeFromTime(ts)}, f["updated_at"])

	f = buildFilter(s, core.QueryParams{Checkpoint: "17"})
	assert.Equal(t, bson.M{"$gt": int64(17)}, f["updated_at"])

	f = buildFilter(s, core.QueryParams{})
	_, has := f["updated_at"]
	assert.False(t, has)
}

func TestNormalize(t *testing.T) {
	oid := primitive.NewObjectID()
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":   oid,
		"at":    primitive.NewDateTimeFromTime(ts),
		"qty":   int32(3),
		"lines": bson.A{bson.D{{Key: "sku", Value: "X"}}},
	}
	out := Normalize(doc).(map[string]interface{})
	assert.Equal(t, oid.Hex(), out["_id"])
	assert.Equal(t, "2024-03-01T09:00:00Z", out["at"])
	assert.Equal(t, int64(3), out["qty"])
	assert.Equal(t, []interface{}{map[string]interface{}{"sku": "X"}}, out["lines"])
}
