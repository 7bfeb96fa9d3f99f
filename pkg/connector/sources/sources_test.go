package sources

import (
	"context"
	"testing"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAll(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "file", "mongodb", "rest"}, reg.Types())

	assert.Error(t, RegisterAll(reg), "second registration must conflict")
}

func TestValidateAllAcrossTypes(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	good := []config.ConnectorConfig{
		{Name: "pos", Type: "rest", Params: map[string]interface{}{"base_url": "https://pos.example.com"}},
		{Name: "stock", Type: "file", Params: map[string]interface{}{"path": "/data/stock.csv"}},
		{Name: "erp", Type: "database", Params: map[string]interface{}{"dsn": "postgres://u@h/db", "table": "orders"}},
		{Name: "events", Type: "mongodb", Params: map[string]interface{}{"uri": "mongodb://h", "database": "ops", "collection": "events"}},
	}
	require.NoError(t, reg.ValidateAll(context.Background(), good, core.Dependencies{}))

	bad := append(good, config.ConnectorConfig{Name: "broken", Type: "rest"})
	err = reg.ValidateAll(context.Background(), bad, core.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url is required")
}
