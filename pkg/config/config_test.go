package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 500, cfg.Batch.Size)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 0.10, cfg.Staging.ErrorRateThreshold, 1e-9)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
}

func TestLoadFileWithSubstitutionAndEnv(t *testing.T) {
	t.Setenv("POS_TOKEN", "secret-token")
	t.Setenv("OPSFLOW_BATCH_SIZE", "50")

	path := writeFile(t, `
name: test
retry:
  base_delay: 2s
  max_attempts: 5
connectors:
  - name: pos
    type: rest
    rate_limit_per_minute: 60
    auth:
      type: bearer
      token: ${POS_TOKEN}
    params:
      base_url: https://pos.example.com
      pagination:
        mode: page
        page_size: "25"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Name)
	assert.Equal(t, 50, cfg.Batch.Size)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)

	cc, ok := cfg.Connector("pos")
	require.True(t, ok)
	assert.Equal(t, "secret-token", cc.Auth.Token)
	assert.Equal(t, "pos", cc.SourceTag())

	var rest RESTSettings
	require.NoError(t, Decode(cc.Params, &rest))
	assert.Equal(t, "https://pos.example.com", rest.BaseURL)
	assert.Equal(t, "page", rest.Pagination.Mode)
	assert.Equal(t, 25, rest.Pagination.PageSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr string
	}{
		{"defaults", func(*PipelineConfig) {}, ""},
		{"bad driver", func(c *PipelineConfig) { c.Database.Driver = "oracle" }, "database.driver"},
		{"bad threshold", func(c *PipelineConfig) { c.Staging.ErrorRateThreshold = 1.5 }, "error_rate_threshold"},
		{"zero batch", func(c *PipelineConfig) { c.Batch.Size = 0 }, "batch.size"},
		{"kafka without brokers", func(c *PipelineConfig) { c.Queue.Backend = "kafka" }, "queue.brokers"},
		{"s3 without bucket", func(c *PipelineConfig) { c.Archive.Backend = "s3" }, "archive.bucket"},
		{"duplicate connector", func(c *PipelineConfig) {
			c.Connectors = []ConnectorConfig{{Name: "a", Type: "rest"}, {Name: "a", Type: "file"}}
		}, "duplicate connector"},
		{"connector without type", func(c *PipelineConfig) {
			c.Connectors = []ConnectorConfig{{Name: "a"}}
		}, "type is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDecodeWeakTypes(t *testing.T) {
	var fs FileSettings
	require.NoError(t, Decode(map[string]interface{}{
		"path":             "/tmp/x.csv",
		"has_header":       "false",
		"required_columns": "sku,qty",
		"skip_rows":        "2",
	}, &fs))
	require.NotNil(t, fs.HasHeader)
	assert.False(t, *fs.HasHeader)
	assert.Equal(t, []string{"sku", "qty"}, fs.RequiredColumns)
	assert.Equal(t, 2, fs.SkipRows)
}

func TestSaveAndLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, map[string]interface{}{"jobs": []string{"a", "b"}}))

	var out struct {
		Jobs []string `yaml:"jobs"`
	}
	require.NoError(t, LoadYAML(path, &out))
	assert.Equal(t, []string{"a", "b"}, out.Jobs)
}
