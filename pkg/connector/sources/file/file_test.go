package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func newConnector(t *testing.T, params map[string]interface{}) *Connector {
	t.Helper()
	c, err := New(config.ConnectorConfig{Name: "inventory", Type: core.TypeFile, Params: params}, core.Dependencies{})
	require.NoError(t, err)
	return c.(*Connector)
}

func TestCSVWithTypeInference(t *testing.T) {
	path := writeFile(t, "stock.csv", []byte("sku,qty_on_hand,location_id\nX1, 5 ,L1\nX2,2.5,L2\n\nX3,,L1\n"))
	c := newConnector(t, map[string]interface{}{"path": path, "infer_types": true, "trim_spaces": true})

	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, int64(5), recs[0].Data["qty_on_hand"])
	assert.Equal(t, 2.5, recs[1].Data["qty_on_hand"])
	assert.Nil(t, recs[2].Data["qty_on_hand"])
	assert.Equal(t, "inventory", recs[0].Data[core.LineageSource])
}

func TestFormatDetection(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"csv extension", "a.csv", "a,b\n1,2", FormatCSV},
		{"tsv extension", "a.tsv", "a\tb", FormatTSV},
		{"jsonl extension", "a.ndjson", "{}", FormatJSONL},
		{"sniff array", "a.dat", "  [{\"a\":1}]", FormatJSON},
		{"sniff lines", "a.dat", "{\"a\":1}\n{\"a\":2}\n", FormatJSONL},
		{"sniff object", "a.dat", "{\n\"data\": []}", FormatJSON},
		{"sniff tabs", "a.dat", "a\tb\tc\n1\t2\t3", FormatTSV},
		{"sniff csv", "a.dat", "a,b\n1,2", FormatCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectFormat(tt.file, []byte(tt.body)))
		})
	}
}

func TestSemicolonDelimiterSniffed(t *testing.T) {
	path := writeFile(t, "export.csv", []byte("staff_id;hours\nS1;8\n"))
	c := newConnector(t, map[string]interface{}{"path": path})
	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "8", recs[0].Data["hours"])
}

func TestLatin1Encoding(t *testing.T) {
	encoded, err := charmap.ISO8859_1.NewEncoder().String("name,city\nJosé,Málaga\n")
	require.NoError(t, err)
	path := writeFile(t, "staff.csv", []byte(encoded))

	c := newConnector(t, map[string]interface{}{"path": path, "encoding": "latin1"})
	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "José", recs[0].Data["name"])
	assert.Equal(t, "Málaga", recs[0].Data["city"])
}

func TestRequiredColumns(t *testing.T) {
	path := writeFile(t, "orders.csv", []byte("order_id,total\nA1,10\n"))
	c := newConnector(t, map[string]interface{}{"path": path, "required_columns": "order_id,quantity"})
	_, err := c.Extract(context.Background(), core.QueryParams{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "quantity")

	jsonPath := writeFile(t, "orders.jsonl", []byte(`{"order_id":"A1","quantity":1}`+"\n"+`{"order_id":"A2"}`+"\n"))
	c = newConnector(t, map[string]interface{}{"path": jsonPath, "required_columns": []string{"quantity"}})
	_, err = c.Extract(context.Background(), core.QueryParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 2")
}

func TestHeaderlessAndSkipRows(t *testing.T) {
	path := writeFile(t, "raw.csv", []byte("exported 2024-03-01\nA1,2\nA2,3\n"))
	c := newConnector(t, map[string]interface{}{"path": path, "has_header": false, "skip_rows": 1})
	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A2", recs[1].Data["column_1"])
}

func TestPagingAndResumeFromCheckpoint(t *testing.T) {
	path := writeFile(t, "events.json", []byte(`{"data":[{"id":1},{"id":2},{"id":3},{"id":4},{"id":5}]}`))
	c := newConnector(t, map[string]interface{}{"path": path, "page_size": 2})

	var checkpoints []string
	err := c.ExtractPages(context.Background(), core.QueryParams{}, func(_ context.Context, p core.Page) error {
		checkpoints = append(checkpoints, p.Checkpoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "4", "5"}, checkpoints)

	recs, err := c.Extract(context.Background(), core.QueryParams{Checkpoint: "4"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(5), recs[0].Data["id"])

	_, err = c.Extract(context.Background(), core.QueryParams{Checkpoint: "x"})
	assert.Error(t, err)
}

func TestFiltersAndMissingFile(t *testing.T) {
	path := writeFile(t, "ts.jsonl", []byte("{\"branch_id\":\"B1\"}\n{\"branch_id\":\"B2\"}\n"))
	c := newConnector(t, map[string]interface{}{"path": path})
	recs, err := c.Extract(context.Background(), core.QueryParams{Filters: map[string]interface{}{"branch_id": "B2"}})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	c = newConnector(t, map[string]interface{}{"path": filepath.Join(t.TempDir(), "nope.csv")})
	_, err = c.Extract(context.Background(), core.QueryParams{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		valid  bool
	}{
		{"ok", map[string]interface{}{"path": "/tmp/x.csv", "encoding": "windows-1252"}, true},
		{"no path", map[string]interface{}{}, false},
		{"bad format", map[string]interface{}{"path": "x", "format": "xml"}, false},
		{"bad encoding", map[string]interface{}{"path": "x", "encoding": "ebcdic"}, false},
		{"long delimiter", map[string]interface{}{"path": "x", "delimiter": "||"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, newConnector(t, tt.params).ValidateConfig().Valid)
		})
	}
}
