package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to ValidationStatus
		ok       bool
	}{
		{StatusPending, StatusValid, true},
		{StatusPending, StatusInvalid, true},
		{StatusPending, StatusEnriched, false},
		{StatusValid, StatusEnriched, true},
		{StatusValid, StatusInvalid, false},
		{StatusInvalid, StatusValid, false},
		{StatusEnriched, StatusValid, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestDocumentValuerScanner(t *testing.T) {
	d := Document{"order_id": "A1", "qty": 2}
	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"order_id":"A1","qty":2}`, v)

	var out Document
	require.NoError(t, out.Scan([]byte(v.(string))))
	assert.Equal(t, "A1", out["order_id"])
	assert.Equal(t, float64(2), out["qty"])

	require.NoError(t, out.Scan(nil))
	assert.Empty(t, out)
	assert.Error(t, out.Scan(42))
}

func TestFieldErrorsRoundTrip(t *testing.T) {
	fe := FieldErrors{{Field: "quantity", Rule: "range", Message: "quantity must be >= 1", Severity: SeverityError}}
	v, err := fe.Value()
	require.NoError(t, err)

	var out FieldErrors
	require.NoError(t, out.Scan(v))
	require.Len(t, out, 1)
	assert.Equal(t, "quantity:range", out[0].Key())
}

func TestRawEventMerged(t *testing.T) {
	e := RawEvent{
		RawPayload:   Document{"qty": 2, "price": 5.0},
		EnrichedData: Document{"line_total": 10.0, "qty": 3},
	}
	m := e.Merged()
	assert.Equal(t, 3, m["qty"])
	assert.Equal(t, 10.0, m["line_total"])
	assert.Equal(t, 2, e.RawPayload["qty"])
}

func TestRowCountersAdd(t *testing.T) {
	c := RowCounters{Processed: 1, Failed: 1}
	c.Add(RowCounters{Processed: 2, Inserted: 2, Skipped: 1})
	assert.Equal(t, RowCounters{Processed: 3, Inserted: 2, Failed: 1, Skipped: 1}, c)
	assert.True(t, RunCancelled.IsTerminal())
	assert.False(t, RunRetrying.IsTerminal())
}
