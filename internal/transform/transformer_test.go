package transform

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTransformer(t *testing.T) *Transformer {
	return New(Options{Logger: testutil.TestLogger(t), Now: func() time.Time { return t0 }})
}

func decimals(n int) *int { return &n }

func TestOps(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		in   map[string]interface{}
		key  string
		want interface{}
	}{
		{"cast int", Rule{Op: OpCast, Field: "n", Cast: &CastParams{To: "int"}}, map[string]interface{}{"n": "42"}, "n", int64(42)},
		{"cast bool", Rule{Op: OpCast, Field: "b", Cast: &CastParams{To: "bool"}}, map[string]interface{}{"b": "yes"}, "b", true},
		{"cast date", Rule{Op: OpCast, Field: "d", Cast: &CastParams{To: "date", Layout: "02/01/2006"}}, map[string]interface{}{"d": "15/03/2024"}, "d", "2024-03-15T00:00:00Z"},
		{"format date", Rule{Op: OpFormat, Field: "d", Format: &FormatParams{Kind: "date", Layout: "Jan 2006"}}, map[string]interface{}{"d": "2024-03-15"}, "d", "Mar 2024"},
		{"format number", Rule{Op: OpFormat, Field: "p", Target: "p_str", Format: &FormatParams{Kind: "number", Decimals: 2}}, map[string]interface{}{"p": 5}, "p_str", "5.00"},
		{"format template", Rule{Op: OpFormat, Field: "sku", Format: &FormatParams{Kind: "string", Template: "{branch_id}-{value}"}}, map[string]interface{}{"sku": "X1", "branch_id": "BR1"}, "sku", "BR1-X1"},
		{"normalize", Rule{Op: OpNormalize, Field: "name", Normalize: &NormalizeParams{Trim: true, CollapseSpaces: true, Case: "title"}}, map[string]interface{}{"name": "  jane   DOE "}, "name", "Jane Doe"},
		{"normalize digits", Rule{Op: OpNormalize, Field: "ph", Normalize: &NormalizeParams{Filter: "digits"}}, map[string]interface{}{"ph": "+1 (555) 010"}, "ph", "1555010"},
		{"extract regex", Rule{Op: OpExtract, Field: "ref", Target: "num", Extract: &ExtractParams{Pattern: `INV-(\d+)`}}, map[string]interface{}{"ref": "order INV-0042"}, "num", "0042"},
		{"extract substring", Rule{Op: OpExtract, Field: "code", Extract: &ExtractParams{Start: 1, Length: 2}}, map[string]interface{}{"code": "ABCD"}, "code", "BC"},
		{"replace", Rule{Op: OpReplace, Field: "s", Replace: &ReplaceParams{Pattern: "-", Replacement: ""}}, map[string]interface{}{"s": "a-b-c"}, "s", "abc"},
		{"replace regex", Rule{Op: OpReplace, Field: "s", Replace: &ReplaceParams{Pattern: `\s+`, Replacement: "_", Regex: true}}, map[string]interface{}{"s": "a  b"}, "s", "a_b"},
		{"calculate multiply", Rule{Op: OpCalculate, Target: "gross", Calculate: &CalculateParams{Operation: "multiply", Operands: []string{"qty", "price"}, Decimals: decimals(2)}}, map[string]interface{}{"qty": 3, "price": "1.10"}, "gross", 3.3},
		{"calculate percentage", Rule{Op: OpCalculate, Target: "pct", Calculate: &CalculateParams{Operation: "percentage", Operands: []string{"part", "200"}}}, map[string]interface{}{"part": 50}, "pct", 25.0},
		{"calculate formula", Rule{Op: OpCalculate, Target: "net", Calculate: &CalculateParams{Operation: "formula", Expression: "gross - discount"}}, map[string]interface{}{"gross": 10.0, "discount": 2.5}, "net", 7.5},
		{"lookup", Rule{Op: OpLookup, Field: "m", Lookup: &LookupParams{Table: map[string]interface{}{"C": "cash"}}}, map[string]interface{}{"m": "C"}, "m", "cash"},
		{"lookup default", Rule{Op: OpLookup, Field: "m", Lookup: &LookupParams{Table: map[string]interface{}{"C": "cash"}, Default: "other"}}, map[string]interface{}{"m": "Z"}, "m", "other"},
		{"concat", Rule{Op: OpConcat, Target: "full", Concat: &ConcatParams{Fields: []string{"first", "middle", "last"}, Separator: " "}}, map[string]interface{}{"first": "Ada", "last": "Lovelace"}, "full", "Ada Lovelace"},
		{"split", Rule{Op: OpSplit, Field: "tags", Split: &SplitParams{Separator: ","}}, map[string]interface{}{"tags": "a, b"}, "tags", []interface{}{"a", "b"}},
		{"hash", Rule{Op: OpHash, Field: "email"}, map[string]interface{}{"email": "a"}, "email", "ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"},
		{"mask", Rule{Op: OpMask, Field: "card", Mask: &MaskParams{KeepLast: 4}}, map[string]interface{}{"card": "4111111111111111"}, "card", "************1111"},
		{"mask short", Rule{Op: OpMask, Field: "pin", Mask: &MaskParams{KeepFirst: 2, KeepLast: 2}}, map[string]interface{}{"pin": "123"}, "pin", "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			require.NoError(t, r.prepare())
			doc := tt.in
			require.NoError(t, apply(&r, doc, nil))
			assert.Equal(t, tt.want, doc[tt.key])
		})
	}
}

func TestOpErrors(t *testing.T) {
	r := Rule{Op: OpCast, Field: "n", Cast: &CastParams{To: "int"}}
	require.NoError(t, r.prepare())
	assert.Error(t, apply(&r, map[string]interface{}{"n": "4.5"}, nil))

	div := Rule{Op: OpCalculate, Target: "x", Calculate: &CalculateParams{Operation: "divide", Operands: []string{"a", "b"}}}
	require.NoError(t, div.prepare())
	assert.Error(t, apply(&div, map[string]interface{}{"a": 1, "b": 0}, nil))

	perUnit := Rule{Op: OpCalculate, Target: "unit", Calculate: &CalculateParams{Operation: "formula", Expression: "total / quantity"}}
	require.NoError(t, perUnit.prepare())
	for _, q := range []interface{}{0, 0.0} {
		var err error
		assert.NotPanics(t, func() { err = apply(&perUnit, map[string]interface{}{"total": 10, "quantity": q}, nil) })
		assert.Error(t, err, "infinite result")
	}
	nan := Rule{Op: OpCalculate, Target: "x", Calculate: &CalculateParams{Operation: "formula", Expression: "a / b"}}
	require.NoError(t, nan.prepare())
	assert.Error(t, apply(&nan, map[string]interface{}{"a": 0.0, "b": 0.0}, nil))

	missing := Rule{Op: OpNormalize, Field: "absent"}
	require.NoError(t, missing.prepare())
	doc := map[string]interface{}{}
	require.NoError(t, apply(&missing, doc, nil))
	assert.NotContains(t, doc, "absent", "absent fields are skipped")

	assert.Error(t, (&Rule{Op: "explode", Field: "x"}).prepare())
	assert.Error(t, (&Rule{Op: OpExtract, Field: "x", Extract: &ExtractParams{Pattern: "("}}).prepare())
	assert.Error(t, (&Rule{Op: OpCalculate, Target: "x", Calculate: &CalculateParams{Operation: "add", Operands: []string{"a"}}}).prepare())
	assert.Error(t, (&Rule{Op: OpMask, Field: "card", Mask: &MaskParams{KeepFirst: -1}}).prepare())
	assert.Error(t, (&Rule{Op: OpMask, Field: "card", Mask: &MaskParams{KeepLast: -3}}).prepare())
}

func TestConditions(t *testing.T) {
	doc := map[string]interface{}{"qty": 5, "status": "open", "tags": []interface{}{"vip"}}
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "qty", Operator: "gt", Value: 3}, true},
		{Condition{Field: "qty", Operator: "lte", Value: "4"}, false},
		{Condition{Field: "qty", Operator: "eq", Value: 5.0}, true},
		{Condition{Field: "status", Operator: "ne", Value: "closed"}, true},
		{Condition{Field: "status", Operator: "in", Value: []interface{}{"open", "new"}}, true},
		{Condition{Field: "tags", Operator: "contains", Value: "vip"}, true},
		{Condition{Field: "status", Operator: "contains", Value: "pe"}, true},
		{Condition{Field: "missing", Operator: "exists"}, false},
		{Condition{Field: "missing", Operator: "not_exists"}, true},
		{Condition{Expression: `qty > 3 && status == "open"`}, true},
		{Condition{Expression: `missing == nil`}, true},
	}
	for _, tt := range tests {
		c := tt.cond
		r := Rule{Op: OpNormalize, Field: "status", When: &c}
		require.NoError(t, r.prepare())
		got, err := c.eval(doc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%+v", tt.cond)
	}
}

func TestRuleFromConfig(t *testing.T) {
	r, err := RuleFromConfig(map[string]interface{}{
		"op": "calculate", "target": "net", "operation": "formula", "expression": "gross * 0.9", "decimals": 2,
		"when": map[string]interface{}{"field": "gross", "operator": "gte", "value": 10},
	})
	require.NoError(t, err)
	require.NotNil(t, r.Calculate)
	require.NotNil(t, r.When)

	doc := map[string]interface{}{"gross": 12.345}
	require.NoError(t, apply(&r, doc, nil))
	assert.Equal(t, 11.11, doc["net"])

	doc = map[string]interface{}{"gross": 5}
	require.NoError(t, apply(&r, doc, nil))
	assert.NotContains(t, doc, "net", "condition gates the rule")

	_, err = RulesFromConfig([]map[string]interface{}{
		{"op": "mask", "field": "card", "keep_last": 4},
		{"op": "split", "field": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1")
}

func TestTransformPOSScenario(t *testing.T) {
	tr := newTransformer(t)
	in := map[string]interface{}{"order_id": "A1", "qty": 2, "price": 5.00, "total": 10.00, "storeId": "BR1", "_source": "pos"}
	out, err := tr.Transform("pos", in)
	require.NoError(t, err)

	assert.Equal(t, "10.00", out["line_total"])
	assert.Equal(t, 2, out["quantity"])
	assert.NotContains(t, out, "qty")
	assert.Equal(t, "BR1", out["branch_id"])
	assert.Equal(t, "2024-03-01T08:00:00Z", out["processed_at"])
	assert.Len(t, out[ContentHashField], 64)
	assert.Contains(t, in, "qty", "input is not modified")
}

func TestContentHashStable(t *testing.T) {
	a := map[string]interface{}{"a": 1, "b": "x", "_source": "pos", "processed_at": "2024-01-01T00:00:00Z"}
	b := map[string]interface{}{"b": "x", "a": 1, "_source": "other", "processed_at": "2025-01-01T00:00:00Z", "content_hash": "old"}
	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := map[string]interface{}{"a": 2, "b": "x"}
	hc, err := ContentHash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestHandlers(t *testing.T) {
	tr := newTransformer(t)

	out, err := tr.Transform("inventory", map[string]interface{}{"sku": "S1", "qty_on_hand": 7, "timestamp": "2024-03-01T08:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, 7, out["stock_level"])
	assert.Equal(t, "2024-03-01T08:00:00Z", out["event_timestamp"])

	out, err = tr.Transform("timesheet", map[string]interface{}{"staff_id": "S1", "clock_in": "2024-03-01T09:00:00Z", "clock_out": "2024-03-01T17:30:00Z"})
	require.NoError(t, err)
	assert.Equal(t, 8.5, out["hours_worked"])

	_, err = tr.Transform("timesheet", map[string]interface{}{"clock_in": "2024-03-01T09:00:00Z", "clock_out": "2024-03-01T08:00:00Z"})
	assert.Error(t, err)
}

func TestTransformBatchIsolatesFailures(t *testing.T) {
	tr := newTransformer(t)
	tr.RegisterFunc("tokenize", func(v interface{}, args map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
		return args["prefix"].(string) + strings.Repeat("#", len(v.(string))), nil
	})
	require.NoError(t, tr.AddRules("crm",
		Rule{Op: OpCast, Field: "age", Cast: &CastParams{To: "int"}},
		Rule{Op: OpCustom, Field: "email", Custom: &CustomParams{Function: "tokenize", Args: map[string]interface{}{"prefix": "tok:"}}},
	))
	assert.Error(t, tr.AddRules("crm", Rule{Op: OpCustom, Field: "x", Custom: &CustomParams{Function: "nope"}}))

	outcomes := tr.TransformBatch("crm", []map[string]interface{}{
		{"age": "30", "email": "abc"},
		{"age": "thirty", "email": "abc"},
		{"age": 41},
	})
	require.Len(t, outcomes, 3)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, int64(30), outcomes[0].Data["age"])
	assert.Equal(t, "tok:###", outcomes[0].Data["email"])

	require.Error(t, outcomes[1].Err)
	assert.Contains(t, outcomes[1].Err.Error(), "rule 0 cast(age)")
	assert.Equal(t, "thirty", outcomes[1].Data["age"], "failed records keep their input")
	assert.Equal(t, outcomes[1].Err.Error(), outcomes[1].Data[ErrorField])

	require.NoError(t, outcomes[2].Err)
	assert.Equal(t, 2, outcomes[2].Index)
}

func TestTransformBatchNonFiniteFormula(t *testing.T) {
	tr := newTransformer(t)
	require.NoError(t, tr.AddRules("orders",
		Rule{Op: OpCalculate, Target: "unit_price", Calculate: &CalculateParams{Operation: "formula", Expression: "total / quantity"}},
	))

	var outcomes []Outcome
	require.NotPanics(t, func() {
		outcomes = tr.TransformBatch("orders", []map[string]interface{}{
			{"order_id": "A", "total": 10, "quantity": 0},
			{"order_id": "B", "total": 10, "quantity": 2},
		})
	})
	require.Len(t, outcomes, 2)
	require.Error(t, outcomes[0].Err)
	assert.True(t, errors.IsType(outcomes[0].Err, errors.ErrorTypeTransformation))
	assert.Equal(t, "A", outcomes[0].Data["order_id"])

	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, 5.0, outcomes[1].Data["unit_price"])
}

func TestEnrichValid(t *testing.T) {
	ctx := context.Background()
	store := staging.NewMemoryStore()
	for _, e := range []*models.RawEvent{
		{IngestID: "pos_A1", Source: "pos", RawPayload: models.Document{"order_id": "A1", "qty": 2, "price": 5.00}, ValidationStatus: models.StatusValid, IngestedAt: t0},
		{IngestID: "pos_A3", Source: "pos", RawPayload: models.Document{"order_id": "A3", "qty": "two", "price": 5.00}, ValidationStatus: models.StatusValid, IngestedAt: t0},
		{IngestID: "pos_A4", Source: "pos", RawPayload: models.Document{"order_id": "A4"}, ValidationStatus: models.StatusPending, IngestedAt: t0},
	} {
		require.NoError(t, store.InsertEvent(ctx, e))
	}

	tr := New(Options{Logger: testutil.TestLogger(t), Now: func() time.Time { return t0 }, MaxRetries: 2})
	res, err := tr.EnrichValid(ctx, store, "pos", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Enriched)
	assert.Equal(t, 1, res.Failed)

	a1, err := store.GetEvent(ctx, "pos_A1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnriched, a1.ValidationStatus)
	assert.Equal(t, "10.00", a1.EnrichedData["line_total"])
	assert.Equal(t, "10.00", a1.Merged()["line_total"])

	a3, err := store.GetEvent(ctx, "pos_A3")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValid, a3.ValidationStatus)
	assert.Equal(t, 1, a3.RetryCount)
	assert.Contains(t, a3.LastError, "quantity")

	errs, err := store.ListErrors(ctx, staging.ErrorQuery{ErrorType: models.ErrorTypeProcessing})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "pos_A3", errs[0].IngestID)

	_, err = tr.EnrichValid(ctx, store, "pos", 0)
	require.NoError(t, err)
	errs, err = store.ListErrors(ctx, staging.ErrorQuery{ErrorType: models.ErrorTypeProcessing})
	require.NoError(t, err)
	require.Len(t, errs, 1, "a retried failure rewrites its open error")

	res, err = tr.EnrichValid(ctx, store, "pos", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "retries exhausted")
	assert.Equal(t, 0, res.Scanned)
}
