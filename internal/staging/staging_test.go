package staging

import (
	"context"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	db := testutil.OpenSQLite(t, &models.RawEvent{}, &models.RawError{})
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   NewGormStore(db),
	}
}

func event(id, source string, at time.Time) *models.RawEvent {
	return &models.RawEvent{
		IngestID:         id,
		Source:           source,
		BatchID:          "b1",
		RawPayload:       models.Document{"order_id": id},
		ValidationStatus: models.StatusPending,
		IngestedAt:       at,
		UpdatedAt:        at,
	}
}

func TestStoreInsertAndDuplicate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.InsertEvent(ctx, event("pos_A1", "pos", t0)))

			err := s.InsertEvent(ctx, event("pos_A1", "pos", t0))
			assert.True(t, errors.Is(err, ErrDuplicate))

			got, err := s.GetEvent(ctx, "pos_A1")
			require.NoError(t, err)
			assert.Equal(t, "pos", got.Source)
			assert.Equal(t, "pos_A1", got.RawPayload["order_id"])

			_, err = s.GetEvent(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreTransitions(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.InsertEvent(ctx, event("pos_A1", "pos", t0)))

			e, err := s.GetEvent(ctx, "pos_A1")
			require.NoError(t, err)

			e.ValidationStatus = models.StatusEnriched
			assert.True(t, errors.Is(s.UpdateEvent(ctx, e), ErrInvalidTransition), "pending cannot skip to enriched")

			e.ValidationStatus = models.StatusValid
			require.NoError(t, s.UpdateEvent(ctx, e))

			e.ValidationStatus = models.StatusPending
			assert.True(t, errors.Is(s.UpdateEvent(ctx, e), ErrInvalidTransition), "valid cannot move back")

			e.ValidationStatus = models.StatusValid
			e.Processed = true
			assert.True(t, errors.Is(s.UpdateEvent(ctx, e), ErrInvalidTransition), "only enriched can be processed")

			e.Processed = false
			e.ValidationStatus = models.StatusEnriched
			e.EnrichedData = models.Document{"line_total": "10.00"}
			require.NoError(t, s.UpdateEvent(ctx, e))

			got, err := s.GetEvent(ctx, "pos_A1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusEnriched, got.ValidationStatus)
			assert.Equal(t, "10.00", got.EnrichedData["line_total"])

			missing := event("nope", "pos", t0)
			assert.True(t, errors.Is(s.UpdateEvent(ctx, missing), ErrNotFound))
		})
	}
}

func TestStoreListAndCount(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.InsertEvent(ctx, event("pos_1", "pos", t0)))
			require.NoError(t, s.InsertEvent(ctx, event("pos_2", "pos", t0.Add(time.Minute))))
			require.NoError(t, s.InsertEvent(ctx, event("inv_1", "inventory", t0.Add(2*time.Minute))))

			all, err := s.ListEvents(ctx, EventQuery{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "pos_1", all[0].IngestID)
			assert.Equal(t, "inv_1", all[2].IngestID)

			pos, err := s.ListEvents(ctx, EventQuery{Source: "pos", Limit: 1})
			require.NoError(t, err)
			require.Len(t, pos, 1)
			assert.Equal(t, "pos_1", pos[0].IngestID)

			from := t0.Add(30 * time.Second)
			n, err := s.CountEvents(ctx, EventQuery{From: &from})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			n, err = s.CountEvents(ctx, EventQuery{Status: models.StatusPending, Processed: Bool(false)})
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
		})
	}
}

func TestStoreMarkProcessedAndPurge(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			enriched := event("pos_1", "pos", t0)
			enriched.ValidationStatus = models.StatusEnriched
			require.NoError(t, s.InsertEvent(ctx, enriched))
			require.NoError(t, s.InsertEvent(ctx, event("pos_2", "pos", t0)))

			n, err := s.MarkProcessed(ctx, []string{"pos_1", "pos_2", "missing"}, "run-1", t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "only enriched records are marked")

			n, err = s.MarkProcessed(ctx, []string{"pos_1"}, "run-2", t0.Add(2*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(0), n, "already processed")

			got, err := s.GetEvent(ctx, "pos_1")
			require.NoError(t, err)
			assert.True(t, got.Processed)
			assert.Equal(t, "run-1", got.ETLRunID)
			require.NotNil(t, got.ProcessedAt)

			got.Processed = false
			assert.True(t, errors.Is(s.UpdateEvent(ctx, got), ErrInvalidTransition))

			purged, err := s.PurgeProcessed(ctx, t0.Add(time.Second))
			require.NoError(t, err)
			assert.Equal(t, int64(1), purged)

			n2, err := s.CountEvents(ctx, EventQuery{})
			require.NoError(t, err)
			assert.Equal(t, int64(1), n2)
		})
	}
}

func TestStoreErrors(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.InsertError(ctx, &models.RawError{
				ID: "e1", IngestID: "pos_A1", Source: "pos", BatchID: "b1",
				ErrorType: models.ErrorTypeValidation, ErrorMessage: "quantity must be >= 1", CreatedAt: t0,
			}))
			require.NoError(t, s.InsertError(ctx, &models.RawError{
				ID: "e2", IngestID: "inventory_x", Source: "inventory", BatchID: "b1",
				ErrorType: models.ErrorTypeIngestion, ErrorMessage: "bad", CreatedAt: t0,
			}))

			errs, err := s.ListErrors(ctx, ErrorQuery{ErrorType: models.ErrorTypeValidation})
			require.NoError(t, err)
			require.Len(t, errs, 1)
			assert.Equal(t, "pos_A1", errs[0].IngestID)

			require.NoError(t, s.ResolveError(ctx, "e1", "fixed upstream", t0.Add(time.Hour)))
			assert.True(t, errors.Is(s.ResolveError(ctx, "nope", "", t0), ErrNotFound))

			open, err := s.ListErrors(ctx, ErrorQuery{Resolved: Bool(false)})
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, "e2", open[0].ID)

			resolved, err := s.ListErrors(ctx, ErrorQuery{Resolved: Bool(true)})
			require.NoError(t, err)
			require.Len(t, resolved, 1)
			assert.Equal(t, "fixed upstream", resolved[0].ResolutionNotes)

			require.NoError(t, s.UpdateError(ctx, "e2", "still bad"))
			assert.True(t, errors.Is(s.UpdateError(ctx, "e1", "reopened"), ErrNotFound), "resolved records are not rewritten")
			assert.True(t, errors.Is(s.UpdateError(ctx, "nope", ""), ErrNotFound))

			byIngest, err := s.ListErrors(ctx, ErrorQuery{IngestID: "inventory_x"})
			require.NoError(t, err)
			require.Len(t, byIngest, 1)
			assert.Equal(t, "still bad", byIngest[0].ErrorMessage)
		})
	}
}

func TestKeyExtractor(t *testing.T) {
	k := DefaultKeyExtractor()

	id, ok := k.IngestID("pos", "b1", 0, map[string]interface{}{"order_id": "A1"})
	assert.True(t, ok)
	assert.Equal(t, "pos_A1", id)

	id, ok = k.IngestID("pos", "b1", 3, map[string]interface{}{"transaction_id": 77})
	assert.True(t, ok)
	assert.Equal(t, "pos_77", id)

	id, ok = k.IngestID("inventory", "b1", 0, map[string]interface{}{
		"sku": "SKU1", "location_id": "L1", "timestamp": "2024-03-01T08:00:00Z",
	})
	assert.True(t, ok)
	assert.Equal(t, "inventory_SKU1_L1_2024-03-01T08:00:00Z", id)

	id, ok = k.IngestID("inventory", "b1", 4, map[string]interface{}{"sku": "SKU1"})
	assert.False(t, ok, "partial composite key falls back")
	assert.Equal(t, "inventory_b1_4", id)

	id, ok = k.IngestID("crm", "b9", 2, map[string]interface{}{"id": "x"})
	assert.False(t, ok)
	assert.Equal(t, "crm_b9_2", id)

	k.Configure(map[string][]string{"crm": {"id"}, "pos": {"branch_id", "receipt_number"}})
	id, _ = k.IngestID("crm", "b9", 2, map[string]interface{}{"id": "x"})
	assert.Equal(t, "crm_x", id)
	id, _ = k.IngestID("pos", "b1", 0, map[string]interface{}{"order_id": "A1", "branch_id": "BR1", "receipt_number": "R9"})
	assert.Equal(t, "pos_BR1_R9", id)
}

func newTestIngestor(t *testing.T, s Store, rec *alert.Recorder) *Ingestor {
	ids := 0
	return NewIngestor(s, IngestorOptions{
		Alerter: rec,
		Logger:  testutil.TestLogger(t),
		Now:     func() time.Time { return t0 },
		NewID: func() string {
			ids++
			return "id-" + string(rune('0'+ids))
		},
	})
}

func TestIngestBatchDeduplicates(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &alert.Recorder{}
			in := newTestIngestor(t, s, rec)

			res, err := in.IngestBatch(ctx, "pos", "b1", []map[string]interface{}{
				{"order_id": "A1", "branch_id": "BR1"},
				{"order_id": "A1", "branch_id": "BR1"},
				{"order_id": "A2", "store_id": "S7"},
			})
			require.NoError(t, err)
			assert.Equal(t, 3, res.Total)
			assert.Equal(t, 2, res.Ingested)
			assert.Equal(t, 1, res.Duplicates)
			assert.Equal(t, 0, res.Errors)
			assert.Equal(t, []string{"pos_A1", "pos_A2"}, res.IngestedIDs())
			assert.Equal(t, OutcomeDuplicate, res.Outcomes[1].Status)
			assert.False(t, res.AlertRaised)
			assert.Empty(t, rec.Alerts())

			e, err := s.GetEvent(ctx, "pos_A2")
			require.NoError(t, err)
			assert.Equal(t, "S7", e.BranchID)
			assert.Equal(t, models.StatusPending, e.ValidationStatus)
			assert.Equal(t, "b1", e.BatchID)

			again, err := in.IngestBatch(ctx, "pos", "b2", []map[string]interface{}{
				{"order_id": "A1"},
				{"order_id": "A2"},
			})
			require.NoError(t, err)
			assert.Equal(t, 0, again.Ingested)
			assert.Equal(t, 2, again.Duplicates)

			n, err := s.CountEvents(ctx, EventQuery{Source: "pos"})
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)
		})
	}
}

func TestIngestBatchQuarantinesAndAlerts(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &alert.Recorder{}
			in := newTestIngestor(t, s, rec)

			res, err := in.IngestBatch(ctx, "pos", "", []map[string]interface{}{
				{"order_id": "A1"},
				{"order_id": "A2", "callback": make(chan int)},
				nil,
			})
			require.NoError(t, err)
			assert.Equal(t, "id-1", res.BatchID, "batch id generated when empty")
			assert.Equal(t, 1, res.Ingested)
			assert.Equal(t, 2, res.Errors)
			assert.InDelta(t, 2.0/3.0, res.ErrorRate, 1e-9)
			assert.True(t, res.AlertRaised)

			alerts := rec.Alerts()
			require.Len(t, alerts, 1)
			assert.Equal(t, alert.SeverityHigh, alerts[0].Severity)
			assert.Equal(t, "pos", alerts[0].Details["source"])

			quarantined, err := s.ListErrors(ctx, ErrorQuery{Source: "pos", ErrorType: models.ErrorTypeIngestion})
			require.NoError(t, err)
			require.Len(t, quarantined, 2)
			assert.Equal(t, "pos_A2", quarantined[0].IngestID)
			assert.Equal(t, "A2", quarantined[0].OriginalPayload["order_id"])
			assert.Equal(t, "pos_id-1_2", quarantined[1].IngestID)
		})
	}
}

func TestIngestBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := newTestIngestor(t, NewMemoryStore(), &alert.Recorder{})
	_, err := in.IngestBatch(ctx, "pos", "b1", []map[string]interface{}{{"order_id": "A1"}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestEventFilter(t *testing.T) {
	from := t0
	f := EventFilter(EventQuery{Source: "pos", Status: models.StatusValid, Processed: Bool(false), From: &from})
	assert.Equal(t, bson.M{
		"source":            "pos",
		"validation_status": models.StatusValid,
		"processed":         false,
		"ingested_at":       bson.M{"$gte": t0},
	}, f)

	assert.Equal(t, bson.M{"resolved": true, "error_type": models.ErrorTypeIngestion, "ingest_id": "pos_A1"},
		ErrorFilter(ErrorQuery{Resolved: Bool(true), ErrorType: models.ErrorTypeIngestion, IngestID: "pos_A1"}))
}
