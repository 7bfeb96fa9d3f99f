package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultErrorRateThreshold raises an alert when more than 10% of a batch
// fails to stage.
const DefaultErrorRateThreshold = 0.10

// Outcome statuses.
const (
	OutcomeIngested  = "ingested"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Outcome is the result of staging one record.
type Outcome struct {
	Index    int
	IngestID string
	Status   string
	Err      error
}

// IngestResult summarizes one batch.
type IngestResult struct {
	BatchID     string
	Source      string
	Total       int
	Ingested    int
	Duplicates  int
	Errors      int
	ErrorRate   float64
	AlertRaised bool
	Outcomes    []Outcome
}

// IngestedIDs returns the ingest ids admitted by this batch.
func (r *IngestResult) IngestedIDs() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status == OutcomeIngested {
			ids = append(ids, o.IngestID)
		}
	}
	return ids
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	ErrorRateThreshold float64
	Keys               *KeyExtractor
	Alerter            alert.Alerter
	Metrics            *metrics.Metrics
	Logger             *zap.Logger
	Now                func() time.Time
	NewID              func() string
}

// Ingestor stages batches of extracted records.
type Ingestor struct {
	store     Store
	keys      *KeyExtractor
	threshold float64
	alerter   alert.Alerter
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// NewIngestor creates an ingestor over store.
func NewIngestor(store Store, opts IngestorOptions) *Ingestor {
	in := &Ingestor{
		store:     store,
		keys:      opts.Keys,
		threshold: opts.ErrorRateThreshold,
		alerter:   opts.Alerter,
		metrics:   opts.Metrics,
		logger:    logger.OrDefault(opts.Logger, "ingestor"),
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if in.keys == nil {
		in.keys = DefaultKeyExtractor()
	}
	if in.threshold <= 0 {
		in.threshold = DefaultErrorRateThreshold
	}
	if in.alerter == nil {
		in.alerter = alert.Nop{}
	}
	if in.now == nil {
		in.now = time.Now
	}
	if in.newID == nil {
		in.newID = uuid.NewString
	}
	return in
}

// IngestBatch stages records under batchID (generated when empty). Each
// record is handled on its own: duplicates are skipped, and a record that
// cannot be staged is quarantined as a RawError while the rest of the batch
// continues. Only context cancellation aborts the batch.
func (in *Ingestor) IngestBatch(ctx context.Context, source, batchID string, records []map[string]interface{}) (*IngestResult, error) {
	if batchID == "" {
		batchID = in.newID()
	}
	log := logger.FromContext(ctx, in.logger).With(zap.String("source", source), zap.String("batch_id", batchID))

	res := &IngestResult{BatchID: batchID, Source: source, Total: len(records)}
	for i, payload := range records {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, errors.ErrorTypeCancelled, "ingestion cancelled")
		}
		out := in.ingestOne(ctx, source, batchID, i, payload)
		switch out.Status {
		case OutcomeIngested:
			res.Ingested++
		case OutcomeDuplicate:
			res.Duplicates++
		default:
			res.Errors++
			log.Warn("record quarantined", zap.Int("index", i), zap.String("ingest_id", out.IngestID), zap.Error(out.Err))
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	if res.Total > 0 {
		res.ErrorRate = float64(res.Errors) / float64(res.Total)
	}
	in.metrics.RecordIngest(source, res.Ingested, res.Duplicates, res.Errors)

	if res.ErrorRate > in.threshold {
		res.AlertRaised = true
		err := in.alerter.Raise(ctx, alert.Alert{
			Severity: alert.SeverityHigh,
			Title:    "High ingestion error rate",
			Message:  fmt.Sprintf("%s batch %s: %.1f%% of records failed to stage", source, batchID, res.ErrorRate*100),
			Details: map[string]interface{}{
				"source":     source,
				"batch_id":   batchID,
				"errors":     res.Errors,
				"total":      res.Total,
				"error_rate": res.ErrorRate,
				"threshold":  in.threshold,
			},
			Timestamp: in.now(),
		})
		if err != nil {
			log.Error("failed to raise alert", zap.Error(err))
		}
	}

	log.Info("batch staged",
		zap.Int("total", res.Total),
		zap.Int("ingested", res.Ingested),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("errors", res.Errors))
	return res, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, source, batchID string, index int, payload map[string]interface{}) Outcome {
	id, _ := in.keys.IngestID(source, batchID, index, payload)
	out := Outcome{Index: index, IngestID: id}

	event, err := in.buildEvent(id, source, batchID, payload)
	if err == nil {
		err = in.store.InsertEvent(ctx, event)
	}
	switch {
	case err == nil:
		out.Status = OutcomeIngested
		return out
	case errors.Is(err, ErrDuplicate):
		out.Status = OutcomeDuplicate
		return out
	}

	out.Status = OutcomeError
	out.Err = err
	rawErr := &models.RawError{
		ID:              in.newID(),
		IngestID:        id,
		Source:          source,
		BatchID:         batchID,
		ErrorType:       models.ErrorTypeIngestion,
		ErrorMessage:    err.Error(),
		OriginalPayload: quarantinePayload(payload),
		CreatedAt:       in.now(),
	}
	if qerr := in.store.InsertError(ctx, rawErr); qerr != nil {
		in.logger.Error("failed to quarantine record", zap.String("ingest_id", id), zap.Error(qerr))
	}
	return out
}

func (in *Ingestor) buildEvent(id, source, batchID string, payload map[string]interface{}) (*models.RawEvent, error) {
	if payload == nil {
		return nil, errors.New(errors.ErrorTypeData, "empty record")
	}
	if _, err := json.Marshal(payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "record is not serializable")
	}
	now := in.now()
	return &models.RawEvent{
		IngestID:         id,
		Source:           source,
		BatchID:          batchID,
		BranchID:         branchOf(payload),
		RawPayload:       models.Document(payload),
		ValidationStatus: models.StatusPending,
		IngestedAt:       now,
		UpdatedAt:        now,
	}, nil
}

// quarantinePayload keeps whatever of the payload can be serialized.
func quarantinePayload(payload map[string]interface{}) models.Document {
	doc := make(models.Document, len(payload))
	for k, v := range payload {
		if _, err := json.Marshal(v); err != nil {
			doc[k] = fmt.Sprintf("%v", v)
			continue
		}
		doc[k] = v
	}
	return doc
}

func branchOf(p map[string]interface{}) string {
	for _, k := range []string{"branch_id", "branchId", "store_id"} {
		if s, ok := keyPart(p[k]); ok {
			return s
		}
	}
	return ""
}
