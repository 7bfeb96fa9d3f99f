// Package transform applies ordered field transformation rules, source
// specific handlers and canonical standardization to staged records, and
// stamps each result with a content hash.
package transform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxRetries is how many failed enrichment attempts a record gets
// before EnrichValid stops picking it up.
const DefaultMaxRetries = 3

// ErrorField carries the failure message on a record TransformBatch could
// not transform.
const ErrorField = "_transform_error"

// Outcome is the result of transforming one record. Data is the transformed
// record, or a copy of the input with ErrorField set when Err is set.
type Outcome struct {
	Index int
	Data  map[string]interface{}
	Err   error
}

// PassResult reports one EnrichValid pass.
type PassResult struct {
	Scanned  int
	Enriched int
	Failed   int
	Skipped  int
	Samples  []string
}

// Options configures a Transformer.
type Options struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	NewID      func() string
	MaxRetries int
}

// Transformer holds per-source rules and handlers.
type Transformer struct {
	mu       sync.RWMutex
	rules    map[string][]Rule
	handlers map[string]SourceHandler
	custom   map[string]Func
	aliases  map[string]string

	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	newID      func() string
	maxRetries int
}

// New returns a transformer with the default handlers and aliases.
func New(opts Options) *Transformer {
	t := &Transformer{
		rules:      make(map[string][]Rule),
		handlers:   DefaultHandlers(),
		custom:     make(map[string]Func),
		aliases:    DefaultAliases(),
		logger:     logger.OrDefault(opts.Logger, "transformer"),
		metrics:    opts.Metrics,
		now:        opts.Now,
		newID:      opts.NewID,
		maxRetries: opts.MaxRetries,
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.maxRetries <= 0 {
		t.maxRetries = DefaultMaxRetries
	}
	return t
}

// RegisterFunc installs a custom function for OpCustom rules. This is where
// field level collaborators such as encryption or tokenization plug in.
func (t *Transformer) RegisterFunc(name string, fn Func) {
	t.mu.Lock()
	t.custom[name] = fn
	t.mu.Unlock()
}

// SetHandler replaces the handler for source. A nil handler removes it.
func (t *Transformer) SetHandler(source string, h SourceHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		delete(t.handlers, source)
		return
	}
	t.handlers[source] = h
}

// SetAlias maps field from to canonical name to during standardization.
func (t *Transformer) SetAlias(from, to string) {
	t.mu.Lock()
	t.aliases[from] = to
	t.mu.Unlock()
}

// AddRules appends rules for source. Rules run in the order added.
func (t *Transformer) AddRules(source string, rules ...Rule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prepared := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.prepare(); err != nil {
			return err
		}
		if r.Op == OpCustom {
			if _, ok := t.custom[r.Custom.Function]; !ok {
				return errors.Newf(errors.ErrorTypeConfig, "custom function %s is not registered", r.Custom.Function)
			}
		}
		prepared = append(prepared, r)
	}
	t.rules[source] = append(t.rules[source], prepared...)
	return nil
}

// Transform returns a transformed copy of doc. The input is not modified.
func (t *Transformer) Transform(source string, doc map[string]interface{}) (map[string]interface{}, error) {
	t.mu.RLock()
	rules := t.rules[source]
	handler := t.handlers[source]
	custom := t.custom
	aliases := t.aliases
	t.mu.RUnlock()

	out := make(map[string]interface{}, len(doc)+4)
	for k, v := range doc {
		out[k] = v
	}
	for i := range rules {
		if err := apply(&rules[i], out, custom); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransformation,
				fmt.Sprintf("rule %d %s failed", i, rules[i].String()))
		}
	}
	if handler != nil {
		if err := handler(out); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransformation, source+" handler failed")
		}
	}
	t.mu.RLock()
	standardize(out, aliases, t.now())
	t.mu.RUnlock()

	h, err := ContentHash(out)
	if err != nil {
		return nil, err
	}
	out[ContentHashField] = h
	return out, nil
}

// TransformBatch transforms docs independently, returning one outcome per
// input in order.
func (t *Transformer) TransformBatch(source string, docs []map[string]interface{}) []Outcome {
	out := make([]Outcome, len(docs))
	var ok, failed int
	for i, doc := range docs {
		data, err := t.Transform(source, doc)
		if err != nil {
			data = make(map[string]interface{}, len(doc)+1)
			for k, v := range doc {
				data[k] = v
			}
			data[ErrorField] = err.Error()
		}
		out[i] = Outcome{Index: i, Data: data, Err: err}
		if err != nil {
			failed++
			continue
		}
		ok++
	}
	t.metrics.RecordTransform(source, ok, failed)
	return out
}

// EnrichValid transforms up to limit valid events of source (all sources
// when empty) and moves them to enriched. A record that fails stays valid
// with its retry count and last error updated. It is quarantined as a
// processing error once; later failures rewrite that open error.
func (t *Transformer) EnrichValid(ctx context.Context, store staging.Store, source string, limit int) (*PassResult, error) {
	log := logger.FromContext(ctx, t.logger)
	events, err := store.ListEvents(ctx, staging.EventQuery{Source: source, Status: models.StatusValid, Limit: limit})
	if err != nil {
		return nil, err
	}

	res := &PassResult{}
	perSource := make(map[string][2]int)
	for i := range events {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, errors.ErrorTypeCancelled, "enrichment cancelled")
		}
		e := &events[i]
		if e.RetryCount >= t.maxRetries {
			res.Skipped++
			continue
		}
		res.Scanned++
		counts := perSource[e.Source]

		data, terr := t.Transform(e.Source, e.RawPayload)
		e.UpdatedAt = t.now()
		if terr == nil {
			e.EnrichedData = models.Document(data)
			e.ValidationStatus = models.StatusEnriched
			e.LastError = ""
		} else {
			e.RetryCount++
			e.LastError = terr.Error()
		}
		if err := store.UpdateEvent(ctx, e); err != nil {
			res.Failed++
			counts[1]++
			perSource[e.Source] = counts
			res.sample(e.IngestID + ": " + err.Error())
			log.Warn("failed to store enrichment", zap.String("ingest_id", e.IngestID), zap.Error(err))
			continue
		}
		if terr == nil {
			res.Enriched++
			counts[0]++
			perSource[e.Source] = counts
			continue
		}

		res.Failed++
		counts[1]++
		perSource[e.Source] = counts
		res.sample(e.IngestID + ": " + terr.Error())
		log.Warn("record failed transformation", zap.String("ingest_id", e.IngestID), zap.Error(terr))
		if qerr := t.quarantine(ctx, store, e, terr); qerr != nil {
			log.Error("failed to quarantine record", zap.String("ingest_id", e.IngestID), zap.Error(qerr))
		}
	}

	for src, c := range perSource {
		t.metrics.RecordTransform(src, c[0], c[1])
	}
	log.Info("enrichment pass complete",
		zap.String("source", source),
		zap.Int("scanned", res.Scanned),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (t *Transformer) quarantine(ctx context.Context, store staging.Store, e *models.RawEvent, cause error) error {
	open, err := store.ListErrors(ctx, staging.ErrorQuery{
		IngestID:  e.IngestID,
		ErrorType: models.ErrorTypeProcessing,
		Resolved:  staging.Bool(false),
		Limit:     1,
	})
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return store.UpdateError(ctx, open[0].ID, cause.Error())
	}
	return store.InsertError(ctx, &models.RawError{
		ID:              t.newID(),
		IngestID:        e.IngestID,
		Source:          e.Source,
		BatchID:         e.BatchID,
		ErrorType:       models.ErrorTypeProcessing,
		ErrorMessage:    cause.Error(),
		OriginalPayload: e.RawPayload.Clone(),
		CreatedAt:       t.now(),
	})
}

func (p *PassResult) sample(s string) {
	if len(p.Samples) < 5 {
		p.Samples = append(p.Samples, s)
	}
}
