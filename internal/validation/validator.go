// Package validation checks staged records against declarative field rules,
// registered document schemas and source specific business checks.
package validation

import (
	"context"
	"sort"
	"strings"
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

// topN is how many frequent findings batch statistics keep.
const topN = 5

// Result is the outcome of validating one document.
type Result struct {
	Valid    bool
	Errors   models.FieldErrors
	Warnings models.FieldErrors
}

// Findings returns errors followed by warnings.
func (r Result) Findings() models.FieldErrors {
	out := make(models.FieldErrors, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// KeyCount is a finding key with its frequency.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats aggregates a batch of results.
type Stats struct {
	Total        int        `json:"total"`
	Valid        int        `json:"valid"`
	Invalid      int        `json:"invalid"`
	WithWarnings int        `json:"with_warnings"`
	ErrorRate    float64    `json:"error_rate"`
	WarningRate  float64    `json:"warning_rate"`
	TopErrors    []KeyCount `json:"top_errors"`
	TopWarnings  []KeyCount `json:"top_warnings"`
}

// BatchResult holds per-record results in input order plus statistics.
type BatchResult struct {
	Results []Result
	Stats   Stats
}

// PassResult reports one ProcessPending pass.
type PassResult struct {
	Scanned int
	Valid   int
	Invalid int
	// Failed counts records whose new status could not be stored; they stay
	// pending for the next pass.
	Failed  int
	Stats   Stats
	Samples []string
}

// Options configures a Validator.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	NewID   func() string
}

// Validator holds the active rules, schemas and business checks. Validate
// is a pure function of its inputs and the registered configuration.
type Validator struct {
	mu      sync.RWMutex
	rules   map[string][]Rule
	checks  map[string]BusinessCheck
	custom  map[string]CustomFunc
	schemas *SchemaRegistry

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// New returns a validator with the default business checks installed.
func New(opts Options) *Validator {
	v := &Validator{
		rules:   make(map[string][]Rule),
		checks:  DefaultBusinessChecks(),
		custom:  make(map[string]CustomFunc),
		schemas: NewSchemaRegistry(),
		logger:  logger.OrDefault(opts.Logger, "validator"),
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.newID == nil {
		v.newID = uuid.NewString
	}
	return v
}

// Schemas returns the schema registry consulted by Validate.
func (v *Validator) Schemas() *SchemaRegistry { return v.schemas }

// RegisterCustom installs a callback usable by custom rules.
func (v *Validator) RegisterCustom(name string, fn CustomFunc) {
	v.mu.Lock()
	v.custom[name] = fn
	v.mu.Unlock()
}

// SetBusinessCheck replaces the business check for source. A nil check
// removes it.
func (v *Validator) SetBusinessCheck(source string, check BusinessCheck) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if check == nil {
		delete(v.checks, source)
		return
	}
	v.checks[source] = check
}

// AddRules appends rules for source. Custom rules must name a registered
// function.
func (v *Validator) AddRules(source string, rules ...Rule) error {
	prepared := make([]Rule, 0, len(rules))
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range rules {
		if err := r.prepare(); err != nil {
			return err
		}
		if r.Kind == KindCustom {
			if _, ok := v.custom[r.Custom.Function]; !ok {
				return errors.Newf(errors.ErrorTypeConfig, "rule on %s: custom validator %s is not registered", r.Field, r.Custom.Function)
			}
		}
		prepared = append(prepared, r)
	}
	v.rules[source] = append(v.rules[source], prepared...)
	return nil
}

// Validate applies field rules, then the source schema, then business
// checks.
func (v *Validator) Validate(source string, doc map[string]interface{}) Result {
	v.mu.RLock()
	rules := v.rules[source]
	check := v.checks[source]
	custom := v.custom
	v.mu.RUnlock()

	var findings []models.FieldError
	for i := range rules {
		if f := applyRule(&rules[i], doc, custom); f != nil {
			findings = append(findings, *f)
		}
	}
	if schema, ok := v.schemas.Get(source); ok {
		findings = append(findings, schema.Check(doc)...)
	}
	if check != nil {
		findings = append(findings, check(doc)...)
	}

	var res Result
	for _, f := range findings {
		if f.Severity == models.SeverityWarning {
			res.Warnings = append(res.Warnings, f)
			continue
		}
		res.Errors = append(res.Errors, f)
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// ValidateBatch validates docs in order and aggregates statistics.
func (v *Validator) ValidateBatch(source string, docs []map[string]interface{}) BatchResult {
	var acc statsAccumulator
	out := BatchResult{Results: make([]Result, len(docs))}
	for i, doc := range docs {
		r := v.Validate(source, doc)
		out.Results[i] = r
		acc.add(r)
	}
	out.Stats = acc.stats()
	return out
}

// ProcessPending validates up to limit pending events of source (all
// sources when empty). Valid events move to valid; invalid events move to
// invalid and are quarantined as validation errors. A record that cannot be
// updated stays pending and does not stop the pass.
func (v *Validator) ProcessPending(ctx context.Context, store staging.Store, source string, limit int) (*PassResult, error) {
	log := logger.FromContext(ctx, v.logger)
	events, err := store.ListEvents(ctx, staging.EventQuery{Source: source, Status: models.StatusPending, Limit: limit})
	if err != nil {
		return nil, err
	}

	var acc statsAccumulator
	res := &PassResult{}
	perSource := make(map[string][2]int)
	for i := range events {
		if err := ctx.Err(); err != nil {
			res.Stats = acc.stats()
			return res, errors.Wrap(err, errors.ErrorTypeCancelled, "validation cancelled")
		}
		e := &events[i]
		res.Scanned++
		r := v.Validate(e.Source, e.RawPayload)
		acc.add(r)

		e.ValidationErrors = r.Findings()
		e.UpdatedAt = v.now()
		if r.Valid {
			e.ValidationStatus = models.StatusValid
		} else {
			e.ValidationStatus = models.StatusInvalid
		}
		if err := store.UpdateEvent(ctx, e); err != nil {
			res.Failed++
			res.sample(e.IngestID + ": " + err.Error())
			log.Warn("failed to store validation result", zap.String("ingest_id", e.IngestID), zap.Error(err))
			continue
		}

		counts := perSource[e.Source]
		if r.Valid {
			res.Valid++
			counts[0]++
		} else {
			res.Invalid++
			counts[1]++
			res.sample(e.IngestID + ": " + joinMessages(r.Errors))
			if err := v.quarantine(ctx, store, e, r); err != nil {
				log.Error("failed to quarantine invalid record", zap.String("ingest_id", e.IngestID), zap.Error(err))
			}
		}
		perSource[e.Source] = counts
	}

	for src, c := range perSource {
		v.metrics.RecordValidation(src, c[0], c[1])
	}
	res.Stats = acc.stats()
	log.Info("validation pass complete",
		zap.String("source", source),
		zap.Int("scanned", res.Scanned),
		zap.Int("valid", res.Valid),
		zap.Int("invalid", res.Invalid),
		zap.Int("failed", res.Failed))
	return res, nil
}

func (v *Validator) quarantine(ctx context.Context, store staging.Store, e *models.RawEvent, r Result) error {
	return store.InsertError(ctx, &models.RawError{
		ID:              v.newID(),
		IngestID:        e.IngestID,
		Source:          e.Source,
		BatchID:         e.BatchID,
		ErrorType:       models.ErrorTypeValidation,
		ErrorMessage:    joinMessages(r.Errors),
		Errors:          r.Findings(),
		OriginalPayload: e.RawPayload.Clone(),
		CreatedAt:       v.now(),
	})
}

func (p *PassResult) sample(s string) {
	if len(p.Samples) < topN {
		p.Samples = append(p.Samples, s)
	}
}

func joinMessages(errs models.FieldErrors) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

type statsAccumulator struct {
	total, valid, invalid, warned int
	errKeys, warnKeys               map[string]int
}

func (a *statsAccumulator) add(r Result) {
	if a.errKeys == nil {
		a.errKeys = make(map[string]int)
		a.warnKeys = make(map[string]int)
	}
	a.total++
	if r.Valid {
		a.valid++
	} else {
		a.invalid++
	}
	if len(r.Warnings) > 0 {
		a.warned++
	}
	for _, e := range r.Errors {
		a.errKeys[e.Key()]++
	}
	for _, w := range r.Warnings {
		a.warnKeys[w.Key()]++
	}
}

func (a *statsAccumulator) stats() Stats {
	s := Stats{
		Total:        a.total,
		Valid:        a.valid,
		Invalid:      a.invalid,
		WithWarnings: a.warned,
		TopErrors:    top(a.errKeys, topN),
		TopWarnings:  top(a.warnKeys, topN),
	}
	if a.total > 0 {
		s.ErrorRate = float64(a.invalid) / float64(a.total)
		s.WarningRate = float64(a.warned) / float64(a.total)
	}
	return s
}

// top returns the n most frequent keys, ties broken by key.
func top(counts map[string]int, n int) []KeyCount {
	out := make([]KeyCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, KeyCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
