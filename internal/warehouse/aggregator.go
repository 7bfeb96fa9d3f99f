// Package warehouse turns enriched staged events into fact and dimension
// rows. A pass finds the groups its window touches, recomputes each of them
// from every retained enriched event of that group and upserts the result,
// so repeating a pass or overlapping windows leaves the same rows.
//
// Groups of a settled period, one that starts before SettledBefore, are
// never rewritten: their events may already be purged from staging.
package warehouse

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/internal/alert"
	"github.com/ajitpratap0/opsflow/internal/staging"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// Aggregation types.
const (
	TypeDailySales        = "daily_sales"
	TypeMonthlySales      = "monthly_sales"
	TypeInventorySnapshot = "inventory_snapshot"
	TypeSalesPerHour      = "sales_per_hour"
	TypeGeneric           = "generic"
)

// Built-in source tags.
const (
	SourcePOS       = "pos"
	SourceInventory = "inventory"
	SourceTimesheet = "timesheet"
)

// AggregationRequest selects what a pass computes. Empty Types runs every
// built-in type and every generic spec. From and To bound event business
// time; zero values are open. The bounds pick the affected groups, not the
// events a group is computed from.
type AggregationRequest struct {
	Types []string
	From  time.Time
	To    time.Time
	RunID string
}

// SourceReport is the outcome for one source.
type SourceReport struct {
	Source string
	Events int
	Rows   map[string]int
	Marked int64
	// Late counts unprocessed events of a settled period. They are left
	// unmarked and do not change any row.
	Late int
	Err  string
}

// AggregationReport is the outcome of a pass.
type AggregationReport struct {
	RunID     string
	PerSource map[string]*SourceReport
	// Failed lists sources whose aggregation failed, sorted.
	Failed       []string
	RowsWritten  int
	EventsMarked int64
}

// Options configures an Aggregator.
type Options struct {
	Generic []GenericSpec
	// RetentionDays is the staging retention cleanup purges with. Zero
	// disables settling.
	RetentionDays int
	Alerter alert.Alerter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Aggregator runs warehouse passes.
type Aggregator struct {
	staging   staging.Store
	warehouse Store

	mu      sync.RWMutex
	generic []GenericSpec

	retentionDays int
	alerter       alert.Alerter
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time
}

// SettledBefore is the start of the UTC month holding now minus
// retentionDays. Cleanup purges only events ingested before it.
func SettledBefore(now time.Time, retentionDays int) time.Time {
	c := now.UTC().AddDate(0, 0, -retentionDays)
	return time.Date(c.Year(), c.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NewAggregator creates an aggregator reading from st and writing to wh.
func NewAggregator(st staging.Store, wh Store, opts Options) (*Aggregator, error) {
	a := &Aggregator{
		staging:       st,
		warehouse:     wh,
		retentionDays: opts.RetentionDays,
		alerter:       opts.Alerter,
		metrics:       opts.Metrics,
		logger:        logger.OrDefault(opts.Logger, "aggregator"),
		now:           opts.Now,
	}
	if a.alerter == nil {
		a.alerter = alert.Nop{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	for _, g := range opts.Generic {
		if err := a.AddGeneric(g); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddGeneric registers a generic rollup.
func (a *Aggregator) AddGeneric(spec GenericSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, g := range a.generic {
		if g.Name == spec.Name {
			return errors.Newf(errors.ErrorTypeConfig, "generic aggregation %s already registered", spec.Name)
		}
	}
	a.generic = append(a.generic, spec)
	return nil
}

// unit is one aggregation computed for a source.
type unit struct {
	name string
	rows func(l *loader, req AggregationRequest, now time.Time) ([]Row, error)
}

func builtin(name, source string, key func(fact) string, fn func([]fact, string, time.Time) ([]Row, error)) unit {
	return unit{name: name, rows: func(l *loader, req AggregationRequest, now time.Time) ([]Row, error) {
		facts, err := l.affected(source, key)
		if err != nil {
			return nil, err
		}
		return fn(facts, req.RunID, now)
	}}
}

// plan groups the requested units by the source whose events they mark.
func (a *Aggregator) plan(types []string) (map[string][]unit, error) {
	all := len(types) == 0
	want := map[string]bool{}
	for _, t := range types {
		want[strings.ToLower(t)] = true
	}
	units := map[string][]unit{}
	add := func(source string, u unit) { units[source] = append(units[source], u) }

	if all || want[TypeDailySales] {
		add(SourcePOS, builtin(TypeDailySales, SourcePOS, dailyKey, dailySalesRows))
	}
	if all || want[TypeMonthlySales] {
		add(SourcePOS, builtin(TypeMonthlySales, SourcePOS, monthlyKey, monthlySalesRows))
	}
	if all || want[TypeInventorySnapshot] {
		add(SourceInventory, builtin(TypeInventorySnapshot, SourceInventory, inventoryKey, inventoryRows))
	}
	if all || want[TypeSalesPerHour] {
		add(SourceTimesheet, unit{name: TypeSalesPerHour, rows: func(l *loader, req AggregationRequest, now time.Time) ([]Row, error) {
			keys := map[string]bool{}
			if err := l.keys(SourceTimesheet, timesheetKey, keys); err != nil {
				return nil, err
			}
			if err := l.keys(SourcePOS, salesStaffKey, keys); err != nil {
				return nil, err
			}
			ts, err := l.scoped(SourceTimesheet, timesheetKey, keys)
			if err != nil {
				return nil, err
			}
			sales, err := l.scoped(SourcePOS, salesStaffKey, keys)
			if err != nil {
				return nil, err
			}
			return staffProductivityRows(ts, sales, req.RunID, now)
		}})
	}

	a.mu.RLock()
	generic := append([]GenericSpec(nil), a.generic...)
	a.mu.RUnlock()
	for _, spec := range generic {
		if !all && !want[TypeGeneric] && !want[TypeGeneric+":"+spec.Name] {
			continue
		}
		spec := spec
		add(spec.Source, unit{name: TypeGeneric + ":" + spec.Name, rows: func(l *loader, req AggregationRequest, now time.Time) ([]Row, error) {
			facts, err := l.affected(spec.Source, spec.groupKey)
			if err != nil {
				return nil, err
			}
			return genericRows(spec, facts, req.RunID, now)
		}})
	}

	for t := range want {
		switch {
		case t == TypeDailySales, t == TypeMonthlySales, t == TypeInventorySnapshot, t == TypeSalesPerHour, t == TypeGeneric:
		case strings.HasPrefix(t, TypeGeneric+":"):
			if !hasUnit(units, t) {
				return nil, errors.Newf(errors.ErrorTypeConfig, "unknown generic aggregation %s", strings.TrimPrefix(t, TypeGeneric+":"))
			}
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown aggregation type %s", t)
		}
	}
	return units, nil
}

func hasUnit(units map[string][]unit, name string) bool {
	for _, us := range units {
		for _, u := range us {
			if u.name == name {
				return true
			}
		}
	}
	return false
}

// loader reads and caches enriched facts per source for one pass. Facts of
// a settled period are dropped on load.
type loader struct {
	ctx     context.Context
	store   staging.Store
	from    time.Time
	to      time.Time
	settled time.Time

	all    map[string][]fact
	window map[string][]fact
	unproc map[string][]string
	late   map[string]int
}

func (l *loader) bounded() bool { return !l.from.IsZero() || !l.to.IsZero() }

func (l *loader) inWindow(f fact) bool {
	if !l.from.IsZero() && f.At.Before(l.from) {
		return false
	}
	return l.to.IsZero() || f.At.Before(l.to)
}

func (l *loader) load(source string) error {
	if _, ok := l.all[source]; ok {
		return nil
	}
	events, err := l.store.ListEvents(l.ctx, staging.EventQuery{Source: source, Status: models.StatusEnriched})
	if err != nil {
		return err
	}
	all := []fact{}
	var window []fact
	var pending []string
	for i := range events {
		f := newFact(&events[i])
		if !l.settled.IsZero() && f.At.Before(l.settled) {
			if !events[i].Processed {
				l.late[source]++
			}
			continue
		}
		all = append(all, f)
		if !l.inWindow(f) {
			continue
		}
		window = append(window, f)
		if !events[i].Processed {
			pending = append(pending, events[i].IngestID)
		}
	}
	l.all[source] = all
	l.window[source] = window
	l.unproc[source] = pending
	return nil
}

// facts returns the facts of source inside the pass window.
func (l *loader) facts(source string) ([]fact, error) {
	if err := l.load(source); err != nil {
		return nil, err
	}
	return l.window[source], nil
}

// keys adds key(f) of every windowed fact of source to into.
func (l *loader) keys(source string, key func(fact) string, into map[string]bool) error {
	win, err := l.facts(source)
	if err != nil {
		return err
	}
	for _, f := range win {
		into[key(f)] = true
	}
	return nil
}

// scoped returns every retained fact of source whose key is in keys. An
// unbounded pass covers all of them.
func (l *loader) scoped(source string, key func(fact) string, keys map[string]bool) ([]fact, error) {
	if err := l.load(source); err != nil {
		return nil, err
	}
	if !l.bounded() {
		return l.all[source], nil
	}
	var out []fact
	for _, f := range l.all[source] {
		if keys[key(f)] {
			out = append(out, f)
		}
	}
	return out, nil
}

// affected returns the retained facts of every group of source the window
// touches.
func (l *loader) affected(source string, key func(fact) string) ([]fact, error) {
	keys := map[string]bool{}
	if err := l.keys(source, key, keys); err != nil {
		return nil, err
	}
	return l.scoped(source, key, keys)
}

// Run executes a pass. A failing source is reported, alerted and left
// unmarked; the other sources still complete. Only cancellation and an
// invalid request return an error.
func (a *Aggregator) Run(ctx context.Context, req AggregationRequest) (*AggregationReport, error) {
	units, err := a.plan(req.Types)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx, a.logger).With(zap.String("run_id", req.RunID))
	l := &loader{ctx: ctx, store: a.staging, from: req.From, to: req.To,
		all: map[string][]fact{}, window: map[string][]fact{}, unproc: map[string][]string{}, late: map[string]int{}}
	if a.retentionDays > 0 {
		l.settled = SettledBefore(a.now(), a.retentionDays)
	}

	report := &AggregationReport{RunID: req.RunID, PerSource: map[string]*SourceReport{}}
	sources := make([]string, 0, len(units))
	for s := range units {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrap(err, errors.ErrorTypeCancelled, "aggregation cancelled")
		}
		rep := &SourceReport{Source: source, Rows: map[string]int{}}
		report.PerSource[source] = rep

		if err := a.runSource(ctx, l, source, units[source], req, rep); err != nil {
			rep.Err = err.Error()
			report.Failed = append(report.Failed, source)
			log.Error("aggregation failed", zap.String("source", source), zap.Error(err))
			aerr := a.alerter.Raise(ctx, alert.Alert{
				Severity:  alert.SeverityHigh,
				Title:     "Warehouse aggregation failed",
				Message:   source + ": " + err.Error(),
				Details:   map[string]interface{}{"source": source, "run_id": req.RunID},
				Timestamp: a.now(),
			})
			if aerr != nil {
				log.Error("failed to raise alert", zap.Error(aerr))
			}
			continue
		}
		for _, n := range rep.Rows {
			report.RowsWritten += n
		}
		report.EventsMarked += rep.Marked
	}

	log.Info("aggregation pass complete",
		zap.Int("sources", len(sources)),
		zap.Strings("failed", report.Failed),
		zap.Int("rows", report.RowsWritten),
		zap.Int64("marked", report.EventsMarked))
	return report, nil
}

func (a *Aggregator) runSource(ctx context.Context, l *loader, source string, units []unit, req AggregationRequest, rep *SourceReport) error {
	now := a.now()
	own, err := l.facts(source)
	if err != nil {
		return err
	}
	rep.Events = len(own)
	if rep.Late = l.late[source]; rep.Late > 0 {
		logger.FromContext(ctx, a.logger).Warn("events for settled periods skipped",
			zap.String("source", source), zap.Int("events", rep.Late), zap.Time("settled_before", l.settled))
	}

	var rows []Row
	counts := map[string]int{}
	for _, u := range units {
		r, err := u.rows(l, req, now)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeAggregation, u.name)
		}
		counts[u.name] = len(r)
		rows = append(rows, r...)
	}
	dims := dimensionRows(own, now)
	rows = append(rows, dims...)

	if err := a.warehouse.Upsert(ctx, rows); err != nil {
		return err
	}
	for name, n := range counts {
		rep.Rows[name] = n
		a.metrics.RecordWarehouseRows(name, n)
	}
	if len(dims) > 0 {
		rep.Rows["dimensions"] = len(dims)
	}

	ids := l.unproc[source]
	if len(ids) == 0 {
		return nil
	}
	marked, err := a.staging.MarkProcessed(ctx, ids, req.RunID, now)
	if err != nil {
		return err
	}
	rep.Marked = marked
	return nil
}
