package warehouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/shopspring/decimal"
)

// Aggregate functions for generic rollups.
const (
	FuncSum           = "sum"
	FuncCount         = "count"
	FuncAvg           = "avg"
	FuncMin           = "min"
	FuncMax           = "max"
	FuncCountDistinct = "count_distinct"
)

// MetricSpec is one (field, function, alias) triple. Field may be empty
// for count.
type MetricSpec struct {
	Field string `mapstructure:"field" yaml:"field" json:"field"`
	Func  string `mapstructure:"func" yaml:"func" json:"func"`
	Alias string `mapstructure:"alias" yaml:"alias" json:"alias"`
}

func (m MetricSpec) alias() string {
	if m.Alias != "" {
		return m.Alias
	}
	if m.Field == "" {
		return m.Func
	}
	return m.Func + "_" + m.Field
}

// GenericSpec configures an arbitrary rollup over one source.
type GenericSpec struct {
	Name    string       `mapstructure:"name" yaml:"name" json:"name"`
	Source  string       `mapstructure:"source" yaml:"source" json:"source"`
	GroupBy []string     `mapstructure:"group_by" yaml:"group_by" json:"group_by"`
	Metrics []MetricSpec `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// Validate rejects incomplete rollups and unknown metric functions.
func (s GenericSpec) Validate() error {
	if s.Name == "" || s.Source == "" {
		return errors.New(errors.ErrorTypeConfig, "generic aggregation requires name and source")
	}
	if len(s.Metrics) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "generic aggregation %s has no metrics", s.Name)
	}
	seen := map[string]bool{}
	for _, m := range s.Metrics {
		switch m.Func {
		case FuncCount:
		case FuncSum, FuncAvg, FuncMin, FuncMax, FuncCountDistinct:
			if m.Field == "" {
				return errors.Newf(errors.ErrorTypeConfig, "generic aggregation %s: %s needs a field", s.Name, m.Func)
			}
		default:
			return errors.Newf(errors.ErrorTypeConfig, "generic aggregation %s: unknown function %q", s.Name, m.Func)
		}
		if seen[m.alias()] {
			return errors.Newf(errors.ErrorTypeConfig, "generic aggregation %s: duplicate alias %s", s.Name, m.alias())
		}
		seen[m.alias()] = true
	}
	return nil
}

type metricAcc struct {
	sum      decimal.Decimal
	n        int64
	min, max *decimal.Decimal
	distinct map[string]struct{}
}

func (a *metricAcc) add(m MetricSpec, f fact) error {
	if m.Func == FuncCount {
		if m.Field == "" {
			a.n++
			return nil
		}
		if v, ok := f.Doc[m.Field]; ok && v != nil {
			a.n++
		}
		return nil
	}
	v, ok := f.Doc[m.Field]
	if !ok || v == nil {
		return nil
	}
	if m.Func == FuncCountDistinct {
		if a.distinct == nil {
			a.distinct = map[string]struct{}{}
		}
		a.distinct[fmt.Sprint(v)] = struct{}{}
		return nil
	}
	d, ok := toDecimal(v)
	if !ok {
		return errors.Newf(errors.ErrorTypeAggregation, "%s: %s of non-numeric %s=%v", f.ID, m.Func, m.Field, v)
	}
	a.sum = a.sum.Add(d)
	a.n++
	if a.min == nil || d.LessThan(*a.min) {
		a.min = &d
	}
	if a.max == nil || d.GreaterThan(*a.max) {
		a.max = &d
	}
	return nil
}

func (a *metricAcc) result(fn string) interface{} {
	switch fn {
	case FuncCount:
		return a.n
	case FuncCountDistinct:
		return int64(len(a.distinct))
	case FuncSum:
		return a.sum.InexactFloat64()
	case FuncAvg:
		if a.n == 0 {
			return nil
		}
		return a.sum.Div(decimal.NewFromInt(a.n)).Round(6).InexactFloat64()
	case FuncMin:
		if a.min == nil {
			return nil
		}
		return a.min.InexactFloat64()
	case FuncMax:
		if a.max == nil {
			return nil
		}
		return a.max.InexactFloat64()
	}
	return nil
}

// group returns the group key of f and its group-by values. A missing
// date group falls back to the fact's business day.
func (s GenericSpec) group(f fact) (string, models.Document) {
	if len(s.GroupBy) == 0 {
		return "all", models.Document{}
	}
	parts := make([]string, len(s.GroupBy))
	vals := models.Document{}
	for i, g := range s.GroupBy {
		v := f.Doc[g]
		if g == "date" && v == nil {
			v = f.day()
		}
		vals[g] = v
		if v != nil {
			parts[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(parts, "|"), vals
}

func (s GenericSpec) groupKey(f fact) string {
	k, _ := s.group(f)
	return k
}

// genericRows evaluates spec over facts. The group key joins the group-by
// values with "|"; a spec without group-by produces a single "all" group.
func genericRows(spec GenericSpec, facts []fact, runID string, now time.Time) ([]Row, error) {
	type group struct {
		values  models.Document
		metrics []metricAcc
	}
	groups := map[string]*group{}
	for _, f := range facts {
		k, vals := spec.group(f)
		grp := groups[k]
		if grp == nil {
			grp = &group{values: vals, metrics: make([]metricAcc, len(spec.Metrics))}
			groups[k] = grp
		}
		for i, m := range spec.Metrics {
			if err := grp.metrics[i].add(m, f); err != nil {
				return nil, err
			}
		}
	}

	rows := make([]Row, 0, len(groups))
	for _, k := range sortedStrings(groups) {
		grp := groups[k]
		values := models.Document{}
		for i, m := range spec.Metrics {
			values[m.alias()] = grp.metrics[i].result(m.Func)
		}
		rows = append(rows, GenericAggregate{
			Name:      spec.Name,
			GroupKey:  k,
			Groups:    grp.values,
			Values:    values,
			RunID:     runID,
			UpdatedAt: now,
		})
	}
	return rows, nil
}
