package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/hashicorp/go-multierror"
)

// RuleKind selects the check a Rule performs.
type RuleKind string

const (
	KindRequired   RuleKind = "required"
	KindType       RuleKind = "type"
	KindRange      RuleKind = "range"
	KindLength     RuleKind = "length"
	KindPattern    RuleKind = "pattern"
	KindEnum       RuleKind = "enum"
	KindDateFormat RuleKind = "date_format"
	KindCurrency   RuleKind = "currency"
	KindEmail      RuleKind = "email"
	KindPhone      RuleKind = "phone"
	KindCustom     RuleKind = "custom"
)

// FieldType names the value types understood by type rules and schemas.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeDate    FieldType = "date"
	TypeAny     FieldType = "any"
)

// TypeParams configures KindType.
type TypeParams struct {
	Type FieldType
}

// RangeParams configures KindRange. Nil bounds are open.
type RangeParams struct {
	Min *float64
	Max *float64
}

// LengthParams configures KindLength, counted in runes for strings and
// elements for arrays.
type LengthParams struct {
	Min *int
	Max *int
}

// PatternParams configures KindPattern.
type PatternParams struct {
	Pattern string
	re      *regexp.Regexp
}

// EnumParams configures KindEnum.
type EnumParams struct {
	Values          []string
	CaseInsensitive bool
}

// DateFormatParams configures KindDateFormat. Layout is a Go reference
// layout or one of the names rfc3339, iso8601, date, datetime, time.
type DateFormatParams struct {
	Layout string
}

// CurrencyParams configures KindCurrency.
type CurrencyParams struct {
	MaxDecimals   int
	AllowNegative bool
}

// CustomParams configures KindCustom. Function names a CustomFunc
// registered on the Validator.
type CustomParams struct {
	Function string
}

// Rule is one declarative field check. Kind selects which params field is
// read; the others are ignored.
type Rule struct {
	Kind     RuleKind
	Field    string
	Severity models.Severity
	Message  string

	Type       *TypeParams
	Range      *RangeParams
	Length     *LengthParams
	Pattern    *PatternParams
	Enum       *EnumParams
	DateFormat *DateFormatParams
	Currency   *CurrencyParams
	Custom     *CustomParams
}

// Float returns a pointer to f, for range bounds.
func Float(f float64) *float64 { return &f }

// Int returns a pointer to n, for length bounds.
func Int(n int) *int { return &n }

func (r *Rule) severity() models.Severity {
	if r.Severity == "" {
		return models.SeverityError
	}
	return r.Severity
}

// prepare checks that the params for Kind are present and compiles
// patterns.
func (r *Rule) prepare() error {
	if r.Field == "" {
		return errors.Newf(errors.ErrorTypeConfig, "%s rule requires a field", r.Kind)
	}
	if r.Severity != "" && r.Severity != models.SeverityError && r.Severity != models.SeverityWarning {
		return errors.Newf(errors.ErrorTypeConfig, "rule %s on %s: unknown severity %q", r.Kind, r.Field, r.Severity)
	}
	missing := func(what string) error {
		return errors.Newf(errors.ErrorTypeConfig, "rule %s on %s: %s is required", r.Kind, r.Field, what)
	}
	switch r.Kind {
	case KindRequired, KindEmail, KindPhone:
	case KindType:
		if r.Type == nil || r.Type.Type == "" {
			return missing("type")
		}
	case KindRange:
		if r.Range == nil || (r.Range.Min == nil && r.Range.Max == nil) {
			return missing("min or max")
		}
	case KindLength:
		if r.Length == nil || (r.Length.Min == nil && r.Length.Max == nil) {
			return missing("min_length or max_length")
		}
	case KindPattern:
		if r.Pattern == nil || r.Pattern.Pattern == "" {
			return missing("pattern")
		}
		re, err := regexp.Compile(r.Pattern.Pattern)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("rule pattern on %s", r.Field))
		}
		r.Pattern.re = re
	case KindEnum:
		if r.Enum == nil || len(r.Enum.Values) == 0 {
			return missing("values")
		}
	case KindDateFormat:
		if r.DateFormat == nil || r.DateFormat.Layout == "" {
			return missing("format")
		}
	case KindCurrency:
		if r.Currency == nil {
			r.Currency = &CurrencyParams{MaxDecimals: 2}
		}
	case KindCustom:
		if r.Custom == nil || r.Custom.Function == "" {
			return missing("function")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown rule kind %q", r.Kind)
	}
	return nil
}

// ruleConfig is the flat shape rules take in job configuration.
type ruleConfig struct {
	Type            string   `mapstructure:"type"`
	Field           string   `mapstructure:"field"`
	Severity        string   `mapstructure:"severity"`
	Message         string   `mapstructure:"message"`
	ValueType       string   `mapstructure:"value_type"`
	Min             *float64 `mapstructure:"min"`
	Max             *float64 `mapstructure:"max"`
	MinLength       *int     `mapstructure:"min_length"`
	MaxLength       *int     `mapstructure:"max_length"`
	Pattern         string   `mapstructure:"pattern"`
	Values          []string `mapstructure:"values"`
	CaseInsensitive bool     `mapstructure:"case_insensitive"`
	Format          string   `mapstructure:"format"`
	MaxDecimals     *int     `mapstructure:"max_decimals"`
	AllowNegative   bool     `mapstructure:"allow_negative"`
	Function        string   `mapstructure:"function"`
}

// RuleFromConfig builds a typed rule from a configuration map such as
// {"type": "range", "field": "quantity", "min": 1}.
func RuleFromConfig(raw map[string]interface{}) (Rule, error) {
	var rc ruleConfig
	if err := config.Decode(raw, &rc); err != nil {
		return Rule{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid rule")
	}
	r := Rule{
		Kind:     RuleKind(strings.ToLower(rc.Type)),
		Field:    rc.Field,
		Severity: models.Severity(strings.ToLower(rc.Severity)),
		Message:  rc.Message,
	}
	switch r.Kind {
	case KindType:
		r.Type = &TypeParams{Type: FieldType(strings.ToLower(rc.ValueType))}
	case KindRange:
		r.Range = &RangeParams{Min: rc.Min, Max: rc.Max}
	case KindLength:
		r.Length = &LengthParams{Min: rc.MinLength, Max: rc.MaxLength}
	case KindPattern:
		r.Pattern = &PatternParams{Pattern: rc.Pattern}
	case KindEnum:
		r.Enum = &EnumParams{Values: rc.Values, CaseInsensitive: rc.CaseInsensitive}
	case KindDateFormat:
		r.DateFormat = &DateFormatParams{Layout: rc.Format}
	case KindCurrency:
		p := &CurrencyParams{MaxDecimals: 2, AllowNegative: rc.AllowNegative}
		if rc.MaxDecimals != nil {
			p.MaxDecimals = *rc.MaxDecimals
		}
		r.Currency = p
	case KindCustom:
		r.Custom = &CustomParams{Function: rc.Function}
	}
	if err := r.prepare(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// RulesFromConfig builds every rule in raw, reporting all invalid entries.
func RulesFromConfig(raw []map[string]interface{}) ([]Rule, error) {
	var (
		rules  []Rule
		result *multierror.Error
	)
	for i, item := range raw {
		r, err := RuleFromConfig(item)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		rules = append(rules, r)
	}
	return rules, result.ErrorOrNil()
}
