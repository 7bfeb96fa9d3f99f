package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/hashicorp/go-multierror"
)

// Op selects the transformation a Rule performs.
type Op string

const (
	OpCast      Op = "cast"
	OpFormat    Op = "format"
	OpNormalize Op = "normalize"
	OpExtract   Op = "extract"
	OpReplace   Op = "replace"
	OpCalculate Op = "calculate"
	OpLookup    Op = "lookup"
	OpConcat    Op = "concat"
	OpSplit     Op = "split"
	OpHash      Op = "hash"
	OpMask      Op = "mask"
	OpCustom    Op = "custom"
)

// CastParams configures OpCast. To is string, int, float, bool, decimal or
// date; Layout parses date input and defaults to ISO 8601 variants.
type CastParams struct {
	To     string
	Layout string
}

// FormatParams configures OpFormat.
//
// Kind date re-renders a parsed time using Layout. Kind number renders with
// Decimals fixed places. Kind string expands Template, where {value} is the
// field value and {name} is any sibling field.
type FormatParams struct {
	Kind        string
	Layout      string
	InputLayout string
	Decimals    int
	Template    string
}

// NormalizeParams configures OpNormalize. Case is lower, upper, title or
// fold. Filter keeps only alnum, alpha, digits or ascii characters.
type NormalizeParams struct {
	Trim           bool
	Case           string
	CollapseSpaces bool
	Filter         string
}

// ExtractParams configures OpExtract: a regex group when Pattern is set,
// otherwise a rune substring.
type ExtractParams struct {
	Pattern string
	Group   int
	Start   int
	Length  int
	re      *regexp.Regexp
}

// ReplaceParams configures OpReplace.
type ReplaceParams struct {
	Pattern     string
	Replacement string
	Regex       bool
	re          *regexp.Regexp
}

// CalculateParams configures OpCalculate. Operation is add, subtract,
// multiply, divide, percentage or formula. Operands name sibling fields or
// hold numeric literals. Formula evaluates Expression against the record.
type CalculateParams struct {
	Operation  string
	Operands   []string
	Expression string
	Decimals   *int
	program    *vm.Program
}

// LookupParams configures OpLookup. Values missing from Table become
// Default when it is set and are left alone otherwise.
type LookupParams struct {
	Table           map[string]interface{}
	Default         interface{}
	CaseInsensitive bool
}

// ConcatParams configures OpConcat. Nil fields are skipped.
type ConcatParams struct {
	Fields    []string
	Separator string
}

// SplitParams configures OpSplit. With Targets, parts are assigned
// positionally; otherwise the target receives the list.
type SplitParams struct {
	Separator string
	Targets   []string
	Limit     int
}

// HashParams configures OpHash. Algorithm is sha256 (default), sha1 or md5.
type HashParams struct {
	Algorithm string
	Salt      string
}

// MaskParams configures OpMask.
type MaskParams struct {
	KeepFirst int
	KeepLast  int
	Char      string
}

// CustomParams configures OpCustom. Function names a registered Func.
type CustomParams struct {
	Function string
	Args     map[string]interface{}
}

// Condition gates a rule. Either Expression (an expr-lang boolean over the
// record) or Field/Operator/Value is used.
//
// Operators: eq, ne, gt, gte, lt, lte, in, exists, not_exists, contains.
type Condition struct {
	Field      string      `mapstructure:"field"`
	Operator   string      `mapstructure:"operator"`
	Value      interface{} `mapstructure:"value"`
	Expression string      `mapstructure:"expression"`
	program    *vm.Program
}

// Rule is one ordered transformation step. Op selects which params field is
// read. Target defaults to Field.
type Rule struct {
	Op     Op
	Field  string
	Target string
	When   *Condition

	Cast      *CastParams
	Format    *FormatParams
	Normalize *NormalizeParams
	Extract   *ExtractParams
	Replace   *ReplaceParams
	Calculate *CalculateParams
	Lookup    *LookupParams
	Concat    *ConcatParams
	Split     *SplitParams
	Hash      *HashParams
	Mask      *MaskParams
	Custom    *CustomParams
}

func (r *Rule) target() string {
	if r.Target != "" {
		return r.Target
	}
	return r.Field
}

func (r *Rule) String() string {
	if r.target() != r.Field && r.Field != "" {
		return fmt.Sprintf("%s(%s->%s)", r.Op, r.Field, r.target())
	}
	return fmt.Sprintf("%s(%s)", r.Op, r.target())
}

func compileExpr(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.AllowUndefinedVariables())
}

// prepare checks params and compiles patterns and expressions.
func (r *Rule) prepare() error {
	bad := func(format string, args ...interface{}) error {
		return errors.Newf(errors.ErrorTypeConfig, "%s rule: "+format, append([]interface{}{r.Op}, args...)...)
	}
	if r.When != nil {
		if r.When.Expression != "" {
			p, err := compileExpr(r.When.Expression)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "invalid condition expression")
			}
			r.When.program = p
		} else if r.When.Field == "" || !knownOperator(r.When.Operator) {
			return bad("condition needs a field and a known operator")
		}
	}

	needsField := true
	switch r.Op {
	case OpCast:
		if r.Cast == nil || r.Cast.To == "" {
			return bad("to is required")
		}
	case OpFormat:
		if r.Format == nil || r.Format.Kind == "" {
			return bad("kind is required")
		}
	case OpNormalize:
		if r.Normalize == nil {
			r.Normalize = &NormalizeParams{Trim: true}
		}
	case OpExtract:
		if r.Extract == nil {
			return bad("pattern or start/length is required")
		}
		if r.Extract.Pattern != "" {
			re, err := regexp.Compile(r.Extract.Pattern)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "invalid extract pattern")
			}
			if r.Extract.Group == 0 && re.NumSubexp() > 0 {
				r.Extract.Group = 1
			}
			if r.Extract.Group > re.NumSubexp() {
				return bad("group %d out of range", r.Extract.Group)
			}
			r.Extract.re = re
		} else if r.Extract.Length <= 0 {
			return bad("length must be positive")
		}
	case OpReplace:
		if r.Replace == nil || r.Replace.Pattern == "" {
			return bad("pattern is required")
		}
		if r.Replace.Regex {
			re, err := regexp.Compile(r.Replace.Pattern)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "invalid replace pattern")
			}
			r.Replace.re = re
		}
	case OpCalculate:
		needsField = false
		if r.Calculate == nil {
			return bad("operation is required")
		}
		switch r.Calculate.Operation {
		case "formula":
			if r.Calculate.Expression == "" {
				return bad("expression is required")
			}
			p, err := compileExpr(r.Calculate.Expression)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "invalid formula")
			}
			r.Calculate.program = p
		case "add", "subtract", "multiply", "divide", "percentage":
			if len(r.Calculate.Operands) < 2 {
				return bad("%s needs at least two operands", r.Calculate.Operation)
			}
		default:
			return bad("unknown operation %q", r.Calculate.Operation)
		}
	case OpLookup:
		if r.Lookup == nil || len(r.Lookup.Table) == 0 {
			return bad("table is required")
		}
	case OpConcat:
		needsField = false
		if r.Concat == nil || len(r.Concat.Fields) == 0 {
			return bad("fields are required")
		}
	case OpSplit:
		if r.Split == nil || r.Split.Separator == "" {
			return bad("separator is required")
		}
	case OpHash:
		if r.Hash == nil {
			r.Hash = &HashParams{}
		}
		switch strings.ToLower(r.Hash.Algorithm) {
		case "", "sha256", "sha1", "md5":
		default:
			return bad("unknown algorithm %q", r.Hash.Algorithm)
		}
	case OpMask:
		if r.Mask == nil {
			r.Mask = &MaskParams{}
		}
		if r.Mask.KeepFirst < 0 || r.Mask.KeepLast < 0 {
			return bad("keep counts must not be negative")
		}
	case OpCustom:
		needsField = false
		if r.Custom == nil || r.Custom.Function == "" {
			return bad("function is required")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown transformation op %q", r.Op)
	}
	if needsField && r.Field == "" {
		return bad("field is required")
	}
	if r.target() == "" {
		return bad("target is required")
	}
	return nil
}

func knownOperator(op string) bool {
	switch op {
	case "eq", "ne", "gt", "gte", "lt", "lte", "in", "exists", "not_exists", "contains":
		return true
	}
	return false
}

// ruleConfig is the flat shape rules take in job configuration.
type ruleConfig struct {
	Op     string     `mapstructure:"op"`
	Field  string     `mapstructure:"field"`
	Target string     `mapstructure:"target"`
	When   *Condition `mapstructure:"when"`

	To             string                 `mapstructure:"to"`
	Kind           string                 `mapstructure:"kind"`
	Layout         string                 `mapstructure:"layout"`
	InputLayout    string                 `mapstructure:"input_layout"`
	Decimals       *int                   `mapstructure:"decimals"`
	Template       string                 `mapstructure:"template"`
	Trim           bool                   `mapstructure:"trim"`
	Case           string                 `mapstructure:"case"`
	CollapseSpaces bool                   `mapstructure:"collapse_spaces"`
	Filter         string                 `mapstructure:"filter"`
	Pattern        string                 `mapstructure:"pattern"`
	Group          int                    `mapstructure:"group"`
	Start          int                    `mapstructure:"start"`
	Length         int                    `mapstructure:"length"`
	Replacement    string                 `mapstructure:"replacement"`
	Regex          bool                   `mapstructure:"regex"`
	Operation      string                 `mapstructure:"operation"`
	Operands       []string               `mapstructure:"operands"`
	Expression     string                 `mapstructure:"expression"`
	Table          map[string]interface{} `mapstructure:"table"`
	Default        interface{}            `mapstructure:"default"`
	CaseInsens     bool                   `mapstructure:"case_insensitive"`
	Fields         []string               `mapstructure:"fields"`
	Separator      string                 `mapstructure:"separator"`
	Targets        []string               `mapstructure:"targets"`
	Limit          int                    `mapstructure:"limit"`
	Algorithm      string                 `mapstructure:"algorithm"`
	Salt           string                 `mapstructure:"salt"`
	KeepFirst      int                    `mapstructure:"keep_first"`
	KeepLast       int                    `mapstructure:"keep_last"`
	Char           string                 `mapstructure:"char"`
	Function       string                 `mapstructure:"function"`
	Args           map[string]interface{} `mapstructure:"args"`
}

// RuleFromConfig builds a typed rule from a configuration map such as
// {"op": "normalize", "field": "name", "case": "title", "trim": true}.
func RuleFromConfig(raw map[string]interface{}) (Rule, error) {
	var rc ruleConfig
	if err := config.Decode(raw, &rc); err != nil {
		return Rule{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid transformation rule")
	}
	r := Rule{Op: Op(strings.ToLower(rc.Op)), Field: rc.Field, Target: rc.Target, When: rc.When}
	switch r.Op {
	case OpCast:
		r.Cast = &CastParams{To: rc.To, Layout: rc.Layout}
	case OpFormat:
		p := &FormatParams{Kind: rc.Kind, Layout: rc.Layout, InputLayout: rc.InputLayout, Template: rc.Template}
		if rc.Decimals != nil {
			p.Decimals = *rc.Decimals
		}
		r.Format = p
	case OpNormalize:
		r.Normalize = &NormalizeParams{Trim: rc.Trim, Case: rc.Case, CollapseSpaces: rc.CollapseSpaces, Filter: rc.Filter}
	case OpExtract:
		r.Extract = &ExtractParams{Pattern: rc.Pattern, Group: rc.Group, Start: rc.Start, Length: rc.Length}
	case OpReplace:
		r.Replace = &ReplaceParams{Pattern: rc.Pattern, Replacement: rc.Replacement, Regex: rc.Regex}
	case OpCalculate:
		r.Calculate = &CalculateParams{Operation: rc.Operation, Operands: rc.Operands, Expression: rc.Expression, Decimals: rc.Decimals}
	case OpLookup:
		r.Lookup = &LookupParams{Table: rc.Table, Default: rc.Default, CaseInsensitive: rc.CaseInsens}
	case OpConcat:
		r.Concat = &ConcatParams{Fields: rc.Fields, Separator: rc.Separator}
	case OpSplit:
		r.Split = &SplitParams{Separator: rc.Separator, Targets: rc.Targets, Limit: rc.Limit}
	case OpHash:
		r.Hash = &HashParams{Algorithm: rc.Algorithm, Salt: rc.Salt}
	case OpMask:
		r.Mask = &MaskParams{KeepFirst: rc.KeepFirst, KeepLast: rc.KeepLast, Char: rc.Char}
	case OpCustom:
		r.Custom = &CustomParams{Function: rc.Function, Args: rc.Args}
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
