package transform

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/expr-lang/expr"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Func is a registered custom transformation, such as a PII tokenizer. It
// receives the field value (nil for record level functions), the rule
// arguments and the record, and returns the new target value.
type Func func(value interface{}, args map[string]interface{}, doc map[string]interface{}) (interface{}, error)

var (
	placeholder  = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)
	inputLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "01/02/2006", "15:04:05", "15:04"}
	titleCaser   = cases.Title(language.Und)
	foldCaser    = cases.Fold()
)

// apply runs one rule against doc in place. A rule whose source field is
// absent is skipped.
func apply(r *Rule, doc map[string]interface{}, custom map[string]Func) error {
	if r.When != nil {
		ok, err := r.When.eval(doc)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	value, present := doc[r.Field]
	switch r.Op {
	case OpCalculate, OpConcat:
	default:
		if (r.Op != OpCustom || r.Field != "") && (!present || value == nil) {
			return nil
		}
	}

	var (
		out interface{}
		err error
	)
	switch r.Op {
	case OpCast:
		out, err = castValue(value, r.Cast)
	case OpFormat:
		out, err = formatValue(value, r.Format, doc)
	case OpNormalize:
		out = normalize(fmt.Sprint(value), r.Normalize)
	case OpExtract:
		var ok bool
		out, ok = extract(fmt.Sprint(value), r.Extract)
		if !ok {
			return nil
		}
	case OpReplace:
		s := fmt.Sprint(value)
		if r.Replace.re != nil {
			out = r.Replace.re.ReplaceAllString(s, r.Replace.Replacement)
		} else {
			out = strings.ReplaceAll(s, r.Replace.Pattern, r.Replace.Replacement)
		}
	case OpCalculate:
		out, err = calculate(r.Calculate, doc)
	case OpLookup:
		var ok bool
		out, ok = lookup(value, r.Lookup)
		if !ok {
			return nil
		}
	case OpConcat:
		out = concat(doc, r.Concat)
	case OpSplit:
		parts := split(fmt.Sprint(value), r.Split)
		if len(r.Split.Targets) > 0 {
			for i, t := range r.Split.Targets {
				if i < len(parts) {
					doc[t] = parts[i]
				}
			}
			return nil
		}
		out = parts
	case OpHash:
		out = hashValue(fmt.Sprint(value), r.Hash)
	case OpMask:
		out = mask(fmt.Sprint(value), r.Mask)
	case OpCustom:
		fn, ok := custom[r.Custom.Function]
		if !ok {
			return errors.Newf(errors.ErrorTypeTransformation, "custom function %s is not registered", r.Custom.Function)
		}
		out, err = fn(value, r.Custom.Args, doc)
	}
	if err != nil {
		return err
	}
	doc[r.target()] = out
	return nil
}

func (c *Condition) eval(doc map[string]interface{}) (bool, error) {
	if c.program != nil {
		res, err := expr.Run(c.program, doc)
		if err != nil {
			return false, errors.Wrap(err, errors.ErrorTypeTransformation, "condition failed")
		}
		b, ok := res.(bool)
		if !ok {
			return false, errors.Newf(errors.ErrorTypeTransformation, "condition %q is not boolean", c.Expression)
		}
		return b, nil
	}

	v, present := doc[c.Field]
	switch c.Operator {
	case "exists":
		return present && v != nil, nil
	case "not_exists":
		return !present || v == nil, nil
	case "eq":
		return equal(v, c.Value), nil
	case "ne":
		return !equal(v, c.Value), nil
	case "gt", "gte", "lt", "lte":
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Operator {
		case "gt":
			return cmp > 0, nil
		case "gte":
			return cmp >= 0, nil
		case "lt":
			return cmp < 0, nil
		}
		return cmp <= 0, nil
	case "in":
		list, ok := c.Value.([]interface{})
		if !ok {
			return false, nil
		}
		for _, item := range list {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		switch x := v.(type) {
		case []interface{}:
			for _, item := range x {
				if equal(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		case nil:
			return false, nil
		}
		return strings.Contains(fmt.Sprint(v), fmt.Sprint(c.Value)), nil
	}
	return false, nil
}

func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, false
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case decimal.Decimal:
		return x, true
	}
	f, ok := toFloat(v)
	if !ok || math.IsInf(f, 0) || math.IsNaN(f) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func parseTime(v interface{}, layout string) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if layout != "" {
			t, err := time.Parse(layout, s)
			return t, err == nil
		}
		for _, l := range inputLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func castValue(v interface{}, p *CastParams) (interface{}, error) {
	fail := func() error {
		return errors.Newf(errors.ErrorTypeTransformation, "cannot cast %v to %s", v, p.To)
	}
	switch p.To {
	case "string":
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return fmt.Sprint(v), nil
	case "int", "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fail()
		}
		return int64(f), nil
	case "float", "number":
		f, ok := toFloat(v)
		if !ok {
			return nil, fail()
		}
		return f, nil
	case "bool", "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(x)))
			if err != nil {
				switch strings.ToLower(strings.TrimSpace(x)) {
				case "yes", "y":
					return true, nil
				case "no", "n":
					return false, nil
				}
				return nil, fail()
			}
			return b, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, fail()
		}
		return f != 0, nil
	case "decimal":
		d, ok := toDecimal(v)
		if !ok {
			return nil, fail()
		}
		return d.String(), nil
	case "date", "datetime":
		t, ok := parseTime(v, p.Layout)
		if !ok {
			return nil, fail()
		}
		return t.UTC().Format(time.RFC3339), nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown cast target %s", p.To)
}

func formatValue(v interface{}, p *FormatParams, doc map[string]interface{}) (interface{}, error) {
	switch p.Kind {
	case "date":
		t, ok := parseTime(v, p.InputLayout)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeTransformation, "cannot parse %v as a date", v)
		}
		layout := p.Layout
		if layout == "" {
			layout = "2006-01-02"
		}
		return t.Format(layout), nil
	case "number":
		d, ok := toDecimal(v)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeTransformation, "cannot format %v as a number", v)
		}
		return d.StringFixed(int32(p.Decimals)), nil
	case "string":
		return placeholder.ReplaceAllStringFunc(p.Template, func(m string) string {
			name := m[1 : len(m)-1]
			if name == "value" {
				return fmt.Sprint(v)
			}
			if x, ok := doc[name]; ok && x != nil {
				return fmt.Sprint(x)
			}
			return ""
		}), nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unknown format kind %s", p.Kind)
}

func normalize(s string, p *NormalizeParams) string {
	if p.Trim {
		s = strings.TrimSpace(s)
	}
	if p.CollapseSpaces {
		s = strings.Join(strings.Fields(s), " ")
	}
	switch p.Filter {
	case "alnum":
		s = keep(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' })
	case "alpha":
		s = keep(s, func(r rune) bool { return unicode.IsLetter(r) || r == ' ' })
	case "digits":
		s = keep(s, unicode.IsDigit)
	case "ascii":
		s = keep(s, func(r rune) bool { return r < unicode.MaxASCII && unicode.IsPrint(r) })
	}
	switch p.Case {
	case "lower":
		s = strings.ToLower(s)
	case "upper":
		s = strings.ToUpper(s)
	case "title":
		s = titleCaser.String(strings.ToLower(s))
	case "fold":
		s = foldCaser.String(s)
	}
	return s
}

func keep(s string, fn func(rune) bool) string {
	return strings.Map(func(r rune) rune {
		if fn(r) {
			return r
		}
		return -1
	}, s)
}

func extract(s string, p *ExtractParams) (string, bool) {
	if p.re != nil {
		m := p.re.FindStringSubmatch(s)
		if m == nil {
			return "", false
		}
		return m[p.Group], true
	}
	runes := []rune(s)
	if p.Start < 0 || p.Start >= len(runes) {
		return "", false
	}
	end := p.Start + p.Length
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[p.Start:end]), true
}

func operand(doc map[string]interface{}, name string) (decimal.Decimal, error) {
	if v, ok := doc[name]; ok {
		d, ok := toDecimal(v)
		if !ok {
			return decimal.Zero, errors.Newf(errors.ErrorTypeTransformation, "field %s is not numeric", name)
		}
		return d, nil
	}
	d, err := decimal.NewFromString(name)
	if err != nil {
		return decimal.Zero, errors.Newf(errors.ErrorTypeTransformation, "operand %s is missing", name)
	}
	return d, nil
}

func calculate(p *CalculateParams, doc map[string]interface{}) (interface{}, error) {
	var result decimal.Decimal
	if p.Operation == "formula" {
		out, err := expr.Run(p.program, doc)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTransformation, "formula failed")
		}
		if f, ok := out.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
			return nil, errors.Newf(errors.ErrorTypeTransformation, "formula %q produced %v", p.Expression, f)
		}
		d, ok := toDecimal(out)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeTransformation, "formula %q is not numeric", p.Expression)
		}
		result = d
	} else {
		vals := make([]decimal.Decimal, len(p.Operands))
		for i, name := range p.Operands {
			d, err := operand(doc, name)
			if err != nil {
				return nil, err
			}
			vals[i] = d
		}
		result = vals[0]
		for _, d := range vals[1:] {
			switch p.Operation {
			case "add":
				result = result.Add(d)
			case "subtract":
				result = result.Sub(d)
			case "multiply":
				result = result.Mul(d)
			case "divide", "percentage":
				if d.IsZero() {
					return nil, errors.New(errors.ErrorTypeTransformation, "division by zero")
				}
				result = result.Div(d)
			}
		}
		if p.Operation == "percentage" {
			result = result.Mul(decimal.NewFromInt(100))
		}
	}
	if p.Decimals != nil {
		result = result.Round(int32(*p.Decimals))
	}
	return result.InexactFloat64(), nil
}

func lookup(v interface{}, p *LookupParams) (interface{}, bool) {
	key := fmt.Sprint(v)
	if out, ok := p.Table[key]; ok {
		return out, true
	}
	if p.CaseInsensitive {
		for k, out := range p.Table {
			if strings.EqualFold(k, key) {
				return out, true
			}
		}
	}
	if p.Default != nil {
		return p.Default, true
	}
	return nil, false
}

func concat(doc map[string]interface{}, p *ConcatParams) string {
	parts := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		if v, ok := doc[f]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, p.Separator)
}

func split(s string, p *SplitParams) []interface{} {
	n := -1
	if p.Limit > 0 {
		n = p.Limit
	}
	raw := strings.SplitN(s, p.Separator, n)
	out := make([]interface{}, len(raw))
	for i, part := range raw {
		out[i] = strings.TrimSpace(part)
	}
	return out
}

func hashValue(s string, p *HashParams) string {
	var h hash.Hash
	switch strings.ToLower(p.Algorithm) {
	case "md5":
		h = md5.New()
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(p.Salt + s))
	return hex.EncodeToString(h.Sum(nil))
}

func mask(s string, p *MaskParams) string {
	ch := p.Char
	if ch == "" {
		ch = "*"
	}
	runes := []rune(s)
	if p.KeepFirst+p.KeepLast >= len(runes) {
		return strings.Repeat(ch, len(runes))
	}
	var b strings.Builder
	b.WriteString(string(runes[:p.KeepFirst]))
	b.WriteString(strings.Repeat(ch, len(runes)-p.KeepFirst-p.KeepLast))
	b.WriteString(string(runes[len(runes)-p.KeepLast:]))
	return b.String()
}
