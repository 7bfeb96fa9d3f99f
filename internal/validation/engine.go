package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/shopspring/decimal"
)

// CustomFunc is a registered validation callback. It returns false and an
// optional message when value fails.
type CustomFunc func(value interface{}, doc map[string]interface{}) (bool, string)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	currencyTrim = strings.NewReplacer("$", "", "€", "", "£", "", ",", "")
)

var namedLayouts = map[string][]string{
	"rfc3339":  {time.RFC3339Nano, time.RFC3339},
	"iso8601":  {time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"},
	"date":     {"2006-01-02"},
	"datetime": {"2006-01-02 15:04:05", "2006-01-02T15:04:05"},
	"time":     {"15:04:05", "15:04"},
}

// applyRule evaluates r against doc and returns a finding, or nil when the
// rule holds. Only required rules report absent values.
func applyRule(r *Rule, doc map[string]interface{}, custom map[string]CustomFunc) *models.FieldError {
	value, present := doc[r.Field]
	if r.Kind == KindRequired {
		if !present || isBlank(value) {
			return finding(r, nil, fmt.Sprintf("%s is required", r.Field))
		}
		return nil
	}
	if !present || value == nil {
		return nil
	}

	switch r.Kind {
	case KindType:
		if !hasType(value, r.Type.Type) {
			return finding(r, value, fmt.Sprintf("%s must be of type %s", r.Field, r.Type.Type))
		}
	case KindRange:
		n, ok := toFloat(value)
		if !ok {
			return finding(r, value, fmt.Sprintf("%s must be numeric", r.Field))
		}
		if r.Range.Min != nil && n < *r.Range.Min {
			return finding(r, value, fmt.Sprintf("%s must be >= %s", r.Field, formatBound(*r.Range.Min)))
		}
		if r.Range.Max != nil && n > *r.Range.Max {
			return finding(r, value, fmt.Sprintf("%s must be <= %s", r.Field, formatBound(*r.Range.Max)))
		}
	case KindLength:
		n, ok := lengthOf(value)
		if !ok {
			return finding(r, value, fmt.Sprintf("%s has no length", r.Field))
		}
		if r.Length.Min != nil && n < *r.Length.Min {
			return finding(r, value, fmt.Sprintf("%s must be at least %d long", r.Field, *r.Length.Min))
		}
		if r.Length.Max != nil && n > *r.Length.Max {
			return finding(r, value, fmt.Sprintf("%s must be at most %d long", r.Field, *r.Length.Max))
		}
	case KindPattern:
		if !r.Pattern.re.MatchString(fmt.Sprint(value)) {
			return finding(r, value, fmt.Sprintf("%s does not match %s", r.Field, r.Pattern.Pattern))
		}
	case KindEnum:
		if !inEnum(fmt.Sprint(value), r.Enum) {
			return finding(r, value, fmt.Sprintf("%s must be one of %s", r.Field, strings.Join(r.Enum.Values, ", ")))
		}
	case KindDateFormat:
		s, ok := value.(string)
		if !ok || !matchesLayout(s, r.DateFormat.Layout) {
			return finding(r, value, fmt.Sprintf("%s must be a date in format %s", r.Field, r.DateFormat.Layout))
		}
	case KindCurrency:
		if msg := checkCurrency(r.Field, value, r.Currency); msg != "" {
			return finding(r, value, msg)
		}
	case KindEmail:
		s, ok := value.(string)
		if !ok || !emailPattern.MatchString(s) {
			return finding(r, value, fmt.Sprintf("%s must be a valid email address", r.Field))
		}
	case KindPhone:
		if !validPhone(fmt.Sprint(value)) {
			return finding(r, value, fmt.Sprintf("%s must be a valid phone number", r.Field))
		}
	case KindCustom:
		fn, ok := custom[r.Custom.Function]
		if !ok {
			return finding(r, value, fmt.Sprintf("unknown custom validator %s", r.Custom.Function))
		}
		if ok, msg := fn(value, doc); !ok {
			if msg == "" {
				msg = fmt.Sprintf("%s failed %s", r.Field, r.Custom.Function)
			}
			return finding(r, value, msg)
		}
	}
	return nil
}

func finding(r *Rule, value interface{}, msg string) *models.FieldError {
	if r.Message != "" {
		msg = r.Message
	}
	rule := string(r.Kind)
	if r.Kind == KindCustom {
		rule = r.Custom.Function
	}
	return &models.FieldError{
		Field:    r.Field,
		Rule:     rule,
		Message:  msg,
		Severity: r.severity(),
		Value:    value,
	}
}

func isBlank(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func hasType(v interface{}, t FieldType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return true
		}
		return false
	case TypeInteger:
		switch x := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return x == math.Trunc(x) && !math.IsInf(x, 0)
		case json.Number:
			_, err := x.Int64()
			return err == nil
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		switch v.(type) {
		case map[string]interface{}, models.Document:
			return true
		}
		return false
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	case TypeDate:
		switch x := v.(type) {
		case time.Time:
			return true
		case string:
			return matchesLayout(x, "iso8601")
		}
		return false
	}
	return false
}

// toFloat accepts native numbers and numeric strings.
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
	case uint:
		return float64(x), true
	case uint32:
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

// toDecimal is toFloat for money arithmetic.
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
	case int32:
		return decimal.NewFromInt(int64(x)), true
	}
	f, ok := toFloat(v)
	if !ok {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func lengthOf(v interface{}) (int, bool) {
	switch x := v.(type) {
	case string:
		return utf8.RuneCountInString(x), true
	case []interface{}:
		return len(x), true
	case []string:
		return len(x), true
	}
	return 0, false
}

func inEnum(s string, p *EnumParams) bool {
	for _, v := range p.Values {
		if v == s || (p.CaseInsensitive && strings.EqualFold(v, s)) {
			return true
		}
	}
	return false
}

func matchesLayout(s, layout string) bool {
	layouts, ok := namedLayouts[strings.ToLower(layout)]
	if !ok {
		layouts = []string{layout}
	}
	for _, l := range layouts {
		if _, err := time.Parse(l, s); err == nil {
			return true
		}
	}
	return false
}

func checkCurrency(field string, v interface{}, p *CurrencyParams) string {
	raw := v
	if s, ok := v.(string); ok {
		raw = currencyTrim.Replace(strings.TrimSpace(s))
	}
	d, ok := toDecimal(raw)
	if !ok {
		return fmt.Sprintf("%s must be a monetary amount", field)
	}
	if !p.AllowNegative && d.IsNegative() {
		return fmt.Sprintf("%s must not be negative", field)
	}
	if !d.Equal(d.Round(int32(p.MaxDecimals))) {
		return fmt.Sprintf("%s must have at most %d decimal places", field, p.MaxDecimals)
	}
	return ""
}

// validPhone accepts an optional leading + followed by 7 to 15 digits once
// common separators are removed.
func validPhone(s string) bool {
	s = phoneStrip.Replace(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "+")
	if len(s) < 7 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
