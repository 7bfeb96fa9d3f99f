package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/shopspring/decimal"
)

// BusinessCheck applies source specific consistency checks to a document.
type BusinessCheck func(doc map[string]interface{}) []models.FieldError

var (
	totalTolerance = decimal.RequireFromString("0.01")
	maxQuantity    = decimal.NewFromInt(1000)
	maxStock       = decimal.NewFromInt(100000)
	maxShiftHours  = decimal.NewFromInt(24)
	longShiftHours = decimal.NewFromInt(12)
)

// DefaultBusinessChecks returns the checks for the built-in operational
// sources.
func DefaultBusinessChecks() map[string]BusinessCheck {
	return map[string]BusinessCheck{
		"pos":       CheckPOS,
		"inventory": CheckInventory,
		"timesheet": CheckTimesheet,
	}
}

// lookup returns the first present, non-nil field among names.
func lookup(doc map[string]interface{}, names ...string) (string, interface{}, bool) {
	for _, n := range names {
		if v, ok := doc[n]; ok && v != nil {
			return n, v, true
		}
	}
	return "", nil, false
}

func businessError(field, rule, msg string, v interface{}) models.FieldError {
	return models.FieldError{Field: field, Rule: rule, Message: msg, Severity: models.SeverityError, Value: v}
}

func businessWarning(field, rule, msg string, v interface{}) models.FieldError {
	return models.FieldError{Field: field, Rule: rule, Message: msg, Severity: models.SeverityWarning, Value: v}
}

// CheckPOS verifies sale lines: quantity at least one, and total equal to
// quantity times price within a cent.
func CheckPOS(doc map[string]interface{}) []models.FieldError {
	var out []models.FieldError

	qField, qRaw, hasQty := lookup(doc, "quantity", "qty")
	qty, qOK := toDecimal(qRaw)
	if hasQty {
		switch {
		case !qOK:
			out = append(out, businessError(qField, "quantity_numeric", "quantity must be numeric", qRaw))
		case qty.LessThan(decimal.NewFromInt(1)):
			out = append(out, businessError(qField, "quantity_min", "quantity must be >= 1", qRaw))
		case qty.GreaterThan(maxQuantity):
			out = append(out, businessWarning(qField, "quantity_high", "quantity above 1000 is unusual", qRaw))
		}
	}

	_, pRaw, hasPrice := lookup(doc, "price", "unit_price")
	price, pOK := toDecimal(pRaw)
	tField, tRaw, hasTotal := lookup(doc, "total", "total_amount", "amount")
	total, tOK := toDecimal(tRaw)
	if hasQty && hasPrice && hasTotal && qOK && pOK && tOK {
		expected := qty.Mul(price)
		if total.Sub(expected).Abs().GreaterThan(totalTolerance) {
			out = append(out, businessError(tField, "total_mismatch",
				fmt.Sprintf("total %s does not equal quantity x price %s", total.StringFixed(2), expected.StringFixed(2)), tRaw))
		}
	}
	if hasPrice && pOK && price.IsNegative() {
		out = append(out, businessError("price", "price_negative", "price must not be negative", pRaw))
	}
	return out
}

// CheckInventory rejects negative stock and flags implausibly large counts.
func CheckInventory(doc map[string]interface{}) []models.FieldError {
	field, raw, ok := lookup(doc, "stock_level", "qty_on_hand", "quantity")
	if !ok {
		return nil
	}
	stock, numeric := toDecimal(raw)
	switch {
	case !numeric:
		return []models.FieldError{businessError(field, "stock_numeric", "stock level must be numeric", raw)}
	case stock.IsNegative():
		return []models.FieldError{businessError(field, "stock_negative", "stock cannot be negative", raw)}
	case stock.GreaterThan(maxStock):
		return []models.FieldError{businessWarning(field, "stock_high", "stock level above 100000 is unusual", raw)}
	}
	return nil
}

// CheckTimesheet bounds worked hours and orders clock in before clock out.
func CheckTimesheet(doc map[string]interface{}) []models.FieldError {
	var out []models.FieldError
	if field, raw, ok := lookup(doc, "hours_worked", "hours"); ok {
		hours, numeric := toDecimal(raw)
		switch {
		case !numeric:
			out = append(out, businessError(field, "hours_numeric", "hours must be numeric", raw))
		case hours.IsNegative() || hours.GreaterThan(maxShiftHours):
			out = append(out, businessError(field, "hours_range", "hours must be between 0 and 24", raw))
		case hours.GreaterThan(longShiftHours):
			out = append(out, businessWarning(field, "hours_long", "shift longer than 12 hours", raw))
		}
	}

	clockIn, inOK := parseClock(doc["clock_in"])
	clockOut, outOK := parseClock(doc["clock_out"])
	if inOK && outOK && !clockOut.After(clockIn) {
		out = append(out, businessError("clock_out", "clock_order", "clock_out must be after clock_in", doc["clock_out"]))
	}
	return out
}

var clockLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "15:04:05", "15:04"}

func parseClock(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, l := range clockLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
