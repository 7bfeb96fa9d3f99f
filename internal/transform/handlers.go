package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
)

// ContentHashField holds the record content hash.
const ContentHashField = "_content_hash"

// SourceHandler applies source specific derivations after the rules.
type SourceHandler func(doc map[string]interface{}) error

// DefaultHandlers returns handlers for the built-in operational sources.
func DefaultHandlers() map[string]SourceHandler {
	return map[string]SourceHandler{
		"pos":       HandlePOS,
		"inventory": HandleInventory,
		"timesheet": HandleTimesheet,
	}
}

// DefaultAliases maps heterogeneous field names to canonical ones.
func DefaultAliases() map[string]string {
	return map[string]string{
		"storeId":    "branch_id",
		"store_id":   "branch_id",
		"branchId":   "branch_id",
		"ts":         "event_timestamp",
		"timestamp":  "event_timestamp",
		"event_time": "event_timestamp",
	}
}

// rename moves from to to unless to is already set.
func rename(doc map[string]interface{}, from, to string) {
	v, ok := doc[from]
	if !ok {
		return
	}
	if _, exists := doc[to]; !exists {
		doc[to] = v
	}
	delete(doc, from)
}

// HandlePOS canonicalizes sale lines and derives line_total rounded to
// cents. line_total is a two-place decimal string, not a float64 like the
// calculate rule results, so currency survives staging storage exactly; the
// warehouse parses it back with decimal.
func HandlePOS(doc map[string]interface{}) error {
	rename(doc, "qty", "quantity")
	rename(doc, "unit_price", "price")

	q, hasQ := doc["quantity"]
	p, hasP := doc["price"]
	if !hasQ || !hasP {
		return nil
	}
	qty, ok := toDecimal(q)
	if !ok {
		return errors.Newf(errors.ErrorTypeTransformation, "quantity %v is not numeric", q)
	}
	price, ok := toDecimal(p)
	if !ok {
		return errors.Newf(errors.ErrorTypeTransformation, "price %v is not numeric", p)
	}
	doc["line_total"] = qty.Mul(price).StringFixed(2)
	return nil
}

// HandleInventory canonicalizes stock counts.
func HandleInventory(doc map[string]interface{}) error {
	rename(doc, "qty_on_hand", "stock_level")
	return nil
}

// HandleTimesheet derives hours_worked from clock_in and clock_out when the
// source did not report it.
func HandleTimesheet(doc map[string]interface{}) error {
	if _, ok := doc["hours_worked"]; ok {
		return nil
	}
	in, inOK := parseTime(doc["clock_in"], "")
	out, outOK := parseTime(doc["clock_out"], "")
	if !inOK || !outOK {
		return nil
	}
	if !out.After(in) {
		return errors.New(errors.ErrorTypeTransformation, "clock_out is not after clock_in")
	}
	hours, _ := toDecimal(out.Sub(in).Hours())
	doc["hours_worked"] = hours.Round(2).InexactFloat64()
	return nil
}

// standardize applies canonical aliases, in sorted alias order, and ensures
// processed_at.
func standardize(doc map[string]interface{}, aliases map[string]string, now time.Time) {
	names := make([]string, 0, len(aliases))
	for from := range aliases {
		names = append(names, from)
	}
	sort.Strings(names)
	for _, from := range names {
		rename(doc, from, aliases[from])
	}
	if v, ok := doc["processed_at"]; !ok || v == nil || v == "" {
		doc["processed_at"] = now.UTC().Format(time.RFC3339)
	}
}

// ContentHash returns the sha256 of doc's sorted-key JSON, ignoring
// metadata: keys starting with an underscore, processed_at and
// content_hash. The result does not depend on field order.
func ContentHash(doc map[string]interface{}) (string, error) {
	content := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") || k == "processed_at" || k == "content_hash" {
			continue
		}
		content[k] = v
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeTransformation, "failed to encode record for hashing")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
