package warehouse

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/shopspring/decimal"
)

// UnknownBranch groups facts that carry no branch id.
const UnknownBranch = "unknown"

// fact is an enriched event prepared for aggregation.
type fact struct {
	ID  string
	Doc models.Document
	At  time.Time
}

var timeFields = []string{"event_timestamp", "timestamp", "date", "clock_in"}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func newFact(e *models.RawEvent) fact {
	doc := e.Merged()
	at := e.IngestedAt
	for _, f := range timeFields {
		if t, ok := parseTime(doc[f]); ok {
			at = t
			break
		}
	}
	return fact{ID: e.IngestID, Doc: doc, At: at.UTC()}
}

func parseTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, l := range timeLayouts {
			if t, err := time.Parse(l, strings.TrimSpace(x)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (f fact) day() string   { return f.At.Format("2006-01-02") }
func (f fact) month() string { return f.At.Format("2006-01") }

func (f fact) str(names ...string) string {
	for _, n := range names {
		if v, ok := f.Doc[n]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func (f fact) branch() string {
	if b := f.str("branch_id", "branchId", "store_id"); b != "" {
		return b
	}
	return UnknownBranch
}

// num reads the first present field among names. A present value that is
// not numeric is an error.
func (f fact) num(names ...string) (decimal.Decimal, bool, error) {
	for _, n := range names {
		v, ok := f.Doc[n]
		if !ok || v == nil {
			continue
		}
		d, ok := toDecimal(v)
		if !ok {
			return decimal.Zero, false, errors.Newf(errors.ErrorTypeAggregation, "%s: field %s=%v is not numeric", f.ID, n, v)
		}
		return d, true, nil
	}
	return decimal.Zero, false, nil
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case float32:
		if math.IsInf(float64(x), 0) || math.IsNaN(float64(x)) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int32:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case decimal.Decimal:
		return x, true
	}
	return decimal.Zero, false
}

// saleAmount is line_total, else total, else quantity x price.
func (f fact) saleAmount() (decimal.Decimal, error) {
	amt, ok, err := f.num("line_total", "total", "total_amount", "amount")
	if err != nil || ok {
		return amt, err
	}
	q, qok, err := f.num("quantity", "qty")
	if err != nil {
		return decimal.Zero, err
	}
	p, pok, err := f.num("price", "unit_price")
	if err != nil {
		return decimal.Zero, err
	}
	if qok && pok {
		return q.Mul(p), nil
	}
	return decimal.Zero, nil
}

// Group keys of the built-in rollups.
func dailyKey(f fact) string   { return f.day() + "|" + f.branch() }
func monthlyKey(f fact) string { return f.month() + "|" + f.branch() }

func inventoryKey(f fact) string {
	return f.day() + "|" + f.branch() + "|" + f.str("sku", "product_id")
}

func timesheetKey(f fact) string { return f.day() + "|" + f.str("staff_id", "employee_id") }

func salesStaffKey(f fact) string {
	return f.day() + "|" + f.str("staff_id", "cashier_id", "employee_id")
}

func (f fact) transactionID() string {
	if id := f.str("order_id", "transaction_id", "receipt_number"); id != "" {
		return id
	}
	return f.ID
}

type salesAcc struct {
	revenue   decimal.Decimal
	items     decimal.Decimal
	txns      map[string]struct{}
	customers map[string]struct{}
}

func (a *salesAcc) add(f fact) error {
	amt, err := f.saleAmount()
	if err != nil {
		return err
	}
	q, _, err := f.num("quantity", "qty")
	if err != nil {
		return err
	}
	a.revenue = a.revenue.Add(amt)
	a.items = a.items.Add(q)
	a.txns[f.transactionID()] = struct{}{}
	if c := f.str("customer_id", "customerId"); c != "" {
		a.customers[c] = struct{}{}
	}
	return nil
}

// salesRollup groups sales facts by period and branch.
func salesRollup(facts []fact, period func(fact) string) (map[[2]string]*salesAcc, error) {
	out := make(map[[2]string]*salesAcc)
	for _, f := range facts {
		k := [2]string{period(f), f.branch()}
		acc := out[k]
		if acc == nil {
			acc = &salesAcc{txns: map[string]struct{}{}, customers: map[string]struct{}{}}
			out[k] = acc
		}
		if err := acc.add(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[[2]string]V) [][2]string {
	keys := make([][2]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	return keys
}

// dailySalesRows recomputes daily revenue per branch from pos facts.
func dailySalesRows(facts []fact, runID string, now time.Time) ([]Row, error) {
	groups, err := salesRollup(facts, fact.day)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		g := groups[k]
		rows = append(rows, DailySales{
			Date:            k[0],
			BranchID:        k[1],
			Revenue:         g.revenue.Round(2),
			Transactions:    int64(len(g.txns)),
			UniqueCustomers: int64(len(g.customers)),
			ItemsSold:       g.items,
			RunID:           runID,
			UpdatedAt:       now,
		})
	}
	return rows, nil
}

func monthlySalesRows(facts []fact, runID string, now time.Time) ([]Row, error) {
	groups, err := salesRollup(facts, fact.month)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		g := groups[k]
		rows = append(rows, MonthlySales{
			Month:           k[0],
			BranchID:        k[1],
			Revenue:         g.revenue.Round(2),
			Transactions:    int64(len(g.txns)),
			UniqueCustomers: int64(len(g.customers)),
			ItemsSold:       g.items,
			RunID:           runID,
			UpdatedAt:       now,
		})
	}
	return rows, nil
}

// inventoryRows keeps the latest stock report per day, branch and SKU.
func inventoryRows(facts []fact, runID string, now time.Time) ([]Row, error) {
	type snap struct {
		row InventorySnapshot
		at  time.Time
	}
	latest := make(map[string]*snap)
	for _, f := range facts {
		sku := f.str("sku", "product_id")
		if sku == "" {
			return nil, errors.Newf(errors.ErrorTypeAggregation, "%s: inventory record has no sku", f.ID)
		}
		level, ok, err := f.num("stock_level", "qty_on_hand", "quantity")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeAggregation, "%s: inventory record has no stock level", f.ID)
		}
		r := InventorySnapshot{Date: f.day(), BranchID: f.branch(), SKU: sku, StockLevel: level,
			AsOf: f.At.Format(time.RFC3339), RunID: runID, UpdatedAt: now}
		k := r.NaturalKey()
		if cur, ok := latest[k]; !ok || !f.At.Before(cur.at) {
			latest[k] = &snap{row: r, at: f.At}
		}
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, latest[k].row)
	}
	return rows, nil
}

// staffProductivityRows joins timesheet hours with pos sales on date and
// staff id. Sales without a staff id are ignored.
func staffProductivityRows(timesheets, sales []fact, runID string, now time.Time) ([]Row, error) {
	type acc struct {
		branch string
		hours  decimal.Decimal
		sales  decimal.Decimal
		txns   map[string]struct{}
	}
	groups := make(map[[2]string]*acc)
	get := func(day, staff, branch string) *acc {
		k := [2]string{day, staff}
		a := groups[k]
		if a == nil {
			a = &acc{txns: map[string]struct{}{}}
			groups[k] = a
		}
		if a.branch == "" || a.branch == UnknownBranch {
			a.branch = branch
		}
		return a
	}

	for _, f := range timesheets {
		staff := f.str("staff_id", "employee_id")
		if staff == "" {
			return nil, errors.Newf(errors.ErrorTypeAggregation, "%s: timesheet record has no staff_id", f.ID)
		}
		h, _, err := f.num("hours_worked", "hours")
		if err != nil {
			return nil, err
		}
		a := get(f.day(), staff, f.branch())
		a.hours = a.hours.Add(h)
	}
	for _, f := range sales {
		staff := f.str("staff_id", "cashier_id", "employee_id")
		if staff == "" {
			continue
		}
		amt, err := f.saleAmount()
		if err != nil {
			return nil, err
		}
		a := get(f.day(), staff, f.branch())
		a.sales = a.sales.Add(amt)
		a.txns[f.transactionID()] = struct{}{}
	}

	rows := make([]Row, 0, len(groups))
	for _, k := range sortedKeys(groups) {
		a := groups[k]
		perHour := decimal.Zero
		if a.hours.IsPositive() {
			perHour = a.sales.Div(a.hours).Round(2)
		}
		rows = append(rows, StaffProductivity{
			Date:         k[0],
			StaffID:      k[1],
			BranchID:     a.branch,
			HoursWorked:  a.hours.Round(2),
			SalesAmount:  a.sales.Round(2),
			Transactions: int64(len(a.txns)),
			SalesPerHour: perHour,
			RunID:        runID,
			UpdatedAt:    now,
		})
	}
	return rows, nil
}

// dimensionRows derives branch, staff and product dimension rows.
func dimensionRows(facts []fact, now time.Time) []Row {
	branches := map[string]DimBranch{}
	staff := map[string]DimStaff{}
	products := map[string]DimProduct{}
	for _, f := range facts {
		if b := f.branch(); b != UnknownBranch {
			cur := branches[b]
			cur.BranchID = b
			if n := f.str("branch_name", "store_name"); n != "" {
				cur.Name = n
			}
			if d := f.day(); d > cur.LastSeen {
				cur.LastSeen = d
			}
			cur.UpdatedAt = now
			branches[b] = cur
		}
		if s := f.str("staff_id", "employee_id"); s != "" {
			cur := staff[s]
			cur.StaffID = s
			if b := f.branch(); b != UnknownBranch {
				cur.BranchID = b
			}
			if n := f.str("staff_name", "employee_name"); n != "" {
				cur.Name = n
			}
			cur.UpdatedAt = now
			staff[s] = cur
		}
		if sku := f.str("sku"); sku != "" {
			cur := products[sku]
			cur.SKU = sku
			if n := f.str("product_name", "item_name"); n != "" {
				cur.Name = n
			}
			if c := f.str("category"); c != "" {
				cur.Category = c
			}
			cur.UpdatedAt = now
			products[sku] = cur
		}
	}

	var rows []Row
	for _, k := range sortedStrings(branches) {
		rows = append(rows, branches[k])
	}
	for _, k := range sortedStrings(staff) {
		rows = append(rows, staff[k])
	}
	for _, k := range sortedStrings(products) {
		rows = append(rows, products[k])
	}
	return rows
}

func sortedStrings[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
