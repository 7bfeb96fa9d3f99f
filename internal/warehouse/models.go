package warehouse

import (
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/shopspring/decimal"
)

// Row is a warehouse record with a natural composite key. Upserts conflict
// on KeyColumns and replace ValueColumns.
type Row interface {
	TableName() string
	KeyColumns() []string
	ValueColumns() []string
	NaturalKey() string
}

func key(parts ...string) string { return strings.Join(parts, "|") }

// DailySales is revenue per branch per day.
type DailySales struct {
	Date            string          `gorm:"column:date;primaryKey;size:10"`
	BranchID        string          `gorm:"column:branch_id;primaryKey;size:64"`
	Revenue         decimal.Decimal `gorm:"column:revenue;type:decimal(18,2)"`
	Transactions    int64           `gorm:"column:transactions"`
	UniqueCustomers int64           `gorm:"column:unique_customers"`
	ItemsSold       decimal.Decimal `gorm:"column:items_sold;type:decimal(18,3)"`
	RunID           string          `gorm:"column:etl_run_id;size:64"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (DailySales) TableName() string      { return "fact_daily_sales" }
func (DailySales) KeyColumns() []string   { return []string{"date", "branch_id"} }
func (r DailySales) NaturalKey() string   { return key(r.Date, r.BranchID) }
func (DailySales) ValueColumns() []string { return salesColumns }

var salesColumns = []string{"revenue", "transactions", "unique_customers", "items_sold", "etl_run_id", "updated_at"}

// MonthlySales is revenue per branch per calendar month (YYYY-MM).
type MonthlySales struct {
	Month           string          `gorm:"column:month;primaryKey;size:7"`
	BranchID        string          `gorm:"column:branch_id;primaryKey;size:64"`
	Revenue         decimal.Decimal `gorm:"column:revenue;type:decimal(18,2)"`
	Transactions    int64           `gorm:"column:transactions"`
	UniqueCustomers int64           `gorm:"column:unique_customers"`
	ItemsSold       decimal.Decimal `gorm:"column:items_sold;type:decimal(18,3)"`
	RunID           string          `gorm:"column:etl_run_id;size:64"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (MonthlySales) TableName() string      { return "fact_monthly_sales" }
func (MonthlySales) KeyColumns() []string   { return []string{"month", "branch_id"} }
func (r MonthlySales) NaturalKey() string   { return key(r.Month, r.BranchID) }
func (MonthlySales) ValueColumns() []string { return salesColumns }

// InventorySnapshot is the last reported stock level of a SKU at a branch
// on a day.
type InventorySnapshot struct {
	Date       string          `gorm:"column:date;primaryKey;size:10"`
	BranchID   string          `gorm:"column:branch_id;primaryKey;size:64"`
	SKU        string          `gorm:"column:sku;primaryKey;size:128"`
	StockLevel decimal.Decimal `gorm:"column:stock_level;type:decimal(18,3)"`
	AsOf       string          `gorm:"column:as_of;size:40"`
	RunID      string          `gorm:"column:etl_run_id;size:64"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

func (InventorySnapshot) TableName() string    { return "fact_inventory_snapshot" }
func (InventorySnapshot) KeyColumns() []string { return []string{"date", "branch_id", "sku"} }
func (r InventorySnapshot) NaturalKey() string { return key(r.Date, r.BranchID, r.SKU) }
func (InventorySnapshot) ValueColumns() []string {
	return []string{"stock_level", "as_of", "etl_run_id", "updated_at"}
}

// StaffProductivity joins timesheets with sales per staff member per day.
type StaffProductivity struct {
	Date         string          `gorm:"column:date;primaryKey;size:10"`
	StaffID      string          `gorm:"column:staff_id;primaryKey;size:64"`
	BranchID     string          `gorm:"column:branch_id;primaryKey;size:64"`
	HoursWorked  decimal.Decimal `gorm:"column:hours_worked;type:decimal(10,2)"`
	SalesAmount  decimal.Decimal `gorm:"column:sales_amount;type:decimal(18,2)"`
	Transactions int64           `gorm:"column:transactions"`
	SalesPerHour decimal.Decimal `gorm:"column:sales_per_hour;type:decimal(18,2)"`
	RunID        string          `gorm:"column:etl_run_id;size:64"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (StaffProductivity) TableName() string { return "fact_staff_productivity" }
func (StaffProductivity) KeyColumns() []string {
	return []string{"date", "staff_id", "branch_id"}
}
func (r StaffProductivity) NaturalKey() string { return key(r.Date, r.StaffID, r.BranchID) }
func (StaffProductivity) ValueColumns() []string {
	return []string{"hours_worked", "sales_amount", "transactions", "sales_per_hour", "etl_run_id", "updated_at"}
}

// GenericAggregate holds one group of a configured rollup.
type GenericAggregate struct {
	Name      string          `gorm:"column:name;primaryKey;size:100"`
	GroupKey  string          `gorm:"column:group_key;primaryKey;size:255"`
	Groups    models.Document `gorm:"column:group_values;type:text"`
	Values    models.Document `gorm:"column:agg_values;type:text"`
	RunID     string          `gorm:"column:etl_run_id;size:64"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (GenericAggregate) TableName() string    { return "fact_generic_aggregate" }
func (GenericAggregate) KeyColumns() []string { return []string{"name", "group_key"} }
func (r GenericAggregate) NaturalKey() string { return key(r.Name, r.GroupKey) }
func (GenericAggregate) ValueColumns() []string {
	return []string{"group_values", "agg_values", "etl_run_id", "updated_at"}
}

// DimBranch is the branch dimension.
type DimBranch struct {
	BranchID  string    `gorm:"column:branch_id;primaryKey;size:64"`
	Name      string    `gorm:"column:name;size:255"`
	LastSeen  string    `gorm:"column:last_seen;size:10"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (DimBranch) TableName() string      { return "dim_branch" }
func (DimBranch) KeyColumns() []string   { return []string{"branch_id"} }
func (r DimBranch) NaturalKey() string   { return r.BranchID }
func (DimBranch) ValueColumns() []string { return []string{"name", "last_seen", "updated_at"} }

// DimStaff is the staff dimension.
type DimStaff struct {
	StaffID   string    `gorm:"column:staff_id;primaryKey;size:64"`
	BranchID  string    `gorm:"column:branch_id;size:64"`
	Name      string    `gorm:"column:name;size:255"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (DimStaff) TableName() string      { return "dim_staff" }
func (DimStaff) KeyColumns() []string   { return []string{"staff_id"} }
func (r DimStaff) NaturalKey() string   { return r.StaffID }
func (DimStaff) ValueColumns() []string { return []string{"branch_id", "name", "updated_at"} }

// DimProduct is the product dimension.
type DimProduct struct {
	SKU       string    `gorm:"column:sku;primaryKey;size:128"`
	Name      string    `gorm:"column:name;size:255"`
	Category  string    `gorm:"column:category;size:128"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (DimProduct) TableName() string      { return "dim_product" }
func (DimProduct) KeyColumns() []string   { return []string{"sku"} }
func (r DimProduct) NaturalKey() string   { return r.SKU }
func (DimProduct) ValueColumns() []string { return []string{"name", "category", "updated_at"} }

// AllModels lists every warehouse model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&DailySales{}, &MonthlySales{}, &InventorySnapshot{}, &StaffProductivity{},
		&GenericAggregate{}, &DimBranch{}, &DimStaff{}, &DimProduct{},
	}
}
