// Package database implements a relational source connector over
// database/sql, using pgx for postgres and go-sql-driver for mysql.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/base"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	_ "github.com/go-sql-driver/mysql" // mysql driver
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"go.uber.org/zap"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

const defaultPageSize = 500

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Connector extracts rows with either a parameterized query or a table plus
// equality filters and an optional incremental column.
type Connector struct {
	*base.BaseConnector

	settings config.DatabaseSettings
	db       *sql.DB
	ownsDB   bool
}

// New opens a connection pool for the configured driver. The pool is
// opened lazily by database/sql; ValidateConfig and HealthCheck report
// problems.
func New(cfg config.ConnectorConfig, deps core.Dependencies) (core.Connector, error) {
	s, err := decodeSettings(cfg)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if s.DSN != "" {
		driverName := map[string]string{DriverPostgres: "pgx", DriverMySQL: "mysql"}[s.Driver]
		if driverName == "" {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported database driver %q", s.Driver)
		}
		db, err = sql.Open(driverName, s.DSN)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open database")
		}
	}
	c, err := newConnector(cfg, s, deps, db)
	if err != nil {
		return nil, err
	}
	c.ownsDB = db != nil
	return c, nil
}

// NewWithDB builds a connector over an existing pool. The caller keeps
// ownership of db.
func NewWithDB(cfg config.ConnectorConfig, deps core.Dependencies, db *sql.DB) (*Connector, error) {
	s, err := decodeSettings(cfg)
	if err != nil {
		return nil, err
	}
	return newConnector(cfg, s, deps, db)
}

func decodeSettings(cfg config.ConnectorConfig) (config.DatabaseSettings, error) {
	var s config.DatabaseSettings
	if err := config.Decode(cfg.Params, &s); err != nil {
		return s, errors.Wrap(err, errors.ErrorTypeConfig, "invalid database settings")
	}
	if s.Driver == "" {
		s.Driver = DriverPostgres
	}
	if s.Driver == "postgresql" || s.Driver == "pgx" {
		s.Driver = DriverPostgres
	}
	if s.IncrementalType == "" {
		s.IncrementalType = string(models.CheckpointTimestamp)
	}
	if s.PageSize <= 0 {
		s.PageSize = defaultPageSize
	}
	return s, nil
}

func newConnector(cfg config.ConnectorConfig, s config.DatabaseSettings, deps core.Dependencies, db *sql.DB) (*Connector, error) {
	bc, err := base.NewBaseConnector(cfg, core.TypeDatabase, deps)
	if err != nil {
		return nil, err
	}
	return &Connector{BaseConnector: bc, settings: s, db: db}, nil
}

// CheckpointType follows the incremental column type; without one the
// connector only reports batch positions.
func (c *Connector) CheckpointType() models.CheckpointType {
	if c.settings.IncrementalColumn == "" || c.settings.Query != "" {
		return models.CheckpointBatch
	}
	return models.CheckpointType(c.settings.IncrementalType)
}

// ValidateConfig checks driver, DSN, and the query or table definition.
func (c *Connector) ValidateConfig() core.ValidationResult {
	res := core.ValidationResult{Valid: true}
	s := c.settings
	if s.Driver != DriverPostgres && s.Driver != DriverMySQL {
		res.Invalid(fmt.Sprintf("unsupported driver %q", s.Driver))
	}
	if s.DSN == "" && c.db == nil {
		res.Invalid("dsn is required")
	}
	switch {
	case s.Query == "" && s.Table == "":
		res.Invalid("either query or table is required")
	case s.Query != "" && s.Table != "":
		res.Invalid("query and table are mutually exclusive")
	}
	for _, name := range c.identifiers() {
		if !identifier.MatchString(name) {
			res.Invalid(fmt.Sprintf("invalid identifier %q", name))
		}
	}
	switch models.CheckpointType(s.IncrementalType) {
	case models.CheckpointTimestamp, models.CheckpointSequence:
	default:
		res.Invalid(fmt.Sprintf("incremental_type must be timestamp or sequence, got %q", s.IncrementalType))
	}
	return res
}

func (c *Connector) identifiers() []string {
	s := c.settings
	if s.Table == "" {
		return nil
	}
	names := []string{s.Table}
	names = append(names, s.Columns...)
	for k := range s.Filters {
		names = append(names, k)
	}
	if s.IncrementalColumn != "" {
		names = append(names, s.IncrementalColumn)
	}
	if s.OrderBy != "" {
		names = append(names, s.OrderBy)
	}
	return names
}

// Extract returns every row matching params.
func (c *Connector) Extract(ctx context.Context, params core.QueryParams) ([]core.Record, error) {
	return base.CollectPages(ctx, params, c.ExtractPages)
}

// ExtractPages streams the result set in pages of page_size rows. With an
// incremental column each page checkpoints at the highest value seen.
func (c *Connector) ExtractPages(ctx context.Context, params core.QueryParams, fn core.PageFunc) error {
	if c.db == nil {
		return errors.New(errors.ErrorTypeConfig, "database connection is not configured")
	}
	query, args, err := c.buildQuery(params)
	if err != nil {
		return err
	}
	c.Logger().Debug("running extraction query", zap.String("query", query), zap.Int("args", len(args)))

	var rows *sql.Rows
	err = c.Execute(ctx, "query", func(ctx context.Context) error {
		var qerr error
		rows, qerr = c.db.QueryContext(ctx, query, args...)
		if qerr != nil {
			return errors.Wrap(qerr, errors.ErrorTypeQuery, "query failed")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to read columns")
	}

	highWater := params.Checkpoint
	pageNo := 0
	rowNo := 0
	batch := make([]core.Record, 0, c.settings.PageSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		page := core.Page{Number: pageNo, Records: batch}
		if c.CheckpointType() != models.CheckpointBatch {
			page.Checkpoint = highWater
		}
		pageNo++
		batch = make([]core.Record, 0, c.settings.PageSize)
		return fn(ctx, page)
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "extraction cancelled")
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to scan row").WithDetail("row", rowNo)
		}
		data := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			data[col] = normalize(values[i])
		}
		if inc := c.settings.IncrementalColumn; inc != "" {
			if v, ok := checkpointValue(data[inc]); ok {
				highWater = c.later(highWater, v)
			}
		}
		batch = append(batch, c.Stamp(data, "row:"+strconv.Itoa(rowNo)))
		rowNo++
		if len(batch) >= c.settings.PageSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
	}
	return flush()
}

// later returns whichever checkpoint value orders after the other.
func (c *Connector) later(a, b string) string {
	if a == "" {
		return b
	}
	if c.settings.IncrementalType == string(models.CheckpointSequence) {
		x, errA := strconv.ParseInt(a, 10, 64)
		y, errB := strconv.ParseInt(b, 10, 64)
		if errA == nil && errB == nil {
			if y > x {
				return b
			}
			return a
		}
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		if tb.After(ta) {
			return b
		}
		return a
	}
	if b > a {
		return b
	}
	return a
}

func (c *Connector) placeholder(n int) string {
	if c.settings.Driver == DriverMySQL {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

// buildQuery renders the extraction statement and its bind arguments.
func (c *Connector) buildQuery(params core.QueryParams) (string, []interface{}, error) {
	s := c.settings
	if s.Query != "" {
		return s.Query, append([]interface{}(nil), s.Args...), nil
	}
	if res := c.ValidateConfig(); !res.Valid {
		return "", nil, errors.New(errors.ErrorTypeConfig, strings.Join(res.Errors, "; "))
	}

	cols := "*"
	if len(s.Columns) > 0 {
		cols = strings.Join(s.Columns, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, s.Table)

	filters := make(map[string]interface{}, len(s.Filters)+len(params.Filters))
	for k, v := range s.Filters {
		filters[k] = v
	}
	for k, v := range params.Filters {
		if !identifier.MatchString(k) {
			return "", nil, errors.Newf(errors.ErrorTypeValidation, "invalid filter column %q", k)
		}
		filters[k] = v
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var where []string
	var args []interface{}
	for _, k := range keys {
		args = append(args, filters[k])
		where = append(where, fmt.Sprintf("%s = %s", k, c.placeholder(len(args))))
	}

	if inc := s.IncrementalColumn; inc != "" {
		if bound, ok, err := c.lowerBound(params); err != nil {
			return "", nil, err
		} else if ok {
			args = append(args, bound)
			where = append(where, fmt.Sprintf("%s > %s", inc, c.placeholder(len(args))))
		}
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	order := s.OrderBy
	if s.IncrementalColumn != "" {
		order = s.IncrementalColumn
	}
	if order != "" {
		b.WriteString(" ORDER BY " + order)
	}
	limit := s.Limit
	if params.Limit > 0 && (limit == 0 || params.Limit < limit) {
		limit = params.Limit
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), args, nil
}

// lowerBound converts the committed checkpoint (or Since) into a bind value.
func (c *Connector) lowerBound(params core.QueryParams) (interface{}, bool, error) {
	if c.settings.IncrementalType == string(models.CheckpointSequence) {
		if params.Checkpoint == "" {
			return nil, false, nil
		}
		n, err := strconv.ParseInt(params.Checkpoint, 10, 64)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.ErrorTypeValidation, "sequence checkpoint is not an integer")
		}
		return n, true, nil
	}
	if params.Checkpoint != "" {
		t, err := time.Parse(time.RFC3339Nano, params.Checkpoint)
		if err != nil {
			return nil, false, errors.Wrap(err, errors.ErrorTypeValidation, "timestamp checkpoint is not RFC3339")
		}
		return t, true, nil
	}
	if params.Since != nil {
		return *params.Since, true, nil
	}
	return nil, false, nil
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

func checkpointValue(v interface{}) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC().Format(time.RFC3339Nano), true
		}
		return x, x != ""
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.Itoa(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return fmt.Sprint(x), true
	}
}

// HealthCheck pings the database.
func (c *Connector) HealthCheck(ctx context.Context) core.HealthStatus {
	start := c.Now()
	var err error
	if c.db == nil {
		err = errors.New(errors.ErrorTypeConfig, "database connection is not configured")
	} else {
		err = c.db.PingContext(ctx)
	}
	c.RecordProbe(err, c.Now().Sub(start))
	return c.HealthStatus()
}

// Close releases the pool when the connector opened it.
func (c *Connector) Close(ctx context.Context) error {
	if err := c.BaseConnector.Close(ctx); err != nil {
		return err
	}
	if c.ownsDB && c.db != nil {
		return c.db.Close()
	}
	return nil
}
