// Package file implements a flat file source connector for CSV, TSV, JSON
// and JSON Lines files in several text encodings.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/base"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Formats.
const (
	FormatAuto  = "auto"
	FormatCSV   = "csv"
	FormatTSV   = "tsv"
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
)

const (
	defaultPageSize = 500
	maxLineBytes    = 16 << 20
)

// Connector reads records from a local file.
type Connector struct {
	*base.BaseConnector
	settings config.FileSettings
}

// New builds a file connector.
func New(cfg config.ConnectorConfig, deps core.Dependencies) (core.Connector, error) {
	var s config.FileSettings
	if err := config.Decode(cfg.Params, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid file settings")
	}
	if s.Format == "" {
		s.Format = FormatAuto
	}
	s.Format = strings.ToLower(s.Format)
	if s.PageSize <= 0 {
		s.PageSize = defaultPageSize
	}
	bc, err := base.NewBaseConnector(cfg, core.TypeFile, deps)
	if err != nil {
		return nil, err
	}
	return &Connector{BaseConnector: bc, settings: s}, nil
}

// CheckpointType is sequence: the checkpoint counts records consumed.
func (c *Connector) CheckpointType() models.CheckpointType { return models.CheckpointSequence }

// ValidateConfig checks the path, format, encoding and delimiter.
func (c *Connector) ValidateConfig() core.ValidationResult {
	res := core.ValidationResult{Valid: true}
	s := c.settings
	if s.Path == "" {
		res.Invalid("path is required")
	}
	switch s.Format {
	case FormatAuto, FormatCSV, FormatTSV, FormatJSON, FormatJSONL:
	default:
		res.Invalid(fmt.Sprintf("unsupported format %q", s.Format))
	}
	if _, err := decoderFor(s.Encoding); err != nil {
		res.Invalid(err.Error())
	}
	if len([]rune(s.Delimiter)) > 1 {
		res.Invalid("delimiter must be a single character")
	}
	if s.SkipRows < 0 {
		res.Invalid("skip_rows must not be negative")
	}
	return res
}

// decoderFor resolves an encoding name. Empty means UTF-8 with an optional
// byte order mark.
func decoderFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "", "utf-8", "utf8":
		return unicode.UTF8BOM, nil
	case "latin1", "latin-1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "utf-16", "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "utf-16be":
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// Extract returns every record in the file.
func (c *Connector) Extract(ctx context.Context, params core.QueryParams) ([]core.Record, error) {
	return base.CollectPages(ctx, params, c.ExtractPages)
}

// ExtractPages reads the file in pages. A numeric checkpoint skips that
// many records already consumed by earlier runs.
func (c *Connector) ExtractPages(ctx context.Context, params core.QueryParams, fn core.PageFunc) error {
	skip := 0
	if params.Checkpoint != "" {
		n, err := strconv.Atoi(params.Checkpoint)
		if err != nil || n < 0 {
			return errors.Newf(errors.ErrorTypeValidation, "file checkpoint %q is not a record count", params.Checkpoint)
		}
		skip = n
	}

	var raw []byte
	err := c.Execute(ctx, "read_file", func(context.Context) error {
		var rerr error
		raw, rerr = c.readDecoded()
		return rerr
	})
	if err != nil {
		return err
	}

	format := c.settings.Format
	if format == FormatAuto {
		format = detectFormat(c.settings.Path, raw)
	}
	c.Logger().Debug("reading file", zap.String("format", format), zap.Int("bytes", len(raw)))

	p := &pager{c: c, fn: fn, skip: skip}
	emit := func(ctx context.Context, row map[string]interface{}) error {
		return p.add(ctx, row, matches(row, params.Filters))
	}

	switch format {
	case FormatJSON:
		err = c.readJSON(ctx, raw, emit)
	case FormatJSONL:
		err = c.readJSONL(ctx, raw, emit)
	case FormatTSV:
		err = c.readDelimited(ctx, raw, '\t', emit)
	default:
		err = c.readDelimited(ctx, raw, c.delimiter(raw), emit)
	}
	if err != nil {
		return err
	}
	return p.flush(ctx)
}

func (c *Connector) readDecoded() ([]byte, error) {
	f, err := os.Open(c.settings.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, "file not found").WithDetail("path", c.settings.Path)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open file")
	}
	defer f.Close()

	enc, err := decoderFor(c.settings.Encoding)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid encoding")
	}
	raw, err := io.ReadAll(transform.NewReader(f, enc.NewDecoder()))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to decode file").WithDetail("encoding", c.settings.Encoding)
	}
	return raw, nil
}

// pager groups rows into pages. The checkpoint is the count of source
// records read so far, filtered or not.
type pager struct {
	c      *Connector
	fn     core.PageFunc
	skip   int
	seen   int
	number int
	batch  []core.Record
}

func (p *pager) add(ctx context.Context, row map[string]interface{}, keep bool) error {
	p.seen++
	if p.seen <= p.skip || !keep {
		return nil
	}
	p.batch = append(p.batch, p.c.Stamp(row, "record:"+strconv.Itoa(p.seen)))
	if len(p.batch) >= p.c.settings.PageSize {
		return p.flush(ctx)
	}
	return nil
}

func (p *pager) flush(ctx context.Context) error {
	if len(p.batch) == 0 {
		return nil
	}
	page := core.Page{Number: p.number, Records: p.batch, Checkpoint: strconv.Itoa(p.seen)}
	p.number++
	p.batch = nil
	return p.fn(ctx, page)
}

func matches(row map[string]interface{}, filters map[string]interface{}) bool {
	for k, want := range filters {
		if fmt.Sprint(row[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// detectFormat picks a format from the file extension, falling back to
// sniffing the content.
func detectFormat(path string, raw []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".tsv", ".tab":
		return FormatTSV
	case ".json":
		return FormatJSON
	case ".jsonl", ".ndjson":
		return FormatJSONL
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0:
		return FormatCSV
	case trimmed[0] == '[':
		return FormatJSON
	case trimmed[0] == '{':
		if first, _, found := bytes.Cut(trimmed, []byte("\n")); found && json.Valid(bytes.TrimSpace(first)) {
			return FormatJSONL
		}
		return FormatJSON
	}
	firstLine, _, _ := bytes.Cut(trimmed, []byte("\n"))
	if bytes.Count(firstLine, []byte("\t")) > bytes.Count(firstLine, []byte(",")) {
		return FormatTSV
	}
	return FormatCSV
}

func (c *Connector) delimiter(raw []byte) rune {
	if c.settings.Delimiter != "" {
		return []rune(c.settings.Delimiter)[0]
	}
	firstLine, _, _ := bytes.Cut(raw, []byte("\n"))
	best, bestCount := ',', 0
	for _, d := range []rune{',', ';', '|', '\t'} {
		if n := bytes.Count(firstLine, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func (c *Connector) hasHeader() bool {
	return c.settings.HasHeader == nil || *c.settings.HasHeader
}

func (c *Connector) readDelimited(ctx context.Context, raw []byte, delim rune, emit func(context.Context, map[string]interface{}) error) error {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = c.settings.TrimSpaces

	for i := 0; i < c.settings.SkipRows; i++ {
		if _, err := r.Read(); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeData, "failed to skip rows")
		}
	}

	var header []string
	if c.hasHeader() {
		h, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to read header")
		}
		for _, col := range h {
			header = append(header, strings.TrimSpace(col))
		}
		if err := c.requireColumns(header); err != nil {
			return err
		}
	}

	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "extraction cancelled")
		}
		fields, err := r.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "malformed row").WithDetail("row", line)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		if header == nil {
			header = make([]string, len(fields))
			for i := range fields {
				header[i] = "column_" + strconv.Itoa(i+1)
			}
			if err := c.requireColumns(header); err != nil {
				return err
			}
		}
		row := make(map[string]interface{}, len(header))
		for i, col := range header {
			if i >= len(fields) {
				row[col] = nil
				continue
			}
			row[col] = c.cell(fields[i])
		}
		if err := emit(ctx, row); err != nil {
			return err
		}
	}
}

func (c *Connector) cell(v string) interface{} {
	if c.settings.TrimSpaces {
		v = strings.TrimSpace(v)
	}
	if !c.settings.InferTypes {
		return v
	}
	if v == "" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false" || v == "TRUE" || v == "FALSE") {
		return b
	}
	return v
}

func (c *Connector) requireColumns(header []string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var missing []string
	for _, req := range c.settings.RequiredColumns {
		if !have[req] {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeValidation, "missing required columns: %s", strings.Join(missing, ", ")).
			WithDetail("path", c.settings.Path)
	}
	return nil
}

func (c *Connector) requireFields(row map[string]interface{}, n int) error {
	var missing []string
	for _, req := range c.settings.RequiredColumns {
		if _, ok := row[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return errors.Newf(errors.ErrorTypeValidation, "record %d missing required fields: %s", n, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Connector) readJSON(ctx context.Context, raw []byte, emit func(context.Context, map[string]interface{}) error) error {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "invalid JSON file")
	}
	var items []interface{}
	switch d := doc.(type) {
	case []interface{}:
		items = d
	case map[string]interface{}:
		if arr, ok := d["data"].([]interface{}); ok {
			items = arr
		} else {
			items = []interface{}{d}
		}
	default:
		return errors.New(errors.ErrorTypeData, "JSON file must hold an object or an array")
	}
	for i, item := range items {
		row, ok := item.(map[string]interface{})
		if !ok {
			return errors.Newf(errors.ErrorTypeData, "record %d is not an object", i+1)
		}
		if err := c.requireFields(row, i+1); err != nil {
			return err
		}
		if err := emit(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) readJSONL(ctx context.Context, raw []byte, emit func(context.Context, map[string]interface{}) error) error {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		n++
		var row map[string]interface{}
		if err := json.Unmarshal(line, &row); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "invalid JSON line").WithDetail("line", n)
		}
		if err := c.requireFields(row, n); err != nil {
			return err
		}
		if err := emit(ctx, row); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to scan file")
	}
	return nil
}

// HealthCheck verifies the file is readable.
func (c *Connector) HealthCheck(context.Context) core.HealthStatus {
	start := c.Now()
	_, err := os.Stat(c.settings.Path)
	c.RecordProbe(err, c.Now().Sub(start))
	return c.HealthStatus()
}
