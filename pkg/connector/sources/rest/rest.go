// Package rest implements a paginated REST API source connector.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/clients"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/base"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// Pagination modes.
const (
	ModeNone   = "none"
	ModePage   = "page"
	ModeOffset = "offset"
	ModeCursor = "cursor"
)

const maxBodyBytes = 32 << 20

// Connector pulls records from a JSON REST endpoint.
type Connector struct {
	*base.BaseConnector

	settings config.RESTSettings
	client   *clients.HTTPClient
	timeout  time.Duration
}

// New builds a REST connector. Settings come from cfg.Params.
func New(cfg config.ConnectorConfig, deps core.Dependencies) (core.Connector, error) {
	deps = deps.WithDefaults()

	var s config.RESTSettings
	if err := config.Decode(cfg.Params, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid rest settings")
	}
	applyDefaults(&s)

	bc, err := base.NewBaseConnector(cfg, core.TypeREST, deps)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		BaseConnector: bc,
		settings:      s,
		client:        deps.HTTPClient,
	}
	if s.TimeoutSeconds > 0 {
		c.timeout = time.Duration(s.TimeoutSeconds) * time.Second
	}
	return c, nil
}

func applyDefaults(s *config.RESTSettings) {
	p := &s.Pagination
	if p.Mode == "" {
		p.Mode = ModeNone
	}
	if p.PageParam == "" {
		p.PageParam = "page"
	}
	if p.SizeParam == "" {
		p.SizeParam = "page_size"
	}
	if p.OffsetParam == "" {
		p.OffsetParam = "offset"
	}
	if p.CursorParam == "" {
		p.CursorParam = "cursor"
	}
	if p.StartPage == 0 {
		p.StartPage = 1
	}
	if s.SinceParam == "" {
		s.SinceParam = "since"
	}
}

// CheckpointType is timestamp when an incremental field is configured,
// cursor for cursor pagination, batch otherwise.
func (c *Connector) CheckpointType() models.CheckpointType {
	switch {
	case c.settings.IncrementalField != "":
		return models.CheckpointTimestamp
	case c.settings.Pagination.Mode == ModeCursor:
		return models.CheckpointCursor
	default:
		return models.CheckpointBatch
	}
}

// ValidateConfig checks URL and pagination settings.
func (c *Connector) ValidateConfig() core.ValidationResult {
	res := core.ValidationResult{Valid: true}
	s := c.settings
	if s.BaseURL == "" {
		res.Invalid("base_url is required")
	} else if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		res.Invalid(fmt.Sprintf("base_url %q is not an absolute URL", s.BaseURL))
	}
	switch s.Pagination.Mode {
	case ModeNone, ModePage, ModeOffset:
	case ModeCursor:
		if s.Pagination.NextCursorPath == "" {
			res.Invalid("cursor pagination requires next_cursor_path")
		}
	default:
		res.Invalid(fmt.Sprintf("unknown pagination mode %q", s.Pagination.Mode))
	}
	if s.Pagination.PageSize < 0 {
		res.Invalid("page_size must not be negative")
	}
	if s.Pagination.Mode == ModeOffset && s.Pagination.PageSize == 0 {
		res.Invalid("offset pagination requires page_size")
	}
	return res
}

// Extract returns every record matching params.
func (c *Connector) Extract(ctx context.Context, params core.QueryParams) ([]core.Record, error) {
	return base.CollectPages(ctx, params, c.ExtractPages)
}

// pageState is the request position. It only advances once a page has been
// fetched and handed off successfully.
type pageState struct {
	number int
	offset int
	cursor string
}

// ExtractPages walks the endpoint page by page. A failed request is retried
// for the same page; the position is never advanced past a page that did
// not succeed.
func (c *Connector) ExtractPages(ctx context.Context, params core.QueryParams, fn core.PageFunc) error {
	p := c.settings.Pagination
	state := pageState{number: p.StartPage}
	if p.Mode == ModeCursor && c.settings.IncrementalField == "" {
		state.cursor = params.Checkpoint
	}

	since := params.Since
	if since == nil && c.settings.IncrementalField != "" && params.Checkpoint != "" {
		if t, err := time.Parse(time.RFC3339Nano, params.Checkpoint); err == nil {
			since = &t
		}
	}
	highWater := ""
	if since != nil {
		highWater = since.UTC().Format(time.RFC3339Nano)
	}

	for pageNo := 0; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "extraction cancelled")
		}

		reqURL, err := c.pageURL(state, since, params.Filters)
		if err != nil {
			return err
		}

		var body interface{}
		err = c.Execute(ctx, "fetch_page", func(ctx context.Context) error {
			var ferr error
			body, ferr = c.fetch(ctx, reqURL)
			return ferr
		})
		if err != nil {
			return errors.Wrap(err, errors.TypeOf(err), "failed to fetch page").
				WithDetail("page", pageNo).
				WithDetail("url", reqURL)
		}

		items, err := recordsAt(body, c.settings.DataPath)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		position := c.position(state)
		records := make([]core.Record, 0, len(items))
		for _, item := range items {
			data, ok := item.(map[string]interface{})
			if !ok {
				data = map[string]interface{}{"value": item}
			}
			if c.settings.IncrementalField != "" {
				highWater = laterTimestamp(highWater, data[c.settings.IncrementalField])
			}
			records = append(records, c.Stamp(data, position))
		}

		next := c.advance(state, len(items), body)
		page := core.Page{Number: pageNo, Records: records}
		switch c.CheckpointType() {
		case models.CheckpointTimestamp:
			page.Checkpoint = highWater
		case models.CheckpointCursor:
			// the last page has no next cursor; resume by refetching it
			page.Checkpoint = next.cursor
			if page.Checkpoint == "" {
				page.Checkpoint = state.cursor
			}
		}
		if err := fn(ctx, page); err != nil {
			return err
		}

		if c.done(p, pageNo, len(items), body, next) {
			c.Logger().Debug("pagination complete", zap.Int("pages", pageNo+1))
			return nil
		}
		state = next
	}
}

func (c *Connector) pageURL(state pageState, since *time.Time, filters map[string]interface{}) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.settings.BaseURL, "/") + "/" + strings.TrimLeft(c.settings.Endpoint, "/"))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid endpoint URL")
	}
	q := u.Query()
	for k, v := range c.settings.QueryParams {
		q.Set(k, v)
	}
	for k, v := range filters {
		q.Set(k, fmt.Sprint(v))
	}
	if since != nil {
		q.Set(c.settings.SinceParam, since.UTC().Format(time.RFC3339))
	}

	p := c.settings.Pagination
	if p.PageSize > 0 && p.Mode != ModeNone {
		q.Set(p.SizeParam, strconv.Itoa(p.PageSize))
	}
	switch p.Mode {
	case ModePage:
		q.Set(p.PageParam, strconv.Itoa(state.number))
	case ModeOffset:
		q.Set(p.OffsetParam, strconv.Itoa(state.offset))
	case ModeCursor:
		if state.cursor != "" {
			q.Set(p.CursorParam, state.cursor)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connector) fetch(ctx context.Context, reqURL string) (interface{}, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.settings.Headers {
		req.Header.Set(k, v)
	}
	if err := c.Auth().Apply(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if err := clients.CheckResponse(resp, c.Now()); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}
	var body interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "response is not valid JSON")
	}
	return body, nil
}

func (c *Connector) position(state pageState) string {
	switch c.settings.Pagination.Mode {
	case ModePage:
		return "page:" + strconv.Itoa(state.number)
	case ModeOffset:
		return "offset:" + strconv.Itoa(state.offset)
	case ModeCursor:
		return "cursor:" + state.cursor
	default:
		return "page:1"
	}
}

func (c *Connector) advance(state pageState, n int, body interface{}) pageState {
	next := state
	next.number++
	next.offset += n
	if path := c.settings.Pagination.NextCursorPath; path != "" {
		if v, ok := lookup(body, path); ok && v != nil {
			next.cursor = fmt.Sprint(v)
		} else {
			next.cursor = ""
		}
	}
	return next
}

// done applies the termination heuristics: single page mode, MaxPages,
// explicit has_more / total_pages metadata, a missing next cursor, and a
// short page.
func (c *Connector) done(p config.PaginationSettings, pageNo, n int, body interface{}, next pageState) bool {
	if p.Mode == ModeNone {
		return true
	}
	if p.MaxPages > 0 && pageNo+1 >= p.MaxPages {
		return true
	}
	if p.HasMorePath != "" {
		if v, ok := lookup(body, p.HasMorePath); ok {
			if more, isBool := v.(bool); isBool && !more {
				return true
			}
		}
	}
	if p.TotalPagesPath != "" && p.Mode == ModePage {
		if v, ok := lookup(body, p.TotalPagesPath); ok {
			if total, isNum := toInt(v); isNum && next.number > total+p.StartPage-1 {
				return true
			}
		}
	}
	if p.Mode == ModeCursor && next.cursor == "" {
		return true
	}
	return p.PageSize > 0 && n < p.PageSize
}

// HealthCheck probes the endpoint once and reports rolling statistics.
func (c *Connector) HealthCheck(ctx context.Context) core.HealthStatus {
	start := c.Now()
	reqURL, err := c.pageURL(pageState{number: c.settings.Pagination.StartPage}, nil, nil)
	if err == nil {
		_, err = c.fetch(ctx, reqURL)
	}
	c.RecordProbe(err, c.Now().Sub(start))
	return c.HealthStatus()
}

// recordsAt locates the record array in a response body. With no path the
// body itself, or a top level data/results/items/records array, is used.
func recordsAt(body interface{}, path string) ([]interface{}, error) {
	if path != "" {
		v, ok := lookup(body, path)
		if !ok || v == nil {
			return nil, nil
		}
		arr, isArr := v.([]interface{})
		if !isArr {
			return nil, errors.Newf(errors.ErrorTypeData, "data_path %q is not an array", path)
		}
		return arr, nil
	}
	switch b := body.(type) {
	case []interface{}:
		return b, nil
	case map[string]interface{}:
		for _, key := range []string{"data", "results", "items", "records"} {
			if arr, ok := b[key].([]interface{}); ok {
				return arr, nil
			}
		}
		return []interface{}{b}, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.New(errors.ErrorTypeData, "response body is neither an object nor an array")
	}
}

// lookup resolves a dotted path through nested objects.
func lookup(doc interface{}, path string) (interface{}, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func laterTimestamp(current string, v interface{}) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return current
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return current
	}
	candidate := t.UTC().Format(time.RFC3339Nano)
	if current == "" {
		return candidate
	}
	cur, err := time.Parse(time.RFC3339Nano, current)
	if err != nil || t.After(cur) {
		return candidate
	}
	return current
}
