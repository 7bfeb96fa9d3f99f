package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnector(t *testing.T, params map[string]interface{}, auth config.AuthConfig) (*Connector, *testutil.SleepRecorder) {
	t.Helper()
	sleeper := testutil.NewSleepRecorder(nil)
	conn, err := New(config.ConnectorConfig{
		Name:   "pos-api",
		Source: "pos",
		Type:   core.TypeREST,
		Auth:   auth,
		Retry:  config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second},
		Params: params,
	}, core.Dependencies{Logger: testutil.TestLogger(t), Sleep: sleeper.Sleep})
	require.NoError(t, err)
	return conn.(*Connector), sleeper
}

func TestPagePaginationStopsOnShortPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		n := 2
		if page == 3 {
			n = 1
		}
		var items []string
		for i := 0; i < n; i++ {
			items = append(items, fmt.Sprintf(`{"order_id":"P%d-%d"}`, page, i))
		}
		fmt.Fprintf(w, `{"data":[%s]}`, joinComma(items))
	}))
	defer srv.Close()

	c, _ := newConnector(t, map[string]interface{}{
		"base_url": srv.URL,
		"endpoint": "/orders",
		"pagination": map[string]interface{}{
			"mode": "page", "size_param": "per_page", "page_size": 2,
		},
	}, config.AuthConfig{})

	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	require.Len(t, recs, 5)
	assert.Equal(t, "P1-0", recs[0].Data["order_id"])
	assert.Equal(t, "P3-0", recs[4].Data["order_id"])
	assert.Equal(t, "pos", recs[0].Data[core.LineageSource])
	assert.Equal(t, "page:3", recs[4].Metadata.Position)
}

func TestPaginationTerminationHeuristics(t *testing.T) {
	tests := []struct {
		name       string
		pagination map[string]interface{}
		body       func(page int) string
		wantPages  int
	}{
		{
			name:       "has_more false",
			pagination: map[string]interface{}{"mode": "page", "has_more_path": "meta.has_more"},
			body: func(page int) string {
				return fmt.Sprintf(`{"data":[{"id":%d}],"meta":{"has_more":%t}}`, page, page < 2)
			},
			wantPages: 2,
		},
		{
			name:       "total pages",
			pagination: map[string]interface{}{"mode": "page", "total_pages_path": "pagination.total_pages"},
			body: func(page int) string {
				return fmt.Sprintf(`{"data":[{"id":%d}],"pagination":{"total_pages":3}}`, page)
			},
			wantPages: 3,
		},
		{
			name:       "empty page",
			pagination: map[string]interface{}{"mode": "page"},
			body: func(page int) string {
				if page > 4 {
					return `{"data":[]}`
				}
				return fmt.Sprintf(`{"data":[{"id":%d}]}`, page)
			},
			wantPages: 4,
		},
		{
			name:       "max pages",
			pagination: map[string]interface{}{"mode": "page", "max_pages": 2},
			body:       func(page int) string { return fmt.Sprintf(`[{"id":%d}]`, page) },
			wantPages:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				page, _ := strconv.Atoi(r.URL.Query().Get("page"))
				fmt.Fprint(w, tt.body(page))
			}))
			defer srv.Close()

			c, _ := newConnector(t, map[string]interface{}{"base_url": srv.URL, "pagination": tt.pagination}, config.AuthConfig{})
			pages := 0
			err := c.ExtractPages(context.Background(), core.QueryParams{}, func(_ context.Context, p core.Page) error {
				pages++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPages, pages)
		})
	}
}

func TestCursorPaginationCheckpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"items":[{"id":1},{"id":2}],"next":"c2"}`)
		case "c2":
			fmt.Fprint(w, `{"items":[{"id":3}],"next":null}`)
		default:
			http.Error(w, "bad cursor", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	c, _ := newConnector(t, map[string]interface{}{
		"base_url":   srv.URL,
		"data_path":  "items",
		"pagination": map[string]interface{}{"mode": "cursor", "next_cursor_path": "next"},
	}, config.AuthConfig{})
	assert.Equal(t, models.CheckpointCursor, c.CheckpointType())

	var checkpoints []string
	err := c.ExtractPages(context.Background(), core.QueryParams{}, func(_ context.Context, p core.Page) error {
		checkpoints = append(checkpoints, p.Checkpoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c2"}, checkpoints)

	recs, err := c.Extract(context.Background(), core.QueryParams{Checkpoint: "c2"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(3), recs[0].Data["id"])
}

func TestRetryAfterRetriesSamePage(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		seen = append(seen, r.URL.Query().Get("page"))
		mu.Unlock()

		if n == 2 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 2 {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[{"page":%d}]`, page)
	}))
	defer srv.Close()

	c, sleeper := newConnector(t, map[string]interface{}{
		"base_url":   srv.URL,
		"pagination": map[string]interface{}{"mode": "page"},
	}, config.AuthConfig{})

	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
	assert.Equal(t, []string{"1", "2", "2", "3"}, seen)
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, sleeper := newConnector(t, map[string]interface{}{"base_url": srv.URL}, config.AuthConfig{})
	_, err := c.Extract(context.Background(), core.QueryParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Len(t, sleeper.Sleeps(), 2)
	assert.Equal(t, models.ConnectionUnhealthy, c.HealthStatus().Status)
}

func TestOAuth2ReauthenticatesOn401(t *testing.T) {
	var mu sync.Mutex
	issued := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		issued++
		n := issued
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","expires_in":3600}`, n)
	}))
	defer tokenSrv.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `[{"id":"x"}]`)
	}))
	defer api.Close()

	c, _ := newConnector(t, map[string]interface{}{"base_url": api.URL}, config.AuthConfig{
		Type: "oauth2", TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret",
	})
	recs, err := c.Extract(context.Background(), core.QueryParams{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 2, issued)
}

func TestIncrementalFieldCheckpoint(t *testing.T) {
	var since string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since = r.URL.Query().Get("updated_since")
		fmt.Fprint(w, `[{"id":1,"updated_at":"2024-03-01T10:00:00Z"},{"id":2,"updated_at":"2024-03-01T12:30:00Z"},{"id":3,"updated_at":"2024-03-01T11:00:00Z"}]`)
	}))
	defer srv.Close()

	c, _ := newConnector(t, map[string]interface{}{
		"base_url":          srv.URL,
		"incremental_field": "updated_at",
		"since_param":       "updated_since",
	}, config.AuthConfig{})
	assert.Equal(t, models.CheckpointTimestamp, c.CheckpointType())

	var got string
	err := c.ExtractPages(context.Background(), core.QueryParams{Checkpoint: "2024-03-01T09:00:00Z"}, func(_ context.Context, p core.Page) error {
		got = p.Checkpoint
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T09:00:00Z", since)
	assert.Equal(t, "2024-03-01T12:30:00Z", got)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
		valid  bool
	}{
		{"ok", map[string]interface{}{"base_url": "https://api.example.com"}, true},
		{"missing url", map[string]interface{}{}, false},
		{"relative url", map[string]interface{}{"base_url": "/orders"}, false},
		{"cursor without path", map[string]interface{}{"base_url": "https://x.io", "pagination": map[string]interface{}{"mode": "cursor"}}, false},
		{"offset without size", map[string]interface{}{"base_url": "https://x.io", "pagination": map[string]interface{}{"mode": "offset"}}, false},
		{"unknown mode", map[string]interface{}{"base_url": "https://x.io", "pagination": map[string]interface{}{"mode": "link"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newConnector(t, tt.params, config.AuthConfig{})
			assert.Equal(t, tt.valid, c.ValidateConfig().Valid)
		})
	}
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
