package base

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBase(t *testing.T, cfg config.ConnectorConfig) (*BaseConnector, *testutil.SleepRecorder) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	sleeper := testutil.NewSleepRecorder(clock)
	bc, err := NewBaseConnector(cfg, core.TypeREST, core.Dependencies{
		Logger: testutil.TestLogger(t),
		Now:    clock.Now,
		Sleep:  sleeper.Sleep,
	})
	require.NoError(t, err)
	return bc, sleeper
}

func TestRetryPolicyDelays(t *testing.T) {
	rp := NewRetryPolicy(5, 100*time.Millisecond)
	rp.RandomizeFactor = 0
	rp.MaxDelay = 300 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, rp.GetDelay(0))
	assert.Equal(t, 200*time.Millisecond, rp.GetDelay(1))
	assert.Equal(t, 300*time.Millisecond, rp.GetDelay(2))
}

func TestRetryPolicyHonoursRetryAfter(t *testing.T) {
	sleeper := testutil.NewSleepRecorder(nil)
	rp := NewRetryPolicy(3, time.Second)
	rp.RandomizeFactor = 0
	rp.Sleep = sleeper.Sleep

	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		if calls == 1 {
			return errors.New(errors.ErrorTypeRateLimit, "429").WithRetryAfter(2 * time.Second)
		}
		return nil
	}, ShouldRetry)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.Sleeps())
}

func TestRetryPolicyExhaustion(t *testing.T) {
	sleeper := testutil.NewSleepRecorder(nil)
	rp := NewRetryPolicy(3, time.Second)
	rp.RandomizeFactor = 0
	rp.Sleep = sleeper.Sleep

	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeConnection, "reset")
	}, ShouldRetry)

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Sleeps())
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)
	calls := 0
	err := rp.ExecuteWithCondition(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeValidation, "bad request")
	}, ShouldRetry)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New(errors.ErrorTypeRateLimit, "x"), true},
		{"auth", errors.New(errors.ErrorTypeAuthentication, "x"), false},
		{"net error", timeoutErr{}, true},
		{"cancelled", context.Canceled, false},
		{"driver deadlock", errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeQuery, "deadlock detected"), true},
		{"syntax", errors.New(errors.ErrorTypeQuery, "syntax error at or near"), false},
		{"plain eof", io.EOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}

func TestHealthCheckerTransitions(t *testing.T) {
	hc := NewHealthChecker("pos", 10, nil)
	assert.Equal(t, models.ConnectionUnknown, hc.GetStatus().Status)

	hc.Record(nil, 100*time.Millisecond)
	hc.Record(nil, 300*time.Millisecond)
	st := hc.GetStatus()
	assert.Equal(t, models.ConnectionHealthy, st.Status)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.Equal(t, 200*time.Millisecond, st.AvgResponseTime)

	boom := errors.New(errors.ErrorTypeConnection, "down")
	hc.Record(boom, 0)
	assert.Equal(t, models.ConnectionDegraded, hc.GetStatus().Status)
	hc.Record(boom, 0)
	hc.Record(boom, 0)
	st = hc.GetStatus()
	assert.Equal(t, models.ConnectionUnhealthy, st.Status)
	assert.InDelta(t, 0.4, st.SuccessRate, 1e-9)
	assert.Equal(t, "connection: down", st.Error)
}

func TestHealthCheckerWindowRolls(t *testing.T) {
	hc := NewHealthChecker("pos", 2, nil)
	hc.Record(errors.New(errors.ErrorTypeConnection, "x"), 0)
	hc.Record(nil, 0)
	hc.Record(nil, 0)
	assert.Equal(t, 1.0, hc.GetStatus().SuccessRate)
}

func TestExecuteReauthenticatesOnce(t *testing.T) {
	bc, _ := newTestBase(t, config.ConnectorConfig{Name: "pos", Auth: config.AuthConfig{Type: "bearer", Token: "t"}})

	calls := 0
	err := bc.Execute(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New(errors.ErrorTypeAuthentication, "401")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = bc.Execute(context.Background(), "fetch", func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeAuthentication, "401")
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, 2, calls)
}

func TestExecuteRateLimitsEachAttempt(t *testing.T) {
	bc, sleeper := newTestBase(t, config.ConnectorConfig{
		Name:               "pos",
		RateLimitPerMinute: 30,
		Retry:              config.RetryConfig{MaxAttempts: 1},
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, bc.Execute(context.Background(), "fetch", func(context.Context) error { return nil }))
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.Sleeps())
}

func TestStampAddsLineage(t *testing.T) {
	bc, _ := newTestBase(t, config.ConnectorConfig{Name: "pos-api", Source: "pos"})
	rec := bc.Stamp(map[string]interface{}{"order_id": "A1"}, "page:1")

	assert.Equal(t, "pos", rec.Data[core.LineageSource])
	assert.Equal(t, "2024-03-01T08:00:00Z", rec.Data[core.LineageExtractedAt])
	assert.Equal(t, "pos", rec.Metadata.Source)
	assert.Equal(t, "pos-api", rec.Metadata.Connector)
	assert.Equal(t, "page:1", rec.Metadata.Position)
}

func TestCollectPagesHonoursLimit(t *testing.T) {
	extract := func(ctx context.Context, _ core.QueryParams, fn core.PageFunc) error {
		for i := 0; i < 5; i++ {
			page := core.Page{Number: i, Records: []core.Record{{Data: map[string]interface{}{"i": i}}, {Data: map[string]interface{}{"i": i}}}}
			if err := fn(ctx, page); err != nil {
				return err
			}
		}
		return nil
	}
	recs, err := CollectPages(context.Background(), core.QueryParams{Limit: 3}, extract)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestDataSourceRedactsSecrets(t *testing.T) {
	bc, _ := newTestBase(t, config.ConnectorConfig{
		Name:   "db",
		Params: map[string]interface{}{"dsn": "postgres://u:p@h/db", "table": "orders"},
	})
	bc.RecordProbe(nil, 5*time.Millisecond)
	ds := bc.DataSource()
	assert.Equal(t, "***", ds.ConnectionParams["dsn"])
	assert.Equal(t, "orders", ds.ConnectionParams["table"])
	assert.Equal(t, models.ConnectionHealthy, ds.ConnectionStatus)
	assert.Equal(t, 5.0, ds.AvgResponseTimeMs)
	assert.Equal(t, "none", ds.AuthType)
}
