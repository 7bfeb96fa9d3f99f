// Package base provides the shared machinery embedded by every connector:
// per-instance rate limiting, authentication, retry with backoff, rolling
// health statistics and lineage stamping.
package base

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/clients"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// DefaultRetry is applied when neither connector nor caller sets retry values.
var DefaultRetry = config.RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    5 * time.Minute,
	Multiplier:  2.0,
	Jitter:      0.1,
}

// BaseConnector provides common functionality for all connectors.
type BaseConnector struct {
	cfg           config.ConnectorConfig
	connectorType string
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	rateLimiter   clients.RateLimiter
	auth          clients.Authenticator
	retryPolicy   *RetryPolicy
	healthChecker *HealthChecker
	errorCounter  *ErrorCounter

	closeMu sync.Mutex
	closed  bool
}

// NewBaseConnector wires rate limiter, authenticator, retry policy and
// health tracking for one connector instance.
func NewBaseConnector(cfg config.ConnectorConfig, connectorType string, deps core.Dependencies) (*BaseConnector, error) {
	deps = deps.WithDefaults()

	auth, err := clients.NewAuthenticator(cfg.Auth, deps.StandardHTTP())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid auth configuration").
			WithDetail("connector", cfg.Name)
	}

	rp := RetryPolicyFromConfig(cfg.Retry, DefaultRetry)
	rp.Sleep = deps.Sleep

	return &BaseConnector{
		cfg:           cfg,
		connectorType: connectorType,
		logger: deps.Logger.With(
			zap.String("connector", cfg.Name),
			zap.String("connector_type", connectorType),
		),
		metrics:       deps.Metrics,
		now:           deps.Now,
		rateLimiter:   clients.NewRateLimiter(cfg.RateLimitPerMinute, clients.WithClock(deps.Now, deps.Sleep)),
		auth:          auth,
		retryPolicy:   rp,
		healthChecker: NewHealthChecker(cfg.Name, 0, deps.Now),
		errorCounter:  NewErrorCounter(),
	}, nil
}

// Name returns the connector instance name.
func (bc *BaseConnector) Name() string { return bc.cfg.Name }

// Type returns the registered connector type.
func (bc *BaseConnector) Type() string { return bc.connectorType }

// Source returns the source tag stamped on records.
func (bc *BaseConnector) Source() string { return bc.cfg.SourceTag() }

// Config returns the connector configuration.
func (bc *BaseConnector) Config() config.ConnectorConfig { return bc.cfg }

// Logger returns the connector logger.
func (bc *BaseConnector) Logger() *zap.Logger { return bc.logger }

// Auth returns the request authenticator.
func (bc *BaseConnector) Auth() clients.Authenticator { return bc.auth }

// Now returns the connector clock reading.
func (bc *BaseConnector) Now() time.Time { return bc.now() }

// RateLimiter exposes the per-instance limiter.
func (bc *BaseConnector) RateLimiter() clients.RateLimiter { return bc.rateLimiter }

// Execute runs one remote operation. Every attempt first waits on the rate
// limiter. Transient failures are retried with backoff (honouring
// Retry-After); an authentication failure invalidates cached credentials
// and is retried once immediately.
func (bc *BaseConnector) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if bc.isClosed() {
		return errors.New(errors.ErrorTypeConnection, "connector is closed")
	}

	reauthed := false
	attempt := func() error {
		for {
			if err := bc.rateLimiter.Wait(ctx); err != nil {
				return errors.Wrap(err, errors.ErrorTypeCancelled, "rate limiter wait aborted")
			}
			start := bc.now()
			err := fn(ctx)
			d := bc.now().Sub(start)
			bc.healthChecker.Record(err, d)

			errType := ""
			if err != nil {
				errType = string(bc.errorCounter.Add(err))
			}
			bc.metrics.RecordConnectorRequest(bc.cfg.Name, bc.connectorType, d, errType)

			if err != nil && errors.IsType(err, errors.ErrorTypeAuthentication) && !reauthed {
				reauthed = true
				bc.auth.Invalidate()
				bc.logger.Info("re-authenticating after 401", zap.String("operation", op))
				continue
			}
			if err != nil {
				bc.logger.Warn("connector operation failed",
					zap.String("operation", op),
					zap.String("error_type", errType),
					zap.Error(err))
			}
			return err
		}
	}

	return bc.retryPolicy.ExecuteWithCondition(ctx, attempt, ShouldRetry)
}

// Stamp builds a record carrying lineage metadata. The source tag and
// extraction time are also written into the data map.
func (bc *BaseConnector) Stamp(data map[string]interface{}, position string) core.Record {
	at := bc.now().UTC()
	if data == nil {
		data = make(map[string]interface{})
	}
	data[core.LineageSource] = bc.Source()
	data[core.LineageExtractedAt] = at.Format(time.RFC3339Nano)
	return core.Record{
		Data: data,
		Metadata: core.RecordMetadata{
			Source:        bc.Source(),
			Connector:     bc.cfg.Name,
			ConnectorType: bc.connectorType,
			ExtractedAt:   at,
			Position:      position,
		},
	}
}

// CollectPages drains a paged extraction into a slice, honouring Limit.
func CollectPages(ctx context.Context, params core.QueryParams, extract func(context.Context, core.QueryParams, core.PageFunc) error) ([]core.Record, error) {
	var out []core.Record
	err := extract(ctx, params, func(_ context.Context, page core.Page) error {
		out = append(out, page.Records...)
		if params.Limit > 0 && len(out) >= params.Limit {
			out = out[:params.Limit]
			return errStopPaging
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return out, err
	}
	return out, nil
}

var errStopPaging = errors.New(errors.ErrorTypeInternal, "stop paging")

// HealthStatus returns rolling request statistics.
func (bc *BaseConnector) HealthStatus() core.HealthStatus {
	st := bc.healthChecker.GetStatus()
	st.Details["errors_by_type"] = bc.errorCounter.Snapshot()
	st.Details["rate_limit"] = bc.rateLimiter.GetStats()
	return st
}

// RecordProbe feeds an explicit health probe into the rolling statistics.
func (bc *BaseConnector) RecordProbe(err error, d time.Duration) {
	bc.healthChecker.Record(err, d)
}

// DataSource describes the connector for persistence.
func (bc *BaseConnector) DataSource() models.DataSource {
	st := bc.healthChecker.GetStatus()
	checked := st.Timestamp
	ds := models.DataSource{
		Name:               bc.cfg.Name,
		Type:               bc.connectorType,
		ConnectionParams:   redactParams(bc.cfg.Params),
		AuthType:           bc.auth.Type(),
		RateLimitPerMinute: bc.cfg.RateLimitPerMinute,
		SuccessRate:        st.SuccessRate,
		AvgResponseTimeMs:  float64(st.AvgResponseTime) / float64(time.Millisecond),
		ConnectionStatus:   st.Status,
		UpdatedAt:          bc.now(),
	}
	if !checked.IsZero() {
		ds.LastCheckedAt = &checked
	}
	return ds
}

var secretKeys = map[string]bool{"dsn": true, "uri": true, "password": true, "token": true, "api_key": true, "client_secret": true}

func redactParams(params map[string]interface{}) models.Document {
	out := make(models.Document, len(params))
	for k, v := range params {
		if secretKeys[k] {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

// Close marks the connector closed. Further Execute calls fail.
func (bc *BaseConnector) Close(_ context.Context) error {
	bc.closeMu.Lock()
	defer bc.closeMu.Unlock()
	if bc.closed {
		return nil
	}
	bc.closed = true
	bc.logger.Info("connector closed")
	return nil
}

func (bc *BaseConnector) isClosed() bool {
	bc.closeMu.Lock()
	defer bc.closeMu.Unlock()
	return bc.closed
}
