package registry

import (
	"context"
	"testing"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	cfg    config.ConnectorConfig
	closed bool
}

func (s *stubConnector) Name() string                          { return s.cfg.Name }
func (s *stubConnector) Type() string                          { return "stub" }
func (s *stubConnector) Source() string                        { return s.cfg.SourceTag() }
func (s *stubConnector) CheckpointType() models.CheckpointType { return models.CheckpointSequence }
func (s *stubConnector) Extract(context.Context, core.QueryParams) ([]core.Record, error) {
	return nil, nil
}
func (s *stubConnector) ExtractPages(context.Context, core.QueryParams, core.PageFunc) error {
	return nil
}
func (s *stubConnector) ValidateConfig() core.ValidationResult {
	res := core.ValidationResult{Valid: true}
	if _, ok := s.cfg.Params["path"]; !ok {
		res.Invalid("path is required")
	}
	return res
}
func (s *stubConnector) HealthCheck(context.Context) core.HealthStatus { return core.HealthStatus{} }
func (s *stubConnector) Close(context.Context) error                  { s.closed = true; return nil }

func stubFactory(cfg config.ConnectorConfig, _ core.Dependencies) (core.Connector, error) {
	return &stubConnector{cfg: cfg}, nil
}

func TestRegisterAndTypes(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("stub", stubFactory))
	require.NoError(t, r.Register("Other", stubFactory))

	err := r.Register("STUB", stubFactory)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Error(t, r.Register("", stubFactory))

	assert.Equal(t, []string{"other", "stub"}, r.Types())
	assert.True(t, r.Has("Stub"))
	assert.False(t, r.Has("rest"))
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry(nil)
	b := NewRegistry(nil)
	require.NoError(t, a.Register("stub", stubFactory))
	assert.False(t, b.Has("stub"))
}

func TestCreate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("stub", stubFactory))

	conn, err := r.Create(config.ConnectorConfig{Name: "files", Type: "stub", Params: map[string]interface{}{"path": "x"}}, core.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "files", conn.Name())

	_, err = r.Create(config.ConnectorConfig{Name: "bad", Type: "stub"}, core.Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	_, err = r.Create(config.ConnectorConfig{Name: "x", Type: "ftp"}, core.Dependencies{})
	assert.Contains(t, err.Error(), `unknown connector type "ftp"`)
}

func TestValidateAllCollectsEveryProblem(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("stub", stubFactory))

	cfgs := []config.ConnectorConfig{
		{Name: "ok", Type: "stub", Params: map[string]interface{}{"path": "x"}},
		{Name: "missing", Type: "stub"},
		{Name: "unknown", Type: "ftp"},
		{Name: "ok", Type: "stub", Params: map[string]interface{}{"path": "y"}},
	}
	err := r.ValidateAll(context.Background(), cfgs, core.Dependencies{})
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 3)

	conns, err := r.CreateAll(cfgs[:1], core.Dependencies{})
	require.NoError(t, err)
	assert.Contains(t, conns, "ok")
}
