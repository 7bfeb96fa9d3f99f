// Package registry maps connector type names to constructors. A Registry is
// built explicitly at startup and passed to whoever needs to create
// connectors; there is no process wide instance.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[string]core.Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRegistry creates an empty connector registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factories: make(map[string]core.Factory),
		logger:    logger.With(zap.String("component", "connector_registry")),
	}
}

// Register adds a factory for a connector type. Registering the same type
// twice is a config error.
func (r *Registry) Register(connectorType string, factory core.Factory) error {
	if connectorType == "" || factory == nil {
		return errors.New(errors.ErrorTypeConfig, "connector type and factory are required")
	}
	key := strings.ToLower(connectorType)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", key))
	}
	r.factories[key] = factory
	r.logger.Debug("connector type registered", zap.String("type", key))
	return nil
}

// Has reports whether a connector type is registered.
func (r *Registry) Has(connectorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(connectorType)]
	return ok
}

// Types lists registered connector types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds a connector for cfg and validates its configuration.
func (r *Registry) Create(cfg config.ConnectorConfig, deps core.Dependencies) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[strings.ToLower(cfg.Type)]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown connector type %q", cfg.Type)).
			WithDetail("connector", cfg.Name).
			WithDetail("known_types", r.Types())
	}

	conn, err := factory(cfg, deps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create connector %s", cfg.Name))
	}

	if res := conn.ValidateConfig(); !res.Valid {
		_ = conn.Close(context.Background())
		return nil, errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("connector %s: %s", cfg.Name, strings.Join(res.Errors, "; "))).
			WithDetail("connector", cfg.Name)
	}
	return conn, nil
}

// CreateAll builds every configured connector, keyed by name. Failures are
// collected; connectors that could be built are still returned.
func (r *Registry) CreateAll(cfgs []config.ConnectorConfig, deps core.Dependencies) (map[string]core.Connector, error) {
	out := make(map[string]core.Connector, len(cfgs))
	var result *multierror.Error
	for _, cfg := range cfgs {
		if _, dup := out[cfg.Name]; dup {
			result = multierror.Append(result, errors.New(errors.ErrorTypeConfig,
				fmt.Sprintf("duplicate connector name %s", cfg.Name)))
			continue
		}
		conn, err := r.Create(cfg, deps)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out[cfg.Name] = conn
	}
	return out, result.ErrorOrNil()
}

// ValidateAll builds and closes every configured connector, reporting all
// configuration problems at once.
func (r *Registry) ValidateAll(ctx context.Context, cfgs []config.ConnectorConfig, deps core.Dependencies) error {
	conns, err := r.CreateAll(cfgs, deps)
	for _, c := range conns {
		_ = c.Close(ctx)
	}
	return err
}
