// Package sources registers the built-in source connectors.
package sources

import (
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/connector/registry"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources/database"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources/file"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources/mongodb"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources/rest"
)

// RegisterAll adds the rest, database, mongodb and file connectors to reg.
func RegisterAll(reg *registry.Registry) error {
	factories := map[string]core.Factory{
		core.TypeREST:     rest.New,
		core.TypeDatabase: database.New,
		core.TypeMongoDB:  mongodb.New,
		core.TypeFile:     file.New,
	}
	for name, f := range factories {
		if err := reg.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry with every built-in connector registered.
func NewRegistry(reg *registry.Registry) (*registry.Registry, error) {
	if reg == nil {
		reg = registry.NewRegistry(nil)
	}
	if err := RegisterAll(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
