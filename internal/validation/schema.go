package validation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ajitpratap0/opsflow/pkg/errors"
	"github.com/ajitpratap0/opsflow/pkg/models"
)

// SchemaField describes one expected document field.
type SchemaField struct {
	Name     string    `mapstructure:"name" yaml:"name" json:"name"`
	Type     FieldType `mapstructure:"type" yaml:"type" json:"type"`
	Required bool      `mapstructure:"required" yaml:"required" json:"required"`
	Nullable bool      `mapstructure:"nullable" yaml:"nullable" json:"nullable"`
}

// Schema is the document shape registered for a source. Fields starting
// with an underscore are lineage metadata and never count as additional.
type Schema struct {
	Fields          []SchemaField `mapstructure:"fields" yaml:"fields" json:"fields"`
	AllowAdditional bool          `mapstructure:"allow_additional" yaml:"allow_additional" json:"allow_additional"`
}

// SchemaRegistry holds at most one schema per source.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*Schema)}
}

// Register installs s for source, replacing any earlier schema.
func (r *SchemaRegistry) Register(source string, s Schema) error {
	cp := s
	cp.Fields = append([]SchemaField(nil), s.Fields...)
	seen := make(map[string]bool, len(cp.Fields))
	for i, f := range cp.Fields {
		if f.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "schema %s: field %d has no name", source, i)
		}
		if seen[f.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "schema %s: duplicate field %s", source, f.Name)
		}
		seen[f.Name] = true
		if f.Type == "" {
			cp.Fields[i].Type = TypeAny
		}
	}

	r.mu.Lock()
	r.schemas[source] = &cp
	r.mu.Unlock()
	return nil
}

// Get returns the schema for source.
func (r *SchemaRegistry) Get(source string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[source]
	return s, ok
}

// Check validates doc against s. Findings are ordered by declared field,
// then by unexpected field name.
func (s *Schema) Check(doc map[string]interface{}) []models.FieldError {
	var out []models.FieldError
	known := make(map[string]bool, len(s.Fields))

	for _, f := range s.Fields {
		known[f.Name] = true
		v, present := doc[f.Name]
		switch {
		case !present:
			if f.Required {
				out = append(out, schemaFinding(f.Name, "schema_required", fmt.Sprintf("required field %s is missing", f.Name), nil))
			}
		case v == nil:
			if !f.Nullable {
				out = append(out, schemaFinding(f.Name, "schema_null", fmt.Sprintf("field %s must not be null", f.Name), nil))
			}
		case !hasType(v, f.Type):
			out = append(out, schemaFinding(f.Name, "schema_type", fmt.Sprintf("field %s must be of type %s", f.Name, f.Type), v))
		}
	}

	if s.AllowAdditional {
		return out
	}
	var extra []string
	for k := range doc {
		if !known[k] && !strings.HasPrefix(k, "_") {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, schemaFinding(k, "schema_additional", fmt.Sprintf("field %s is not allowed", k), nil))
	}
	return out
}

func schemaFinding(field, rule, msg string, v interface{}) models.FieldError {
	return models.FieldError{Field: field, Rule: rule, Message: msg, Severity: models.SeverityError, Value: v}
}
