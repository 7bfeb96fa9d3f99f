// Package core defines the contract every opsflow connector implements and
// the record shape connectors hand to the pipeline.
package core

import (
	"context"
	"net/http"
	"time"

	"github.com/ajitpratap0/opsflow/pkg/clients"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/metrics"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"go.uber.org/zap"
)

// Connector types registered by the sources package.
const (
	TypeREST     = "rest"
	TypeDatabase = "database"
	TypeMongoDB  = "mongodb"
	TypeFile     = "file"
)

// Lineage keys stamped into every extracted record.
const (
	LineageSource      = "_source"
	LineageExtractedAt = "_extracted_at"
)

// Record is one extracted row or document.
type Record struct {
	Data     map[string]interface{}
	Metadata RecordMetadata
}

// RecordMetadata carries lineage for a record.
type RecordMetadata struct {
	Source        string
	Connector     string
	ConnectorType string
	ExtractedAt   time.Time
	// Position is the page or offset the record came from
	Position string
}

// QueryParams narrows an extraction.
type QueryParams struct {
	// Checkpoint is the last committed checkpoint value, interpreted
	// according to the connector's CheckpointType
	Checkpoint string
	// Since restricts extraction to records changed after this instant when
	// the connector has an incremental field
	Since *time.Time
	// Limit caps the number of records returned; zero means no cap
	Limit int
	// Filters are equality filters merged with configured filters
	Filters map[string]interface{}
}

// Page is one ordered unit of extraction.
type Page struct {
	// Number counts pages from zero within one extraction
	Number  int
	Records []Record
	// Checkpoint is the position to resume from once this page and every
	// page before it has been staged; empty when the connector cannot
	// checkpoint
	Checkpoint string
}

// PageFunc consumes a page. Returning an error stops extraction.
type PageFunc func(ctx context.Context, page Page) error

// ValidationResult reports config problems found by ValidateConfig.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalid appends a problem and marks the result invalid.
func (v *ValidationResult) Invalid(msg string) {
	v.Valid = false
	v.Errors = append(v.Errors, msg)
}

// HealthStatus is the rolled up health of a connector.
type HealthStatus struct {
	Status          models.ConnectionStatus `json:"status"`
	SuccessRate     float64                 `json:"success_rate"`
	AvgResponseTime time.Duration           `json:"avg_response_time"`
	Timestamp       time.Time               `json:"timestamp"`
	Details         map[string]interface{}  `json:"details,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// Connector is the uniform extraction contract.
type Connector interface {
	Name() string
	Type() string
	// Source returns the tag stamped on extracted records
	Source() string
	// CheckpointType describes how Page.Checkpoint values order
	CheckpointType() models.CheckpointType

	// Extract returns every record matching params
	Extract(ctx context.Context, params QueryParams) ([]Record, error)
	// ExtractPages delivers records page by page, in order
	ExtractPages(ctx context.Context, params QueryParams, fn PageFunc) error

	ValidateConfig() ValidationResult
	HealthCheck(ctx context.Context) HealthStatus
	Close(ctx context.Context) error
}

// Dependencies are the shared collaborators handed to connector factories.
type Dependencies struct {
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	HTTPClient *clients.HTTPClient
	// Now and Sleep default to the real clock
	Now   func() time.Time
	Sleep clients.SleepFunc
}

// WithDefaults fills unset dependencies.
func (d Dependencies) WithDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HTTPClient == nil {
		d.HTTPClient = clients.NewHTTPClient(nil, d.Logger)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = clients.SleepContext
	}
	return d
}

// StandardHTTP returns the *http.Client used for token requests.
func (d Dependencies) StandardHTTP() *http.Client {
	if d.HTTPClient == nil {
		return http.DefaultClient
	}
	return d.HTTPClient.Standard()
}

// Factory constructs a connector from configuration.
type Factory func(cfg config.ConnectorConfig, deps Dependencies) (Connector, error)
