package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ConnectorConfig describes one external data source.
type ConnectorConfig struct {
	// Name identifies the connector instance and doubles as the source tag
	Name string `yaml:"name" json:"name"`
	// Type selects the registered constructor (rest, database, mongodb, file)
	Type string `yaml:"type" json:"type"`
	// Source overrides the source tag stamped on records; defaults to Name
	Source             string      `yaml:"source" json:"source"`
	Auth               AuthConfig  `yaml:"auth" json:"auth"`
	RateLimitPerMinute int         `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	Retry              RetryConfig `yaml:"retry" json:"retry"`
	// Params holds type specific settings decoded with Decode
	Params map[string]interface{} `yaml:"params" json:"params"`
}

// SourceTag returns the tag stamped on records extracted by this connector.
func (c *ConnectorConfig) SourceTag() string {
	if c.Source != "" {
		return c.Source
	}
	return c.Name
}

// AuthConfig holds credentials for every supported auth type. Only the
// fields relevant to Type are read.
type AuthConfig struct {
	// Type is one of none, api_key, bearer, basic, oauth2
	Type string `yaml:"type" json:"type" mapstructure:"type"`

	APIKey       string `yaml:"api_key" json:"api_key" mapstructure:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header" mapstructure:"api_key_header"`
	// APIKeyParam sends the key as a query parameter instead of a header
	APIKeyParam string `yaml:"api_key_param" json:"api_key_param" mapstructure:"api_key_param"`

	Token string `yaml:"token" json:"token" mapstructure:"token"`

	Username string `yaml:"username" json:"username" mapstructure:"username"`
	Password string `yaml:"password" json:"password" mapstructure:"password"`

	TokenURL     string   `yaml:"token_url" json:"token_url" mapstructure:"token_url"`
	ClientID     string   `yaml:"client_id" json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `yaml:"scopes" json:"scopes" mapstructure:"scopes"`
}

// RESTSettings configures the REST connector.
type RESTSettings struct {
	BaseURL     string            `mapstructure:"base_url"`
	Endpoint    string            `mapstructure:"endpoint"`
	Headers     map[string]string `mapstructure:"headers"`
	QueryParams map[string]string `mapstructure:"query_params"`
	// DataPath is a dotted path to the record array; empty means the body
	// is the array or has a top level "data" array
	DataPath       string             `mapstructure:"data_path"`
	Pagination     PaginationSettings `mapstructure:"pagination"`
	SinceParam     string             `mapstructure:"since_param"`
	// IncrementalField names the record timestamp used as the checkpoint
	IncrementalField string `mapstructure:"incremental_field"`
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
}

// PaginationSettings configures how the REST connector walks pages.
type PaginationSettings struct {
	// Mode is one of none, page, offset, cursor
	Mode           string `mapstructure:"mode"`
	PageParam      string `mapstructure:"page_param"`
	SizeParam      string `mapstructure:"size_param"`
	OffsetParam    string `mapstructure:"offset_param"`
	CursorParam    string `mapstructure:"cursor_param"`
	PageSize       int    `mapstructure:"page_size"`
	StartPage      int    `mapstructure:"start_page"`
	NextCursorPath string `mapstructure:"next_cursor_path"`
	HasMorePath    string `mapstructure:"has_more_path"`
	TotalPagesPath string `mapstructure:"total_pages_path"`
	MaxPages       int    `mapstructure:"max_pages"`
}

// DatabaseSettings configures the relational connector.
type DatabaseSettings struct {
	// Driver is postgres or mysql
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Query is a parameterized statement; mutually exclusive with Table
	Query string        `mapstructure:"query"`
	Args  []interface{} `mapstructure:"args"`

	Table             string                 `mapstructure:"table"`
	Columns           []string               `mapstructure:"columns"`
	Filters           map[string]interface{} `mapstructure:"filters"`
	IncrementalColumn string                 `mapstructure:"incremental_column"`
	// IncrementalType is timestamp or sequence
	IncrementalType string `mapstructure:"incremental_type"`
	OrderBy         string `mapstructure:"order_by"`
	// Limit caps rows per extraction; PageSize sizes the pages handed on
	Limit    int `mapstructure:"limit"`
	PageSize int `mapstructure:"page_size"`
}

// MongoSettings configures the document database connector.
type MongoSettings struct {
	URI              string                 `mapstructure:"uri"`
	Database         string                 `mapstructure:"database"`
	Collection       string                 `mapstructure:"collection"`
	Filter           map[string]interface{} `mapstructure:"filter"`
	IncrementalField string                 `mapstructure:"incremental_field"`
	Projection       []string               `mapstructure:"projection"`
	BatchSize        int                    `mapstructure:"batch_size"`
}

// FileSettings configures the flat file connector.
type FileSettings struct {
	Path string `mapstructure:"path"`
	// Format is auto, csv, tsv, json or jsonl
	Format          string   `mapstructure:"format"`
	Encoding        string   `mapstructure:"encoding"`
	Delimiter       string   `mapstructure:"delimiter"`
	HasHeader       *bool    `mapstructure:"has_header"`
	SkipRows        int      `mapstructure:"skip_rows"`
	RequiredColumns []string `mapstructure:"required_columns"`
	InferTypes      bool     `mapstructure:"infer_types"`
	TrimSpaces      bool     `mapstructure:"trim_spaces"`
	PageSize        int      `mapstructure:"page_size"`
}

// Decode maps an untyped configuration blob onto out. Strings are coerced
// into numbers and booleans so values sourced from env substitution work.
func Decode(input map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}
