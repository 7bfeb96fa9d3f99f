// Package config provides the configuration system for opsflow.
// It defines a single PipelineConfig structure loaded at process start and
// handed to every component that needs settings.
//
// The configuration is organized into logical sections:
//   - Logging: zap level, encoding and outputs
//   - Database / Mongo: persistence for staging, warehouse and run state
//   - Staging: store backend and ingestion alert threshold
//   - Retry / Batch: run retry ceiling, backoff and batch sizing
//   - Scheduler / Queue: trigger evaluation and task transport
//   - Archive: where the cleanup job writes purged events
//   - Connectors: one entry per external data source
//
// Example usage:
//
//	cfg, err := config.Load("opsflow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// PipelineConfig is the root configuration document.
type PipelineConfig struct {
	// Name identifies this deployment in logs and metrics
	Name string `yaml:"name" json:"name"`

	Logging    LoggingConfig     `yaml:"logging" json:"logging"`
	Database   DatabaseConfig    `yaml:"database" json:"database"`
	Mongo      MongoConfig       `yaml:"mongo" json:"mongo"`
	Staging    StagingConfig     `yaml:"staging" json:"staging"`
	Retry      RetryConfig       `yaml:"retry" json:"retry"`
	Batch      BatchConfig       `yaml:"batch" json:"batch"`
	Scheduler  SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Queue      QueueConfig       `yaml:"queue" json:"queue"`
	Archive    ArchiveConfig     `yaml:"archive" json:"archive"`
	Metrics    MetricsConfig     `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing" json:"tracing"`
	Connectors []ConnectorConfig `yaml:"connectors" json:"connectors"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level       string   `yaml:"level" json:"level"`
	Development bool     `yaml:"development" json:"development"`
	Encoding    string   `yaml:"encoding" json:"encoding"`
	OutputPaths []string `yaml:"output_paths" json:"output_paths"`
}

// DatabaseConfig selects the relational store used by gorm-backed repositories.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres, mysql
	Driver       string        `yaml:"driver" json:"driver"`
	DSN          string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_life" json:"conn_max_life"`
	AutoMigrate  bool          `yaml:"auto_migrate" json:"auto_migrate"`
}

// MongoConfig is used when staging documents live in MongoDB.
type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	Database string `yaml:"database" json:"database"`
}

// StagingConfig controls the staging store and ingestion alerts.
type StagingConfig struct {
	// Backend is one of memory, gorm, mongo
	Backend string `yaml:"backend" json:"backend"`
	// ErrorRateThreshold raises a high severity alert when exceeded by a batch
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	// DedupKeys maps a source tag to the payload fields forming its dedup key
	DedupKeys map[string][]string `yaml:"dedup_keys" json:"dedup_keys"`
	// RetentionDays is how long processed events are kept before cleanup
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
}

// RetryConfig is shared by connector requests and run level retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// BatchConfig sizes units of work handed to workers.
type BatchConfig struct {
	Size    int `yaml:"size" json:"size"`
	Workers int `yaml:"workers" json:"workers"`
}

// SchedulerConfig controls schedule evaluation.
type SchedulerConfig struct {
	Tick       time.Duration `yaml:"tick" json:"tick"`
	TriggerTTL time.Duration `yaml:"trigger_ttl" json:"trigger_ttl"`
	// JobsFile optionally points at a YAML list of job definitions
	JobsFile string `yaml:"jobs_file" json:"jobs_file"`
}

// QueueConfig selects the task queue implementation.
type QueueConfig struct {
	// Backend is memory or kafka
	Backend  string   `yaml:"backend" json:"backend"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	Topic    string   `yaml:"topic" json:"topic"`
	Group    string   `yaml:"group" json:"group"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	Capacity int      `yaml:"capacity" json:"capacity"`
}

// ArchiveConfig selects where cleanup archives purged events.
type ArchiveConfig struct {
	// Backend is file, s3, gcs, or empty or none to purge without archiving
	Backend  string `yaml:"backend" json:"backend"`
	Path     string `yaml:"path" json:"path"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// TracingConfig controls the otel exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Default returns a configuration with production-ready values that work
// well for a single-node deployment backed by SQLite.
func Default() *PipelineConfig {
	return &PipelineConfig{
		Name: "opsflow",
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "opsflow.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			ConnMaxLife:  time.Hour,
			AutoMigrate:  true,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "opsflow",
		},
		Staging: StagingConfig{
			Backend:            "memory",
			ErrorRateThreshold: 0.10,
			RetentionDays:      30,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Minute,
			Multiplier:  2.0,
			Jitter:      0.1,
		},
		Batch: BatchConfig{
			Size:    500,
			Workers: 4,
		},
		Scheduler: SchedulerConfig{
			Tick:       15 * time.Second,
			TriggerTTL: 60 * time.Second,
		},
		Queue: QueueConfig{
			Backend:  "memory",
			Topic:    "opsflow.tasks",
			Group:    "opsflow-workers",
			ClientID: "opsflow",
			Capacity: 256,
		},
		Metrics: MetricsConfig{Address: ":9090"},
		Tracing: TracingConfig{ServiceName: "opsflow", SampleRate: 1.0},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
func (c *PipelineConfig) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql, got %q", c.Database.Driver)
	}
	switch c.Staging.Backend {
	case "memory", "gorm", "mongo":
	default:
		return fmt.Errorf("staging.backend must be memory, gorm or mongo, got %q", c.Staging.Backend)
	}
	if c.Staging.ErrorRateThreshold < 0 || c.Staging.ErrorRateThreshold > 1 {
		return fmt.Errorf("staging.error_rate_threshold must be within [0,1]")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts cannot be negative")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be positive")
	}
	switch c.Queue.Backend {
	case "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			return fmt.Errorf("queue.brokers is required for the kafka backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or kafka, got %q", c.Queue.Backend)
	}
	switch c.Archive.Backend {
	case "", "none", "file":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the %s backend", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("archive.backend must be file, s3 or gcs, got %q", c.Archive.Backend)
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if cc.Name == "" {
			return fmt.Errorf("connectors[%d].name is required", i)
		}
		if seen[cc.Name] {
			return fmt.Errorf("duplicate connector name %q", cc.Name)
		}
		seen[cc.Name] = true
		if cc.Type == "" {
			return fmt.Errorf("connector %q: type is required", cc.Name)
		}
		if cc.RateLimitPerMinute < 0 {
			return fmt.Errorf("connector %q: rate_limit_per_minute cannot be negative", cc.Name)
		}
	}
	return nil
}

// Connector returns the connector entry with the given name.
func (c *PipelineConfig) Connector(name string) (*ConnectorConfig, bool) {
	for i := range c.Connectors {
		if c.Connectors[i].Name == name {
			return &c.Connectors[i], true
		}
	}
	return nil, false
}
