package models

import "time"

// JobType selects the executor that runs a job.
type JobType string

const (
	JobTypeIngestion      JobType = "ingestion"
	JobTypeValidation     JobType = "validation"
	JobTypeTransformation JobType = "transformation"
	JobTypeAggregation    JobType = "aggregation"
	JobTypeCleanup        JobType = "cleanup"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeIngestion, JobTypeValidation, JobTypeTransformation, JobTypeAggregation, JobTypeCleanup:
		return true
	}
	return false
}

// ScheduleConfig describes when the scheduler should trigger a job.
type ScheduleConfig struct {
	Enabled bool `gorm:"column:enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// IntervalSeconds is the nominal period between runs
	IntervalSeconds int `gorm:"column:interval_seconds" json:"interval_seconds" yaml:"interval_seconds" mapstructure:"interval_seconds"`
	// MinIntervalSeconds suppresses a trigger when the job last ran more
	// recently than this
	MinIntervalSeconds int `gorm:"column:min_interval_seconds" json:"min_interval_seconds" yaml:"min_interval_seconds" mapstructure:"min_interval_seconds"`
}

// ETLJob is the static definition of a pipeline unit.
type ETLJob struct {
	ID              string         `gorm:"column:id;primaryKey;size:64" json:"id" yaml:"id"`
	Name            string         `gorm:"column:name;uniqueIndex;size:255;not null" json:"name" yaml:"name"`
	JobType         JobType        `gorm:"column:job_type;index;size:32;not null" json:"job_type" yaml:"job_type"`
	Schedule        ScheduleConfig `gorm:"embedded;embeddedPrefix:schedule_" json:"schedule" yaml:"schedule"`
	SourceConfig    Document       `gorm:"column:source_config;type:text" json:"source_config,omitempty" yaml:"source_config"`
	TargetConfig    Document       `gorm:"column:target_config;type:text" json:"target_config,omitempty" yaml:"target_config"`
	TransformConfig Document       `gorm:"column:transform_config;type:text" json:"transform_config,omitempty" yaml:"transform_config"`
	Active          bool           `gorm:"column:active;not null;default:true" json:"active" yaml:"active"`
	// DependsOn lists ids of same-type jobs that must not form a cycle
	DependsOn  StringList `gorm:"column:depends_on;type:text" json:"depends_on,omitempty" yaml:"depends_on"`
	MaxRetries int        `gorm:"column:max_retries;not null;default:3" json:"max_retries" yaml:"max_retries"`
	BatchSize  int        `gorm:"column:batch_size" json:"batch_size,omitempty" yaml:"batch_size"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at" yaml:"-"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at" yaml:"-"`
}

// TableName overrides the gorm table name.
func (ETLJob) TableName() string { return "etl_jobs" }

// RunStatus is the state of an ETLRun.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunRetrying  RunStatus = "retrying"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed || s == RunCancelled
}

// RowCounters are the per-run row totals.
type RowCounters struct {
	Processed int64 `gorm:"column:processed" json:"processed"`
	Inserted  int64 `gorm:"column:inserted" json:"inserted"`
	Updated   int64 `gorm:"column:updated" json:"updated"`
	Failed    int64 `gorm:"column:failed" json:"failed"`
	Skipped   int64 `gorm:"column:skipped" json:"skipped"`
}

// Add accumulates other into c.
func (c *RowCounters) Add(other RowCounters) {
	c.Processed += other.Processed
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Failed += other.Failed
	c.Skipped += other.Skipped
}

// ETLRun is one execution of an ETLJob.
type ETLRun struct {
	ID          string     `gorm:"column:id;primaryKey;size:64" json:"id"`
	JobID       string     `gorm:"column:job_id;index;size:64;not null" json:"job_id"`
	JobType     JobType    `gorm:"column:job_type;size:32" json:"job_type"`
	Status      RunStatus  `gorm:"column:status;index;size:16;not null" json:"status"`
	Attempt     int        `gorm:"column:attempt;not null;default:0" json:"attempt"`
	TriggeredBy string     `gorm:"column:triggered_by;size:128" json:"triggered_by,omitempty"`
	QueuedAt    time.Time  `gorm:"column:queued_at" json:"queued_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	NextRetryAt *time.Time `gorm:"column:next_retry_at" json:"next_retry_at,omitempty"`
	DurationMs  int64      `gorm:"column:duration_ms" json:"duration_ms"`

	Rows             RowCounters `gorm:"embedded;embeddedPrefix:rows_" json:"rows"`
	ValidationErrors int64       `gorm:"column:validation_errors" json:"validation_errors"`

	ConfigSnapshot   Document   `gorm:"column:config_snapshot;type:text" json:"config_snapshot,omitempty"`
	CheckpointBefore Document   `gorm:"column:checkpoint_before;type:text" json:"checkpoint_before,omitempty"`
	CheckpointAfter  Document   `gorm:"column:checkpoint_after;type:text" json:"checkpoint_after,omitempty"`
	ErrorMessage     string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	SampleErrors     StringList `gorm:"column:sample_errors;type:text" json:"sample_errors,omitempty"`
	CancelRequested  bool       `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
}

// TableName overrides the gorm table name.
func (ETLRun) TableName() string { return "etl_runs" }

// Duration returns the recorded run duration.
func (r *ETLRun) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// CheckpointType describes how a checkpoint value is ordered.
type CheckpointType string

const (
	CheckpointTimestamp CheckpointType = "timestamp"
	CheckpointCursor    CheckpointType = "cursor"
	CheckpointBatch     CheckpointType = "batch"
	CheckpointSequence  CheckpointType = "sequence"
)

// Checkpoint is the per (job, source) cursor for incremental extraction.
type Checkpoint struct {
	JobID           string         `gorm:"column:job_id;primaryKey;size:64" json:"job_id"`
	Source          string         `gorm:"column:source;primaryKey;size:100" json:"source"`
	CheckpointType  CheckpointType `gorm:"column:checkpoint_type;size:16;not null" json:"checkpoint_type"`
	CheckpointValue string         `gorm:"column:checkpoint_value;size:512" json:"checkpoint_value"`
	RowsProcessed   int64          `gorm:"column:rows_processed" json:"rows_processed"`
	Active          bool           `gorm:"column:active;not null;default:true" json:"active"`
	RunID           string         `gorm:"column:run_id;size:64" json:"run_id"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the gorm table name.
func (Checkpoint) TableName() string { return "etl_checkpoints" }

// ConnectionStatus is the rolled-up health of a data source.
type ConnectionStatus string

const (
	ConnectionHealthy   ConnectionStatus = "healthy"
	ConnectionDegraded  ConnectionStatus = "degraded"
	ConnectionUnhealthy ConnectionStatus = "unhealthy"
	ConnectionUnknown   ConnectionStatus = "unknown"
)

// DataSource is the configuration and rolling health of an external system.
type DataSource struct {
	Name               string           `gorm:"column:name;primaryKey;size:100" json:"name"`
	Type               string           `gorm:"column:type;size:32;not null" json:"type"`
	ConnectionParams   Document         `gorm:"column:connection_params;type:text" json:"connection_params,omitempty"`
	AuthType           string           `gorm:"column:auth_type;size:32" json:"auth_type"`
	RateLimitPerMinute int              `gorm:"column:rate_limit_per_minute" json:"rate_limit_per_minute"`
	SuccessRate        float64          `gorm:"column:success_rate" json:"success_rate"`
	AvgResponseTimeMs  float64          `gorm:"column:avg_response_time_ms" json:"avg_response_time_ms"`
	ConnectionStatus   ConnectionStatus `gorm:"column:connection_status;size:16" json:"connection_status"`
	LastCheckedAt      *time.Time       `gorm:"column:last_checked_at" json:"last_checked_at,omitempty"`
	UpdatedAt          time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

// TableName overrides the gorm table name.
func (DataSource) TableName() string { return "data_sources" }
