package models

import "time"

// ValidationStatus is the pipeline position of a staged record.
type ValidationStatus string

const (
	StatusPending  ValidationStatus = "pending"
	StatusValid    ValidationStatus = "valid"
	StatusInvalid  ValidationStatus = "invalid"
	StatusEnriched ValidationStatus = "enriched"
)

// CanTransition reports whether a record may move from s to next.
// Records only move forward: pending to valid or invalid, valid to enriched.
func (s ValidationStatus) CanTransition(next ValidationStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusValid || next == StatusInvalid
	case StatusValid:
		return next == StatusEnriched
	default:
		return false
	}
}

// RawEvent is one ingested record before it is fully processed.
type RawEvent struct {
	IngestID         string           `gorm:"column:ingest_id;primaryKey;size:255" json:"ingest_id" bson:"_id"`
	Source           string           `gorm:"column:source;index:idx_raw_events_source_status;size:100;not null" json:"source" bson:"source"`
	BatchID          string           `gorm:"column:batch_id;index;size:64" json:"batch_id" bson:"batch_id"`
	BranchID         string           `gorm:"column:branch_id;size:64" json:"branch_id,omitempty" bson:"branch_id,omitempty"`
	RawPayload       Document         `gorm:"column:raw_payload;type:text" json:"raw_payload" bson:"raw_payload"`
	ValidationStatus ValidationStatus `gorm:"column:validation_status;index:idx_raw_events_source_status;size:16;not null" json:"validation_status" bson:"validation_status"`
	ValidationErrors FieldErrors      `gorm:"column:validation_errors;type:text" json:"validation_errors,omitempty" bson:"validation_errors,omitempty"`
	EnrichedData     Document         `gorm:"column:enriched_data;type:text" json:"enriched_data,omitempty" bson:"enriched_data,omitempty"`
	Processed        bool             `gorm:"column:processed;index;not null;default:false" json:"processed" bson:"processed"`
	ProcessedAt      *time.Time       `gorm:"column:processed_at" json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	ETLRunID         string           `gorm:"column:etl_run_id;size:64" json:"etl_run_id,omitempty" bson:"etl_run_id,omitempty"`
	RetryCount       int              `gorm:"column:retry_count;not null;default:0" json:"retry_count" bson:"retry_count"`
	LastError        string           `gorm:"column:last_error;type:text" json:"last_error,omitempty" bson:"last_error,omitempty"`
	IngestedAt       time.Time        `gorm:"column:ingested_at;index;not null" json:"ingested_at" bson:"ingested_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at" json:"updated_at" bson:"updated_at"`
}

// TableName overrides the gorm table name.
func (RawEvent) TableName() string { return "raw_events" }

// Merged returns the raw payload overlaid with enriched data, the document
// the warehouse aggregates over.
func (e *RawEvent) Merged() Document {
	if e.RawPayload == nil {
		return e.EnrichedData.Clone()
	}
	return e.RawPayload.Merge(e.EnrichedData)
}

// ErrorType classifies quarantined records.
type ErrorType string

const (
	ErrorTypeIngestion  ErrorType = "ingestion"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeProcessing ErrorType = "processing"
)

// RawError is a quarantined record that failed ingestion, validation or
// processing.
type RawError struct {
	ID              string      `gorm:"column:id;primaryKey;size:64" json:"id" bson:"_id"`
	IngestID        string      `gorm:"column:ingest_id;index;size:255" json:"ingest_id,omitempty" bson:"ingest_id,omitempty"`
	Source          string      `gorm:"column:source;index;size:100;not null" json:"source" bson:"source"`
	BatchID         string      `gorm:"column:batch_id;index;size:64" json:"batch_id" bson:"batch_id"`
	ErrorType       ErrorType   `gorm:"column:error_type;index;size:16;not null" json:"error_type" bson:"error_type"`
	ErrorMessage    string      `gorm:"column:error_message;type:text" json:"error_message" bson:"error_message"`
	Errors          FieldErrors `gorm:"column:errors;type:text" json:"errors,omitempty" bson:"errors,omitempty"`
	OriginalPayload Document    `gorm:"column:original_payload;type:text" json:"original_payload" bson:"original_payload"`
	Resolved        bool        `gorm:"column:resolved;index;not null;default:false" json:"resolved" bson:"resolved"`
	ResolvedAt      *time.Time  `gorm:"column:resolved_at" json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	ResolutionNotes string      `gorm:"column:resolution_notes;type:text" json:"resolution_notes,omitempty" bson:"resolution_notes,omitempty"`
	CreatedAt       time.Time   `gorm:"column:created_at;index" json:"created_at" bson:"created_at"`
}

// TableName overrides the gorm table name.
func (RawError) TableName() string { return "raw_errors" }
