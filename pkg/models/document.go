// Package models defines the persisted entities of the opsflow pipeline:
// staging records, job definitions, run records, checkpoints and data
// source descriptors. The types carry gorm and json tags so the same
// structs serve the relational repositories, the mongo staging store and
// the task queue envelopes.
package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/ajitpratap0/opsflow/pkg/json"
)

// Document is an arbitrary structured payload stored as a JSON column.
type Document map[string]interface{}

// Value implements the driver.Valuer interface, converting the Document to a JSON string.
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]interface{}(d))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface, converting a JSON string to a Document.
func (d *Document) Scan(value interface{}) error {
	b, err := scanBytes(value, "Document")
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*d = make(Document)
		return nil
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("failed to unmarshal Document JSON: %w", err)
	}
	*d = m
	return nil
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with every key of other applied on top.
func (d Document) Merge(other Document) Document {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Severity classifies a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// FieldError is one field level validation finding.
type FieldError struct {
	Field    string      `json:"field" bson:"field"`
	Rule     string      `json:"rule" bson:"rule"`
	Message  string      `json:"message" bson:"message"`
	Severity Severity    `json:"severity" bson:"severity"`
	Value    interface{} `json:"value,omitempty" bson:"value,omitempty"`
}

// Key identifies the finding for frequency statistics.
func (e FieldError) Key() string {
	if e.Field == "" {
		return e.Rule
	}
	return e.Field + ":" + e.Rule
}

// FieldErrors is a JSON column holding validation findings.
type FieldErrors []FieldError

// Value implements the driver.Valuer interface.
func (fe FieldErrors) Value() (driver.Value, error) {
	if fe == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]FieldError(fe))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface.
func (fe *FieldErrors) Scan(value interface{}) error {
	b, err := scanBytes(value, "FieldErrors")
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*fe = FieldErrors{}
		return nil
	}
	var out []FieldError
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("failed to unmarshal FieldErrors JSON: %w", err)
	}
	*fe = out
	return nil
}

// StringList is a JSON column holding a list of strings.
type StringList []string

// Value implements the driver.Valuer interface.
func (sl StringList) Value() (driver.Value, error) {
	if sl == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(sl))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface.
func (sl *StringList) Scan(value interface{}) error {
	b, err := scanBytes(value, "StringList")
	if err != nil {
		return err
	}
	if len(b) == 0 {
		*sl = StringList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("failed to unmarshal StringList JSON: %w", err)
	}
	*sl = out
	return nil
}

func scanBytes(value interface{}, typeName string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported Scan type for %s: %T", typeName, value)
	}
}
