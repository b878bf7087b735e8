package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PipelineStep is one ordered step inside a campaign pipeline. The step id
// is unique within the pipeline; the type references a registered processor
// slug.
type PipelineStep struct {
	ID     string  `json:"id" yaml:"id"`
	Type   string  `json:"type" yaml:"type"`
	Config JSONMap `json:"config" yaml:"config"`
}

// PipelineConfig is the ordered processor list a campaign declares. A copy
// of it is frozen onto every DocumentJob at creation (the pipeline
// snapshot) so later campaign edits never mutate in-flight jobs.
type PipelineConfig struct {
	Processors []PipelineStep `json:"processors" yaml:"processors"`
}

// Value implements driver.Valuer.
func (p PipelineConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline config: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *PipelineConfig) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*p = PipelineConfig{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for pipeline config: %T", value)
	}
	return json.Unmarshal(data, p)
}

// HistoryEntry is one record in a document's processing history.
type HistoryEntry struct {
	StepID      string `json:"step_id"`
	Processor   string `json:"processor"`
	Status      string `json:"status"`
	CompletedAt string `json:"completed_at"`
}

// HistoryLog is a list of history entries persisted as JSON.
type HistoryLog []HistoryEntry

// Value implements driver.Valuer.
func (h HistoryLog) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history log: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (h *HistoryLog) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*h = HistoryLog{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for history log: %T", value)
	}
	return json.Unmarshal(data, h)
}

// ErrorEntry is one record in a job's error log.
type ErrorEntry struct {
	StepID     string `json:"step_id"`
	Attempt    int    `json:"attempt"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	OccurredAt string `json:"occurred_at"`
}

// ErrorLog is a list of error entries persisted as JSON.
type ErrorLog []ErrorEntry

// Value implements driver.Valuer.
func (e ErrorLog) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error log: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (e *ErrorLog) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*e = ErrorLog{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for error log: %T", value)
	}
	return json.Unmarshal(data, e)
}
