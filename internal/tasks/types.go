// Package tasks defines the operation set, the task envelope exchanged over
// the broker channel, and the result records written to the backend channel.
package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/tickerpipe/internal/dataset"
)

// Name identifies a declared operation. Unknown names are rejected at
// enqueue time.
type Name string

const (
	TaskGetNewPricingData   Name = "get_new_pricing_data"
	TaskHandlePricingUpdate Name = "handle_pricing_update_task"
	TaskPrepareDataset      Name = "prepare_pricing_dataset"
	TaskPublishS3ToRedis    Name = "publish_from_s3_to_redis"
	TaskPublishUpdate       Name = "publish_pricing_update"
	TaskScreenerAnalysis    Name = "task_screener_analysis"
	TaskPublishAggregate    Name = "publish_ticker_aggregate_from_s3"
	TaskRunAlgo             Name = "task_run_algo"
)

// All returns the declared operation set in a stable order.
func All() []Name {
	return []Name{
		TaskGetNewPricingData,
		TaskHandlePricingUpdate,
		TaskPrepareDataset,
		TaskPublishS3ToRedis,
		TaskPublishUpdate,
		TaskScreenerAnalysis,
		TaskPublishAggregate,
		TaskRunAlgo,
	}
}

// Valid reports whether name is in the declared operation set.
func Valid(name Name) bool {
	for _, n := range All() {
		if n == name {
			return true
		}
	}
	return false
}

// GetTaskDescription returns a human-readable description for an operation
func GetTaskDescription(name Name) string {
	descriptions := map[Name]string{
		TaskGetNewPricingData:   "Fetching new pricing data",
		TaskHandlePricingUpdate: "Distributing a pricing update",
		TaskPrepareDataset:      "Preparing analysis-ready dataset",
		TaskPublishS3ToRedis:    "Restoring cache from durable storage",
		TaskPublishUpdate:       "Publishing pricing snapshot",
		TaskScreenerAnalysis:    "Screening ticker universe",
		TaskPublishAggregate:    "Compiling ticker aggregate",
		TaskRunAlgo:             "Running trading algorithm",
	}

	if desc, exists := descriptions[name]; exists {
		return desc
	}

	// Fallback to the operation name
	return string(name)
}

// Payload carries operation-specific parameters. Values survive a JSON
// round trip over the broker, so numbers arrive as float64 and row slices
// as generic maps.
type Payload map[string]interface{}

// String returns the named value as a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the named value as an int, accepting the float64 form JSON
// decoding produces.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Float returns the named value as a float64.
func (p Payload) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// StringSlice returns the named value as a slice of strings.
func (p Payload) StringSlice(key string) ([]string, bool) {
	switch v := p[key].(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// Rows decodes the named value as pricing rows.
func (p Payload) Rows(key string) ([]dataset.Row, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	return dataset.RowsFromAny(v)
}

// Has reports whether the key is present with a non-nil value.
func (p Payload) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Envelope is the serializable unit of work carried by the broker channel.
type Envelope struct {
	TaskName   Name      `json:"task_name"`
	TaskID     string    `json:"task_id"`
	Payload    Payload   `json:"payload"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// NewEnvelope builds an envelope with a fresh task id.
func NewEnvelope(name Name, payload Payload) Envelope {
	return Envelope{
		TaskName:   name,
		TaskID:     uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Marshal renders the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a wire envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode task envelope: %w", err)
	}
	return &env, nil
}

// Status is the terminal disposition of a task attempt.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusRetrying Status = "retrying"
)

// TaskError is the serializable form of a classified pipeline error.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ResultRecord is the durable record of a task attempt's outcome, keyed by
// task id on the backend channel. Written exactly once per terminal attempt.
type ResultRecord struct {
	TaskID      string                 `json:"task_id"`
	TaskName    Name                   `json:"task_name"`
	Status      Status                 `json:"status"`
	ResultRef   *dataset.Key           `json:"result_ref,omitempty"`
	Error       *TaskError             `json:"error,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Marshal renders the record for the backend channel.
func (r *ResultRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalResult decodes a backend channel record.
func UnmarshalResult(data []byte) (*ResultRecord, error) {
	var rec ResultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode result record: %w", err)
	}
	return &rec, nil
}
