package workflow

import (
	"encoding/json"
	"fmt"
)

// Outcome values carried by result envelopes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DispatchEnvelope is the in-flight message that routes a task to a
// capable executor. It carries no authoritative state; the store is the
// source of truth and DispatchSeq/TaskID are the dedup keys.
type DispatchEnvelope struct {
	TaskID       string         `json:"task_id"`
	WorkflowID   string         `json:"workflow_id"`
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters"`
	Capabilities []string       `json:"capabilities"`
	DispatchSeq  uint64         `json:"dispatch_seq"`
}

// Validate checks the envelope before publish or after decode.
func (e *DispatchEnvelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if e.ExecutorType == "" {
		return fmt.Errorf("executor_type is required")
	}
	return nil
}

// ResultEnvelope is the in-flight message an executor publishes after a
// report. Exactly one of Data or Error is set, matching Outcome.
type ResultEnvelope struct {
	TaskID       string         `json:"task_id"`
	WorkflowID   string         `json:"workflow_id"`
	ExecutorType string         `json:"executor_type"`
	Outcome      string         `json:"outcome"`
	Data         map[string]any `json:"data,omitempty"`
	Error        *TaskError     `json:"error,omitempty"`
	ExecutorID   string         `json:"executor_id"`
	DurationMS   int64          `json:"duration_ms"`
}

// Validate checks the envelope before publish or after decode.
func (e *ResultEnvelope) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if e.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if e.ExecutorType == "" {
		return fmt.Errorf("executor_type is required")
	}
	switch e.Outcome {
	case OutcomeOK:
		if e.Error != nil {
			return fmt.Errorf("ok outcome must not carry an error")
		}
	case OutcomeError:
		if e.Error == nil {
			return fmt.Errorf("error outcome requires an error")
		}
	default:
		return fmt.Errorf("outcome must be %q or %q, got %q", OutcomeOK, OutcomeError, e.Outcome)
	}
	return nil
}

// EncodeEnvelope marshals an envelope as compact JSON for the fabric.
func EncodeEnvelope(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope unmarshals fabric bytes into the given envelope and
// validates it.
func DecodeEnvelope[T interface{ Validate() error }](data []byte, v T) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	return v.Validate()
}
