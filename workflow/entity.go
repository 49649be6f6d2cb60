// Package workflow defines the domain model for dagflow: workflows, the
// tasks that form their DAGs, the task status machine, and the wire
// envelopes exchanged over the message fabric.
package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowSucceeded  WorkflowStatus = "succeeded"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is terminal.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed || s == WorkflowCancelled
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskInProgress TaskStatus = "in_progress"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskPaused     TaskStatus = "paused"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the task status is terminal. Paused counts:
// a paused task is kept for audit and never runs again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskPaused:
		return true
	}
	return false
}

// Active reports whether the task still participates in scheduling.
func (s TaskStatus) Active() bool {
	switch s {
	case TaskPending, TaskDispatched, TaskInProgress:
		return true
	}
	return false
}

// Executor type tags routed over the fabric. Custom tags are allowed;
// these are the ones with built-in handlers and validators.
const (
	TypeCodeExecutor = "code_executor"
	TypeFileWriter   = "file_writer"
	TypeAPICaller    = "api_caller"
	TypeGeneric      = "generic"
)

// NewID returns a fresh 128-bit identifier in string form.
func NewID() string {
	return uuid.New().String()
}

// Workflow is one user request and the root of a task DAG.
type Workflow struct {
	ID          string         `json:"workflow_id"`
	Prompt      string         `json:"prompt"`
	CreatedAt   time.Time      `json:"created_at"`
	FinalStatus WorkflowStatus `json:"final_status"`
	TotalReward float64        `json:"total_reward"`
}

// Task is a node in a workflow DAG.
type Task struct {
	ID           string         `json:"task_id"`
	WorkflowID   string         `json:"workflow_id"`
	Description  string         `json:"description"`
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       TaskStatus     `json:"status"`

	// DependsOn lists task IDs within the same workflow that must succeed
	// before this task becomes ready.
	DependsOn []string `json:"dependencies,omitempty"`

	// TaskOrder is the topological index assigned at planning time.
	TaskOrder int `json:"task_order"`

	// CorrectionGeneration is 0 for the original plan and increments for
	// each nested correction splice.
	CorrectionGeneration int `json:"correction_generation"`

	// ParentTaskID points at the paused failure this task corrects or
	// retries. Empty for original-plan tasks.
	ParentTaskID string `json:"parent_task_id,omitempty"`

	Retries int     `json:"retries"`
	Reward  float64 `json:"reward"`

	// Feedback is written by the evaluator when the task is scored.
	Feedback *Feedback `json:"feedback_notes,omitempty"`

	// Result is the raw executor outcome recorded at report time.
	Result *RawResult `json:"result,omitempty"`

	// Claim protocol fields. A task is in_progress iff ClaimToken is set
	// and ClaimExpiresAt is in the future.
	ClaimToken     string     `json:"claim_token,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`

	// DispatchSeq is the fabric idempotency key assigned when the task is
	// marked dispatched. Zero until first dispatch.
	DispatchSeq uint64 `json:"dispatch_seq,omitempty"`

	// EvaluatedAt is set exactly once, when the evaluator scores the task.
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// RawResult is the executor-reported outcome before evaluation.
type RawResult struct {
	Outcome    string         `json:"outcome"` // "ok" or "error"
	Data       map[string]any `json:"data,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`
	ExecutorID string         `json:"executor_id"`
	DurationMS int64          `json:"duration_ms"`
}

// TaskError is the structured error captured from a handler failure.
type TaskError struct {
	Type    string `json:"error_type"`
	Message string `json:"error_message"`
	Context string `json:"traceback,omitempty"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Feedback is the structured evaluation outcome persisted per task.
type Feedback struct {
	Status       string         `json:"status"` // "success" or "failed"
	Notes        string         `json:"notes,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Traceback    string         `json:"traceback,omitempty"`
	Validator    string         `json:"validator,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	LimitSeconds float64        `json:"limit_seconds,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Experience is an append-only record of one terminal task, written for
// downstream policy learning.
type Experience struct {
	ID             string         `json:"experience_id"`
	WorkflowID     string         `json:"workflow_id"`
	TaskID         string         `json:"task_id"`
	StateSnapshot  map[string]any `json:"state_snapshot"`
	ActionSnapshot map[string]any `json:"action_snapshot"`
	Reward         float64        `json:"reward"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// Validate checks the structural fields a task must carry before insert.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task_id is required")
	}
	if t.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if t.Description == "" {
		return fmt.Errorf("description is required")
	}
	if t.ExecutorType == "" {
		return fmt.Errorf("executor_type is required")
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
	}
	return nil
}

// ClaimActive reports whether the task carries a live claim at now.
func (t *Task) ClaimActive(now time.Time) bool {
	return t.ClaimToken != "" && t.ClaimExpiresAt != nil && t.ClaimExpiresAt.After(now)
}
