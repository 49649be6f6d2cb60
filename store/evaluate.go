package store

import (
	"context"
	"fmt"

	"github.com/c360studio/dagflow/workflow"
)

// Evaluation is the scored outcome the evaluator persists for one task.
type Evaluation struct {
	// Status is the final verdict: succeeded, or failed when the raw
	// outcome was an error or validation rejected an ok outcome.
	Status   workflow.TaskStatus
	Reward   float64
	Feedback *workflow.Feedback
}

// Evaluate writes reward and feedback for a reported task, exactly once.
// The guard is the evaluated_at column: a second evaluation of the same
// task (replayed result delivery, competing evaluator replica) returns
// ErrConflict and changes nothing. The workflow's running total moves in
// the same transaction.
func (s *Store) Evaluate(ctx context.Context, workflowID, taskID string, ev Evaluation) error {
	if ev.Status != workflow.TaskSucceeded && ev.Status != workflow.TaskFailed {
		return fmt.Errorf("evaluation status must be succeeded or failed, got %s", ev.Status)
	}
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if t.EvaluatedAt != nil {
			return fmt.Errorf("task %s already evaluated: %w", taskID, ErrConflict)
		}
		if t.Status != workflow.TaskSucceeded && t.Status != workflow.TaskFailed {
			return fmt.Errorf("task %s is %s, not reported: %w", taskID, t.Status, ErrConflict)
		}
		// Validation may flip a reported success to failed, never the
		// reverse: a handler that failed cannot be scored as a success.
		if t.Status == workflow.TaskFailed && ev.Status == workflow.TaskSucceeded {
			return fmt.Errorf("task %s: cannot evaluate failed report as success: %w", taskID, ErrInvariantViolation)
		}
		now := s.now().UTC()
		t.Status = ev.Status
		t.Reward = ev.Reward
		t.Feedback = ev.Feedback
		t.EvaluatedAt = &now
		t.LastUpdateAt = now
		doc.Workflow.TotalReward += ev.Reward
		return nil
	})
	return err
}
