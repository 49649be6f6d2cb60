package store

import (
	"context"
	"fmt"

	"github.com/c360studio/dagflow/workflow"
)

// FinalizeWorkflow computes the final status and total reward once every
// task is terminal. The total is recomputed from task rewards so the
// finalized value is exactly their sum regardless of how the running
// total was maintained.
func (s *Store) FinalizeWorkflow(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	doc, err := s.mutate(ctx, workflowID, func(doc *document) error {
		if doc.Workflow.FinalStatus.Terminal() {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowTerminal)
		}
		anyFailed := false
		total := 0.0
		for _, t := range doc.Tasks {
			if !t.Status.Terminal() {
				return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, ErrConflict)
			}
			total += t.Reward
			if t.Status == workflow.TaskFailed {
				anyFailed = true
			}
		}
		if anyFailed {
			doc.Workflow.FinalStatus = workflow.WorkflowFailed
		} else {
			doc.Workflow.FinalStatus = workflow.WorkflowSucceeded
		}
		doc.Workflow.TotalReward = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	wf := doc.Workflow
	return &wf, nil
}

// FailWorkflow marks a workflow failed: planning failure, correction
// exhaustion, invariant violation. Remaining schedulable tasks are
// cancelled so the workflow satisfies the terminal-state invariant;
// in-flight claims are left to expire since their reports will be stale
// against cancelled tasks.
func (s *Store) FailWorkflow(ctx context.Context, workflowID, reason string) error {
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		if doc.Workflow.FinalStatus.Terminal() {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowTerminal)
		}
		now := s.now().UTC()
		for _, t := range doc.Tasks {
			if t.Status.Active() {
				t.Status = workflow.TaskCancelled
				t.ClaimToken = ""
				t.ClaimedBy = ""
				t.ClaimExpiresAt = nil
				t.LastUpdateAt = now
			}
		}
		doc.Workflow.FinalStatus = workflow.WorkflowFailed
		total := 0.0
		for _, t := range doc.Tasks {
			total += t.Reward
		}
		doc.Workflow.TotalReward = total
		s.logger.Info("workflow failed", "workflow_id", workflowID, "reason", reason)
		return nil
	})
	return err
}

// CancelWorkflow cancels a workflow on explicit request. Every
// non-terminal task moves to cancelled; paused audit tasks are kept.
func (s *Store) CancelWorkflow(ctx context.Context, workflowID string) error {
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		if doc.Workflow.FinalStatus.Terminal() {
			return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowTerminal)
		}
		now := s.now().UTC()
		for _, t := range doc.Tasks {
			if t.Status.Active() {
				t.Status = workflow.TaskCancelled
				t.ClaimToken = ""
				t.ClaimedBy = ""
				t.ClaimExpiresAt = nil
				t.LastUpdateAt = now
			}
		}
		doc.Workflow.FinalStatus = workflow.WorkflowCancelled
		return nil
	})
	return err
}
