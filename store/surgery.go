package store

import (
	"context"
	"fmt"

	"github.com/c360studio/dagflow/workflow"
)

// Surgery splices a correction into a running DAG in one transaction:
//
//	(a) the failed task is verified to be failed,
//	(b) the corrective tasks are inserted one correction generation
//	    deeper, parented to the failure,
//	(c) the retry task is inserted depending on the corrective sub-DAG's
//	    sink nodes,
//	(d) every task that depended on the failure is rewired to the retry,
//	(e) the failure is paused for audit,
//	(f) acyclicity is re-verified on the post-image before commit.
//
// Because the whole workflow lives in one document, observers see either
// the pre-image or the post-image, never a partially wired graph.
func (s *Store) Surgery(ctx context.Context, workflowID, failedTaskID string, corrective []*workflow.Task, retry *workflow.Task) error {
	if retry == nil {
		return fmt.Errorf("retry task is required")
	}
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		if doc.Workflow.FinalStatus.Terminal() {
			return ErrWorkflowTerminal
		}
		failed, ok := doc.Tasks[failedTaskID]
		if !ok {
			return fmt.Errorf("task %s: %w", failedTaskID, ErrNotFound)
		}
		if failed.Status != workflow.TaskFailed {
			return fmt.Errorf("task %s is %s, not failed: %w", failedTaskID, failed.Status, ErrConflict)
		}

		now := s.now().UTC()
		generation := failed.CorrectionGeneration + 1
		maxOrder := 0
		for _, t := range doc.Tasks {
			if t.TaskOrder > maxOrder {
				maxOrder = t.TaskOrder
			}
		}

		// Insert the corrective sub-DAG. IDs are assigned here so the
		// caller's local-index dependencies are already resolved to
		// concrete IDs by the planner layer.
		inserted := make(map[string]bool, len(corrective)+1)
		for i, t := range corrective {
			if t.ID == "" {
				t.ID = workflow.NewID()
			}
			t.WorkflowID = workflowID
			t.Status = workflow.TaskPending
			t.CorrectionGeneration = generation
			t.ParentTaskID = failedTaskID
			t.TaskOrder = maxOrder + 1 + i
			t.CreatedAt = now
			t.LastUpdateAt = now
			if err := t.Validate(); err != nil {
				return fmt.Errorf("%w: corrective task: %v", ErrInvariantViolation, err)
			}
			if _, dup := doc.Tasks[t.ID]; dup || inserted[t.ID] {
				return fmt.Errorf("%w: duplicate corrective task %s", ErrInvariantViolation, t.ID)
			}
			inserted[t.ID] = true
		}
		for _, t := range corrective {
			for _, dep := range t.DependsOn {
				if dep == failedTaskID {
					return fmt.Errorf("%w: corrective task %s depends on the paused failure", ErrInvariantViolation, t.ID)
				}
				if !inserted[dep] && doc.Tasks[dep] == nil {
					return fmt.Errorf("%w: corrective task %s references %s", ErrDanglingDependency, t.ID, dep)
				}
			}
		}

		// The retry depends on the corrective sub-DAG's sinks; with no
		// corrective tasks it simply replaces the failure.
		correctiveGraph, err := workflow.NewDependencyGraph(corrective)
		if err != nil {
			return fmt.Errorf("%w: corrective sub-DAG: %v", ErrCycleDetected, err)
		}
		if retry.ID == "" {
			retry.ID = workflow.NewID()
		}
		retry.WorkflowID = workflowID
		retry.Status = workflow.TaskPending
		retry.CorrectionGeneration = generation
		retry.ParentTaskID = failedTaskID
		retry.Retries = failed.Retries + 1
		retry.TaskOrder = maxOrder + 1 + len(corrective)
		retry.DependsOn = correctiveGraph.Sinks()
		retry.CreatedAt = now
		retry.LastUpdateAt = now
		if err := retry.Validate(); err != nil {
			return fmt.Errorf("%w: retry task: %v", ErrInvariantViolation, err)
		}
		if _, dup := doc.Tasks[retry.ID]; dup || inserted[retry.ID] {
			return fmt.Errorf("%w: duplicate retry task %s", ErrInvariantViolation, retry.ID)
		}

		// Rewire downstream dependants from the failure to the retry.
		for _, t := range doc.Tasks {
			for i, dep := range t.DependsOn {
				if dep == failedTaskID {
					t.DependsOn[i] = retry.ID
					t.LastUpdateAt = now
				}
			}
		}

		for _, t := range corrective {
			doc.Tasks[t.ID] = t
		}
		doc.Tasks[retry.ID] = retry
		failed.Status = workflow.TaskPaused
		failed.LastUpdateAt = now

		if _, err := doc.activeGraph(); err != nil {
			return fmt.Errorf("%w: post-surgery graph: %v", ErrCycleDetected, err)
		}
		return nil
	})
	return err
}
