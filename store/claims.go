package store

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/dagflow/workflow"
)

// MarkDispatched transitions a task pending → dispatched and assigns its
// dispatch sequence number. Returns ErrConflict if the task is no longer
// pending (another orchestrator replica won the race).
func (s *Store) MarkDispatched(ctx context.Context, workflowID, taskID string) (uint64, error) {
	var seq uint64
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if t.Status != workflow.TaskPending {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrConflict)
		}
		doc.DispatchSeq++
		seq = doc.DispatchSeq
		t.Status = workflow.TaskDispatched
		t.DispatchSeq = seq
		t.LastUpdateAt = s.now().UTC()
		return nil
	})
	return seq, err
}

// Claim atomically transitions dispatched → in_progress and records a
// lease. Returns ErrConflict when the task is not dispatched or a live
// claim exists.
func (s *Store) Claim(ctx context.Context, workflowID, taskID, executorID string, lease time.Duration) (string, error) {
	token := workflow.NewID()
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		now := s.now().UTC()
		if t.Status != workflow.TaskDispatched || t.ClaimActive(now) {
			return fmt.Errorf("task %s is %s: %w", taskID, t.Status, ErrConflict)
		}
		expires := now.Add(lease)
		t.Status = workflow.TaskInProgress
		t.ClaimToken = token
		t.ClaimedBy = executorID
		t.ClaimExpiresAt = &expires
		t.LastUpdateAt = now
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Renew extends a live claim's lease. The heartbeat races the reaper;
// whoever writes first wins and the loser observes the outcome.
func (s *Store) Renew(ctx context.Context, workflowID, taskID, token string, lease time.Duration) error {
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		now := s.now().UTC()
		if t.Status != workflow.TaskInProgress || t.ClaimToken != token || !t.ClaimActive(now) {
			return fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
		}
		expires := now.Add(lease)
		t.ClaimExpiresAt = &expires
		t.LastUpdateAt = now
		return nil
	})
	return err
}

// Report records the raw executor outcome, guarded by the claim token.
// The task moves to succeeded or failed per the outcome and the claim is
// cleared. At most one Report per claim ever succeeds; all others get
// ErrStaleClaim.
func (s *Store) Report(ctx context.Context, workflowID, taskID, token string, res *workflow.RawResult) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	_, err := s.mutate(ctx, workflowID, func(doc *document) error {
		t, ok := doc.Tasks[taskID]
		if !ok {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		now := s.now().UTC()
		if t.Status != workflow.TaskInProgress || t.ClaimToken != token || !t.ClaimActive(now) {
			return fmt.Errorf("task %s: %w", taskID, ErrStaleClaim)
		}
		t.Result = res
		if res.Outcome == workflow.OutcomeOK {
			t.Status = workflow.TaskSucceeded
		} else {
			t.Status = workflow.TaskFailed
		}
		t.ClaimToken = ""
		t.ClaimedBy = ""
		t.ClaimExpiresAt = nil
		t.LastUpdateAt = now
		return nil
	})
	return err
}

// RedispatchStalled finds dispatched tasks that no executor claimed
// within staleAfter of their last update. The envelope was evidently
// lost, so each task is returned for republish with its last_update_at
// bumped, bounding resends to one per interval. Status and retries are
// untouched since no execution attempt happened.
func (s *Store) RedispatchStalled(ctx context.Context, now time.Time, staleAfter time.Duration) ([]ReadyTask, error) {
	ids, err := s.ListActiveWorkflowIDs(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-staleAfter)

	var stalled []ReadyTask
	for _, id := range ids {
		var touched []string
		doc, err := s.mutate(ctx, id, func(doc *document) error {
			touched = touched[:0] // closure may rerun on a lost CAS
			for _, t := range doc.Tasks {
				if t.Status != workflow.TaskDispatched {
					continue
				}
				if t.LastUpdateAt.After(cutoff) {
					continue
				}
				t.LastUpdateAt = s.now().UTC()
				touched = append(touched, t.ID)
			}
			if len(touched) == 0 {
				return ErrConflict // nothing stalled in this workflow
			}
			return nil
		})
		if err != nil {
			continue
		}
		for _, taskID := range touched {
			stalled = append(stalled, ReadyTask{WorkflowID: id, Task: doc.Tasks[taskID]})
		}
	}
	return stalled, nil
}

// ReapedTask describes one task recovered from an expired claim.
type ReapedTask struct {
	WorkflowID string
	Task       *workflow.Task
	// Failed is true when the retry budget was exhausted and the task
	// moved to failed instead of back to dispatched.
	Failed bool
}

// ReapExpired finds in_progress tasks whose lease expired at or before
// now and recovers them: back to dispatched with retries incremented, or
// to failed once retries reach maxRetries. The conditional predicate on
// the expiry makes the race against Renew safe.
func (s *Store) ReapExpired(ctx context.Context, now time.Time, maxRetries int) ([]ReapedTask, error) {
	ids, err := s.ListActiveWorkflowIDs(ctx)
	if err != nil {
		return nil, err
	}

	var reaped []ReapedTask
	for _, id := range ids {
		var touched []string
		doc, err := s.mutate(ctx, id, func(doc *document) error {
			touched = touched[:0] // closure may rerun on a lost CAS
			for _, t := range doc.Tasks {
				if t.Status != workflow.TaskInProgress {
					continue
				}
				if t.ClaimExpiresAt == nil || t.ClaimExpiresAt.After(now) {
					continue
				}
				executor := t.ClaimedBy
				t.ClaimToken = ""
				t.ClaimedBy = ""
				t.ClaimExpiresAt = nil
				t.LastUpdateAt = s.now().UTC()
				if t.Retries >= maxRetries {
					t.Status = workflow.TaskFailed
					t.Result = &workflow.RawResult{
						Outcome: workflow.OutcomeError,
						Error: &workflow.TaskError{
							Type:    "ClaimExpired",
							Message: fmt.Sprintf("claim by %s expired after %d retries", executor, t.Retries),
						},
						ExecutorID: executor,
					}
				} else {
					t.Status = workflow.TaskDispatched
					t.Retries++
				}
				touched = append(touched, t.ID)
			}
			if len(touched) == 0 {
				return ErrConflict // nothing to reap in this workflow
			}
			return nil
		})
		if err != nil {
			continue
		}
		for _, taskID := range touched {
			t := doc.Tasks[taskID]
			reaped = append(reaped, ReapedTask{
				WorkflowID: id,
				Task:       t,
				Failed:     t.Status == workflow.TaskFailed,
			})
		}
	}
	return reaped, nil
}
