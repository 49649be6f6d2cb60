package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/c360studio/dagflow/planner"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// supervisePass recovers expired claims, reacts to evaluated failures,
// and finalizes finished workflows.
func (o *Orchestrator) supervisePass(ctx context.Context) error {
	o.reap(ctx)

	ids, err := o.store.ListActiveWorkflowIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.superviseWorkflow(ctx, id); err != nil {
			o.logger.Error("supervision failed", "workflow_id", id, "error", err)
		}
	}
	return nil
}

// reap recovers tasks with expired claims and resends envelopes for
// dispatched tasks no executor claimed. A task flipped back to
// dispatched gets its envelope republished; one that exhausted its
// retries gets a synthetic result envelope so the evaluator scores the
// expiry like any other failure.
func (o *Orchestrator) reap(ctx context.Context) {
	reaped, err := o.store.ReapExpired(ctx, o.now(), o.maxRetries)
	if err != nil {
		o.logger.Error("reap failed", "error", err)
		return
	}
	for _, r := range reaped {
		o.metrics.observeReap(r.Failed)
		o.logger.Warn("claim expired",
			"workflow_id", r.WorkflowID, "task_id", r.Task.ID,
			"retries", r.Task.Retries, "failed", r.Failed)
		if r.Failed {
			o.resendResult(ctx, r.WorkflowID, r.Task)
			continue
		}
		if err := o.publishDispatch(ctx, r.Task, r.Task.DispatchSeq); err != nil {
			o.logger.Error("redispatch publish failed",
				"workflow_id", r.WorkflowID, "task_id", r.Task.ID, "error", err)
		}
	}

	// A dispatched task nothing claimed means the envelope was lost, a
	// publish failed, or no executor serves the type yet. Resend.
	stalled, err := o.store.RedispatchStalled(ctx, o.now(), dispatchResendAfter)
	if err != nil {
		o.logger.Error("stalled dispatch scan failed", "error", err)
		return
	}
	for _, s := range stalled {
		o.logger.Warn("dispatch stalled, resending envelope",
			"workflow_id", s.WorkflowID, "task_id", s.Task.ID)
		if err := o.publishDispatch(ctx, s.Task, s.Task.DispatchSeq); err != nil {
			o.logger.Error("stalled redispatch publish failed",
				"workflow_id", s.WorkflowID, "task_id", s.Task.ID, "error", err)
		}
	}
}

func (o *Orchestrator) superviseWorkflow(ctx context.Context, id string) error {
	wf, tasks, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if wf.FinalStatus.Terminal() {
		return nil
	}

	byID := make(map[string]*workflow.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	allTerminal := len(tasks) > 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			allTerminal = false
		}
		switch {
		case t.Status == workflow.TaskFailed && t.EvaluatedAt != nil:
			// One correction per pass; the next pass sees the new shape.
			return o.correct(ctx, wf, t, byID)
		case reportedButUnevaluated(t) && o.now().Sub(t.LastUpdateAt) > resultResendAfter:
			// The executor's result publish was lost. The store row has
			// everything needed to rebuild the envelope.
			o.resendResult(ctx, id, t)
		}
	}

	if allTerminal {
		final, err := o.store.FinalizeWorkflow(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrWorkflowTerminal) {
				return nil
			}
			return fmt.Errorf("finalize: %w", err)
		}
		o.metrics.observeFinalize(string(final.FinalStatus))
		o.logger.Info("workflow finalized",
			"workflow_id", id, "final_status", final.FinalStatus,
			"total_reward", final.TotalReward)
		o.writeCancelledExperiences(ctx, id, tasks)
	}
	return nil
}

func reportedButUnevaluated(t *workflow.Task) bool {
	if t.EvaluatedAt != nil || t.Result == nil {
		return false
	}
	return t.Status == workflow.TaskSucceeded || t.Status == workflow.TaskFailed
}

// correct handles one evaluated failure: give up when the correction
// budget is spent or the failure repeats its parent's signature,
// otherwise ask the oracle for a fix and splice it in.
func (o *Orchestrator) correct(ctx context.Context, wf *workflow.Workflow, failed *workflow.Task, byID map[string]*workflow.Task) error {
	log := o.logger.With("workflow_id", wf.ID, "task_id", failed.ID)

	if failed.CorrectionGeneration >= o.maxCorrectionDepth {
		log.Warn("correction depth exhausted",
			"correction_generation", failed.CorrectionGeneration)
		return o.failWorkflow(ctx, wf.ID,
			fmt.Sprintf("correction depth %d exhausted at task %s", failed.CorrectionGeneration, failed.ID))
	}
	if parent := byID[failed.ParentTaskID]; parent != nil && failureSignature(parent) == failureSignature(failed) {
		log.Warn("failure repeats its parent, refusing further correction")
		return o.failWorkflow(ctx, wf.ID,
			fmt.Sprintf("task %s repeated its parent's failure", failed.ID))
	}

	corr, err := o.oracle.PlanCorrection(ctx, planner.CorrectionContext{
		Workflow:  wf,
		Failed:    failed,
		Feedback:  failed.Feedback,
		Succeeded: succeededPredecessors(failed, byID),
	})
	if err != nil {
		log.Error("correction planning failed", "error", err)
		return o.failWorkflow(ctx, wf.ID, "correction planning failed: "+err.Error())
	}
	corrective, retry, err := planner.MaterializeCorrection(corr)
	if err != nil {
		log.Error("correction rejected", "error", err)
		return o.failWorkflow(ctx, wf.ID, "correction rejected: "+err.Error())
	}
	// The retry re-attempts the failed work; a correction that swaps in
	// different work is not a retry.
	if retry.ExecutorType != failed.ExecutorType {
		log.Error("correction retry changes executor type",
			"failed_type", failed.ExecutorType, "retry_type", retry.ExecutorType)
		return o.failWorkflow(ctx, wf.ID, fmt.Sprintf(
			"correction retry type %s does not match failed task type %s",
			retry.ExecutorType, failed.ExecutorType))
	}
	for _, t := range append(append([]*workflow.Task{}, corrective...), retry) {
		if !o.knownTypes[t.ExecutorType] {
			log.Error("correction uses unknown executor type", "executor_type", t.ExecutorType)
			return o.failWorkflow(ctx, wf.ID, "correction uses unknown executor type "+t.ExecutorType)
		}
	}

	err = o.store.Surgery(ctx, wf.ID, failed.ID, corrective, retry)
	switch {
	case err == nil:
		o.metrics.observeCorrection()
		log.Info("correction spliced",
			"corrective_tasks", len(corrective), "retry_task_id", retry.ID,
			"correction_generation", failed.CorrectionGeneration+1)
		return nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrWorkflowTerminal):
		// Another replica corrected or closed the workflow first.
		return nil
	default:
		log.Error("surgery failed", "error", err)
		return o.failWorkflow(ctx, wf.ID, "surgery failed: "+err.Error())
	}
}

// failWorkflow closes a workflow as failed and records experiences for
// the tasks it cancelled.
func (o *Orchestrator) failWorkflow(ctx context.Context, id, reason string) error {
	if err := o.store.FailWorkflow(ctx, id, reason); err != nil {
		if errors.Is(err, store.ErrWorkflowTerminal) {
			return nil
		}
		return fmt.Errorf("fail workflow %s: %w", id, err)
	}
	o.metrics.observeFinalize(string(workflow.WorkflowFailed))
	_, tasks, err := o.store.GetWorkflow(ctx, id)
	if err == nil {
		o.writeCancelledExperiences(ctx, id, tasks)
	}
	return nil
}

// writeCancelledExperiences appends zero-reward experience records for
// tasks that were cancelled without ever being evaluated, so the
// experience stream accounts for every task the workflow ended with.
func (o *Orchestrator) writeCancelledExperiences(ctx context.Context, id string, tasks []*workflow.Task) {
	for _, t := range tasks {
		if t.Status != workflow.TaskCancelled || t.EvaluatedAt != nil {
			continue
		}
		exp := &workflow.Experience{
			WorkflowID: id,
			TaskID:     t.ID,
			StateSnapshot: map[string]any{
				"description":   t.Description,
				"executor_type": t.ExecutorType,
				"parameters":    t.Parameters,
				"retries":       t.Retries,
			},
			ActionSnapshot: map[string]any{
				"outcome": "cancelled",
			},
			Reward: 0,
		}
		if err := o.store.WriteExperience(ctx, exp); err != nil {
			o.logger.Error("experience write failed",
				"workflow_id", id, "task_id", t.ID, "error", err)
		}
	}
}

// resendResult rebuilds and publishes a result envelope from the stored
// raw result.
func (o *Orchestrator) resendResult(ctx context.Context, workflowID string, t *workflow.Task) {
	if t.Result == nil {
		return
	}
	env := &workflow.ResultEnvelope{
		TaskID:       t.ID,
		WorkflowID:   workflowID,
		ExecutorType: t.ExecutorType,
		Outcome:      t.Result.Outcome,
		Data:         t.Result.Data,
		Error:        t.Result.Error,
		ExecutorID:   t.Result.ExecutorID,
		DurationMS:   t.Result.DurationMS,
	}
	if err := o.fabric.PublishResult(ctx, env); err != nil {
		o.logger.Error("result resend failed",
			"workflow_id", workflowID, "task_id", t.ID, "error", err)
	}
}

// succeededPredecessors collects the failed task's succeeded upstream
// tasks, transitively, ordered by task_order.
func succeededPredecessors(failed *workflow.Task, byID map[string]*workflow.Task) []*workflow.Task {
	seen := make(map[string]bool)
	var out []*workflow.Task
	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			t := byID[id]
			if t == nil {
				continue
			}
			if t.Status == workflow.TaskSucceeded {
				out = append(out, t)
			}
			walk(t.DependsOn)
		}
	}
	walk(failed.DependsOn)
	sort.Slice(out, func(i, j int) bool { return out[i].TaskOrder < out[j].TaskOrder })
	return out
}

// failureSignature fingerprints a failure: what ran, with what
// parameters, failing how. Two identical signatures in a parent-child
// chain mean correction is not converging.
func failureSignature(t *workflow.Task) string {
	h := sha256.New()
	h.Write([]byte(t.ExecutorType))
	h.Write([]byte{0})
	if params, err := json.Marshal(t.Parameters); err == nil {
		h.Write(params)
	}
	h.Write([]byte{0})
	if t.Result != nil && t.Result.Error != nil {
		h.Write([]byte(t.Result.Error.Type))
	}
	return hex.EncodeToString(h.Sum(nil))
}
