package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// dispatchPass moves one batch of ready tasks onto the fabric. The
// pending → dispatched transition is the race arbiter: a replica that
// loses it simply skips the task.
func (o *Orchestrator) dispatchPass(ctx context.Context) error {
	ready, err := o.store.ReadyTasks(ctx, o.dispatchBatch)
	if err != nil {
		return fmt.Errorf("ready tasks: %w", err)
	}
	for _, r := range ready {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq, err := o.store.MarkDispatched(ctx, r.WorkflowID, r.Task.ID)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			o.logger.Warn("mark dispatched failed",
				"workflow_id", r.WorkflowID, "task_id", r.Task.ID, "error", err)
			continue
		}
		if err := o.publishDispatch(ctx, r.Task, seq); err != nil {
			// The envelope is lost for now; the stalled-dispatch sweep
			// resends it once no claim arrives.
			o.logger.Error("dispatch publish failed",
				"workflow_id", r.WorkflowID, "task_id", r.Task.ID, "error", err)
			continue
		}
		o.metrics.observeDispatch()
		o.logger.Debug("task dispatched",
			"workflow_id", r.WorkflowID, "task_id", r.Task.ID,
			"executor_type", r.Task.ExecutorType, "dispatch_seq", seq)
	}
	return nil
}

// publishDispatch builds and publishes the envelope for a task.
func (o *Orchestrator) publishDispatch(ctx context.Context, t *workflow.Task, seq uint64) error {
	return o.fabric.PublishDispatch(ctx, &workflow.DispatchEnvelope{
		TaskID:       t.ID,
		WorkflowID:   t.WorkflowID,
		ExecutorType: t.ExecutorType,
		Parameters:   t.Parameters,
		Capabilities: taskCapabilities(t),
		DispatchSeq:  seq,
	})
}

// taskCapabilities reads the optional capability tags a task declares in
// its parameters.
func taskCapabilities(t *workflow.Task) []string {
	raw, ok := t.Parameters["capabilities"].([]any)
	if !ok {
		return nil
	}
	caps := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			caps = append(caps, s)
		}
	}
	return caps
}
