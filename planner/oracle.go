// Package planner defines the planning oracle: the component that turns
// a workflow prompt into an executable task DAG and, after a failure,
// proposes a corrective sub-plan plus a retry. Implementations are
// fallible and slow; callers treat every method as a network call.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/dagflow/workflow"
)

// ErrUnavailable reports that the oracle could not produce a plan after
// exhausting retries. The caller decides workflow fate.
var ErrUnavailable = errors.New("planner unavailable")

// ErrInvalidPlan reports a structurally unusable plan: schema violation,
// bad dependency index, unknown executor type.
var ErrInvalidPlan = errors.New("invalid plan")

// TaskSpec is one planned task. Dependencies refer to earlier tasks in
// the same plan by zero-based index, so a plan is self-contained and
// trivially acyclic when every index points backwards.
type TaskSpec struct {
	Description  string         `json:"description"`
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	DependsOn    []int          `json:"depends_on,omitempty"`
}

// Plan is an ordered list of task specs forming a DAG.
type Plan struct {
	Tasks []TaskSpec `json:"tasks"`
}

// Correction is the oracle's answer to a failed task: zero or more
// corrective tasks to run first, then a revised retry of the failure.
type Correction struct {
	Corrective []TaskSpec `json:"corrective_tasks"`
	Retry      TaskSpec   `json:"retry_task"`
}

// CorrectionContext carries everything the oracle needs to diagnose a
// failure: the task as stored, its raw result, evaluator feedback, and
// the succeeded upstream tasks whose outputs the failure consumed.
type CorrectionContext struct {
	Workflow *workflow.Workflow
	Failed   *workflow.Task
	Feedback *workflow.Feedback
	// Succeeded holds the failed task's succeeded predecessors in
	// task_order.
	Succeeded []*workflow.Task
}

// Oracle produces plans. Implementations must be safe for concurrent use.
type Oracle interface {
	// PlanInitial turns a workflow prompt into an initial task DAG.
	PlanInitial(ctx context.Context, prompt string) (*Plan, error)

	// PlanCorrection proposes a corrective sub-plan and retry for a
	// failed task. Returning ErrUnavailable tells the caller to give up
	// on correction for this failure.
	PlanCorrection(ctx context.Context, cc CorrectionContext) (*Correction, error)
}

// Materialize resolves a plan's index dependencies into concrete tasks
// with assigned IDs, ready for insertion. Order in the plan becomes
// task_order.
func Materialize(p *Plan) ([]*workflow.Task, error) {
	if p == nil || len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%w: plan has no tasks", ErrInvalidPlan)
	}
	tasks := make([]*workflow.Task, len(p.Tasks))
	for i, spec := range p.Tasks {
		t, err := specToTask(spec, i)
		if err != nil {
			return nil, err
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("%w: task %d depends on index %d", ErrInvalidPlan, i, dep)
			}
			t.DependsOn = append(t.DependsOn, tasks[dep].ID)
		}
		tasks[i] = t
	}
	return tasks, nil
}

// MaterializeCorrection resolves a correction the same way. Corrective
// tasks may depend on each other by index; the retry's dependencies are
// assigned by the store during surgery, so indices on the retry spec are
// rejected.
func MaterializeCorrection(c *Correction) (corrective []*workflow.Task, retry *workflow.Task, err error) {
	if c == nil {
		return nil, nil, fmt.Errorf("%w: nil correction", ErrInvalidPlan)
	}
	corrective = make([]*workflow.Task, len(c.Corrective))
	for i, spec := range c.Corrective {
		t, err := specToTask(spec, i)
		if err != nil {
			return nil, nil, err
		}
		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= i {
				return nil, nil, fmt.Errorf("%w: corrective task %d depends on index %d", ErrInvalidPlan, i, dep)
			}
			t.DependsOn = append(t.DependsOn, corrective[dep].ID)
		}
		corrective[i] = t
	}
	if len(c.Retry.DependsOn) != 0 {
		return nil, nil, fmt.Errorf("%w: retry task may not declare dependencies", ErrInvalidPlan)
	}
	retry, err = specToTask(c.Retry, len(c.Corrective))
	if err != nil {
		return nil, nil, err
	}
	return corrective, retry, nil
}

func specToTask(spec TaskSpec, order int) (*workflow.Task, error) {
	if spec.Description == "" {
		return nil, fmt.Errorf("%w: task %d has no description", ErrInvalidPlan, order)
	}
	if spec.ExecutorType == "" {
		return nil, fmt.Errorf("%w: task %d has no executor type", ErrInvalidPlan, order)
	}
	return &workflow.Task{
		ID:           workflow.NewID(),
		Description:  spec.Description,
		ExecutorType: spec.ExecutorType,
		Parameters:   spec.Parameters,
		TaskOrder:    order,
	}, nil
}
