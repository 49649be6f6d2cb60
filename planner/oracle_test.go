package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/dagflow/workflow"
)

func TestMaterialize(t *testing.T) {
	t.Run("resolves backward indices to IDs", func(t *testing.T) {
		plan := &Plan{Tasks: []TaskSpec{
			{Description: "fetch", ExecutorType: workflow.TypeAPICaller},
			{Description: "save", ExecutorType: workflow.TypeFileWriter, DependsOn: []int{0}},
			{Description: "report", ExecutorType: workflow.TypeGeneric, DependsOn: []int{0, 1}},
		}}
		tasks, err := Materialize(plan)
		if err != nil {
			t.Fatalf("materialize: %v", err)
		}
		if len(tasks) != 3 {
			t.Fatalf("expected 3 tasks, got %d", len(tasks))
		}
		for i, task := range tasks {
			if task.ID == "" {
				t.Errorf("task %d has no ID", i)
			}
			if task.TaskOrder != i {
				t.Errorf("task %d: expected order %d, got %d", i, i, task.TaskOrder)
			}
		}
		if tasks[1].DependsOn[0] != tasks[0].ID {
			t.Errorf("expected save to depend on fetch")
		}
		if len(tasks[2].DependsOn) != 2 || tasks[2].DependsOn[1] != tasks[1].ID {
			t.Errorf("expected report to depend on fetch and save, got %v", tasks[2].DependsOn)
		}
	})

	t.Run("rejects forward and self indices", func(t *testing.T) {
		plan := &Plan{Tasks: []TaskSpec{
			{Description: "a", ExecutorType: workflow.TypeGeneric, DependsOn: []int{0}},
		}}
		if _, err := Materialize(plan); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan for self index, got %v", err)
		}

		plan = &Plan{Tasks: []TaskSpec{
			{Description: "a", ExecutorType: workflow.TypeGeneric, DependsOn: []int{1}},
			{Description: "b", ExecutorType: workflow.TypeGeneric},
		}}
		if _, err := Materialize(plan); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan for forward index, got %v", err)
		}
	})

	t.Run("rejects negative index", func(t *testing.T) {
		plan := &Plan{Tasks: []TaskSpec{
			{Description: "a", ExecutorType: workflow.TypeGeneric},
			{Description: "b", ExecutorType: workflow.TypeGeneric, DependsOn: []int{-1}},
		}}
		if _, err := Materialize(plan); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan, got %v", err)
		}
	})

	t.Run("rejects empty plan and missing fields", func(t *testing.T) {
		if _, err := Materialize(nil); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan for nil plan, got %v", err)
		}
		if _, err := Materialize(&Plan{}); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan for empty plan, got %v", err)
		}
		plan := &Plan{Tasks: []TaskSpec{{ExecutorType: workflow.TypeGeneric}}}
		if _, err := Materialize(plan); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan for missing description, got %v", err)
		}
	})
}

func TestMaterializeCorrection(t *testing.T) {
	t.Run("resolves corrective chain, retry left unwired", func(t *testing.T) {
		corr := &Correction{
			Corrective: []TaskSpec{
				{Description: "install dep", ExecutorType: workflow.TypeCodeExecutor},
				{Description: "verify dep", ExecutorType: workflow.TypeCodeExecutor, DependsOn: []int{0}},
			},
			Retry: TaskSpec{Description: "retry import", ExecutorType: workflow.TypeCodeExecutor},
		}
		corrective, retry, err := MaterializeCorrection(corr)
		if err != nil {
			t.Fatalf("materialize correction: %v", err)
		}
		if len(corrective) != 2 {
			t.Fatalf("expected 2 corrective tasks, got %d", len(corrective))
		}
		if corrective[1].DependsOn[0] != corrective[0].ID {
			t.Errorf("expected verify to depend on install")
		}
		if len(retry.DependsOn) != 0 {
			t.Errorf("expected retry without deps, got %v", retry.DependsOn)
		}
	})

	t.Run("rejects retry declaring dependencies", func(t *testing.T) {
		corr := &Correction{
			Corrective: []TaskSpec{{Description: "fix", ExecutorType: workflow.TypeGeneric}},
			Retry:      TaskSpec{Description: "retry", ExecutorType: workflow.TypeGeneric, DependsOn: []int{0}},
		}
		if _, _, err := MaterializeCorrection(corr); !errors.Is(err, ErrInvalidPlan) {
			t.Fatalf("expected ErrInvalidPlan, got %v", err)
		}
	})

	t.Run("correction with no corrective tasks is a bare retry", func(t *testing.T) {
		corr := &Correction{Retry: TaskSpec{Description: "just retry", ExecutorType: workflow.TypeGeneric}}
		corrective, retry, err := MaterializeCorrection(corr)
		if err != nil {
			t.Fatalf("materialize correction: %v", err)
		}
		if len(corrective) != 0 || retry == nil {
			t.Fatalf("expected bare retry, got %d corrective", len(corrective))
		}
	})
}

func TestScripted(t *testing.T) {
	ctx := context.Background()

	t.Run("plays queued plans in order, then unavailable", func(t *testing.T) {
		s := &Scripted{}
		s.QueuePlan(&Plan{Tasks: []TaskSpec{{Description: "one", ExecutorType: workflow.TypeGeneric}}})

		plan, err := s.PlanInitial(ctx, "p")
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if plan.Tasks[0].Description != "one" {
			t.Errorf("unexpected plan %+v", plan)
		}
		if _, err := s.PlanInitial(ctx, "p"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable on empty queue, got %v", err)
		}
	})

	t.Run("function override wins", func(t *testing.T) {
		s := &Scripted{
			PlanFunc: func(_ context.Context, prompt string) (*Plan, error) {
				return &Plan{Tasks: []TaskSpec{{Description: prompt, ExecutorType: workflow.TypeGeneric}}}, nil
			},
		}
		plan, err := s.PlanInitial(ctx, "echo me")
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		if plan.Tasks[0].Description != "echo me" {
			t.Errorf("unexpected plan %+v", plan)
		}
	})

	t.Run("queued corrections", func(t *testing.T) {
		s := &Scripted{}
		s.QueueCorrection(&Correction{Retry: TaskSpec{Description: "retry", ExecutorType: workflow.TypeGeneric}})

		corr, err := s.PlanCorrection(ctx, CorrectionContext{Failed: &workflow.Task{ID: "t1"}})
		if err != nil {
			t.Fatalf("correction: %v", err)
		}
		if corr.Retry.Description != "retry" {
			t.Errorf("unexpected correction %+v", corr)
		}
		if _, err := s.PlanCorrection(ctx, CorrectionContext{Failed: &workflow.Task{ID: "t1"}}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})
}
