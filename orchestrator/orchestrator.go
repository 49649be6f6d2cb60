// Package orchestrator drives workflows end to end: it admits new
// workflows through the planning oracle, dispatches ready tasks to the
// fabric, reaps expired claims, splices corrections into failed DAGs,
// and finalizes workflows once every task is terminal.
//
// Replicas are safe: every transition it performs is conditional in the
// store, and a lost race surfaces as ErrConflict and is skipped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/planner"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// resultResendAfter is how long a reported task may sit unevaluated
// before supervision republishes its result envelope.
const resultResendAfter = 30 * time.Second

// dispatchResendAfter is how long a dispatched task may sit unclaimed
// before the reap pass republishes its dispatch envelope.
const dispatchResendAfter = 30 * time.Second

// Orchestrator coordinates the dispatch and supervision loops.
type Orchestrator struct {
	store  *store.Store
	fabric *fabric.Fabric
	oracle planner.Oracle
	logger *slog.Logger

	pollingInterval    time.Duration
	dispatchBatch      int
	maxRetries         int
	maxCorrectionDepth int
	knownTypes         map[string]bool
	metrics            *Metrics
	now                func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPollingInterval sets the scheduling cadence.
func WithPollingInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollingInterval = d
		}
	}
}

// WithDispatchBatch sets the maximum tasks dispatched per pass.
func WithDispatchBatch(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.dispatchBatch = n
		}
	}
}

// WithMaxRetries sets the retry budget enforced by the reaper.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithMaxCorrectionDepth bounds correction generations per failure chain.
func WithMaxCorrectionDepth(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxCorrectionDepth = n
		}
	}
}

// WithKnownTypes sets the executor types accepted in oracle plans.
func WithKnownTypes(types []string) Option {
	return func(o *Orchestrator) {
		o.knownTypes = make(map[string]bool, len(types))
		for _, t := range types {
			o.knownTypes[t] = true
		}
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator.
func New(st *store.Store, fb *fabric.Fabric, oracle planner.Oracle, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:              st,
		fabric:             fb,
		oracle:             oracle,
		logger:             slog.Default(),
		pollingInterval:    200 * time.Millisecond,
		dispatchBatch:      32,
		maxRetries:         3,
		maxCorrectionDepth: 3,
		knownTypes: map[string]bool{
			workflow.TypeCodeExecutor: true,
			workflow.TypeFileWriter:   true,
			workflow.TypeAPICaller:    true,
			workflow.TypeGeneric:      true,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit admits one workflow: create the row, plan, insert the DAG.
// Planning failure leaves a failed workflow with no tasks and returns
// the planner error alongside the workflow.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (*workflow.Workflow, error) {
	wf, err := o.store.CreateWorkflow(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	log := o.logger.With("workflow_id", wf.ID)

	plan, err := o.oracle.PlanInitial(ctx, prompt)
	if err != nil {
		log.Error("initial planning failed", "error", err)
		if ferr := o.store.FailWorkflow(ctx, wf.ID, "planning failed: "+err.Error()); ferr != nil {
			log.Error("could not mark workflow failed", "error", ferr)
		}
		wf.FinalStatus = workflow.WorkflowFailed
		o.metrics.observeAdmission("plan_failed")
		return wf, fmt.Errorf("plan workflow %s: %w", wf.ID, err)
	}

	tasks, err := o.materializePlan(plan)
	if err != nil {
		log.Error("plan rejected", "error", err)
		if ferr := o.store.FailWorkflow(ctx, wf.ID, "plan rejected: "+err.Error()); ferr != nil {
			log.Error("could not mark workflow failed", "error", ferr)
		}
		wf.FinalStatus = workflow.WorkflowFailed
		o.metrics.observeAdmission("plan_rejected")
		return wf, fmt.Errorf("materialize plan for %s: %w", wf.ID, err)
	}

	if err := o.store.InsertTasks(ctx, wf.ID, tasks); err != nil {
		log.Error("task insert failed", "error", err)
		if ferr := o.store.FailWorkflow(ctx, wf.ID, "task insert failed: "+err.Error()); ferr != nil {
			log.Error("could not mark workflow failed", "error", ferr)
		}
		wf.FinalStatus = workflow.WorkflowFailed
		o.metrics.observeAdmission("insert_failed")
		return wf, fmt.Errorf("insert tasks for %s: %w", wf.ID, err)
	}

	log.Info("workflow admitted", "tasks", len(tasks))
	o.metrics.observeAdmission("admitted")
	return wf, nil
}

// materializePlan resolves a plan and checks its executor types.
func (o *Orchestrator) materializePlan(plan *planner.Plan) ([]*workflow.Task, error) {
	tasks, err := planner.Materialize(plan)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if !o.knownTypes[t.ExecutorType] {
			return nil, fmt.Errorf("%w: unknown executor type %s", planner.ErrInvalidPlan, t.ExecutorType)
		}
	}
	return tasks, nil
}

// Run executes the dispatch and supervision loops until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started",
		"polling_interval", o.pollingInterval,
		"dispatch_batch", o.dispatchBatch,
		"max_retries", o.maxRetries,
		"max_correction_depth", o.maxCorrectionDepth)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.loop(ctx, o.dispatchPass) })
	g.Go(func() error { return o.loop(ctx, o.supervisePass) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	o.logger.Info("orchestrator stopped")
	return err
}

// loop runs one pass per polling interval. Pass errors are logged and
// the loop keeps going; only cancellation ends it.
func (o *Orchestrator) loop(ctx context.Context, pass func(context.Context) error) error {
	ticker := time.NewTicker(o.pollingInterval)
	defer ticker.Stop()
	for {
		if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
