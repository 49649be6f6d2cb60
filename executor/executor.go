package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// Executor consumes dispatch envelopes for its types and capabilities,
// claims each task, runs the handler under a deadline with a heartbeat,
// and reports the result.
type Executor struct {
	id           string
	store        *store.Store
	fabric       *fabric.Fabric
	registry     *Registry
	types        []string
	capabilities []string
	concurrency  int
	taskTimeout  time.Duration
	lease        time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	mu       sync.Mutex
	inFlight map[string]bool
	running  atomic.Int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithCapabilities adds capability subjects to bind beyond the types.
func WithCapabilities(caps []string) Option {
	return func(e *Executor) { e.capabilities = caps }
}

// WithConcurrency sets how many tasks run in parallel.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTaskTimeout sets the per-task wall-clock deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an executor serving the registry's types.
func New(st *store.Store, fb *fabric.Fabric, registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		id:          "exec-" + workflow.NewID()[:8],
		store:       st,
		fabric:      fb,
		registry:    registry,
		types:       registry.Types(),
		concurrency: 4,
		taskTimeout: 5 * time.Minute,
		lease:       60 * time.Second,
		logger:      slog.Default(),
		inFlight:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.setStatus(statusIdle)
	return e
}

// ID returns the executor's identity tag.
func (e *Executor) ID() string { return e.id }

// Run consumes and executes tasks until ctx is cancelled. The durable
// consumer name derives from the served types, so pool members with the
// same type set share one consumer and split the load.
func (e *Executor) Run(ctx context.Context) error {
	subjects := make([]string, 0, len(e.types)+len(e.capabilities))
	for _, t := range e.types {
		subjects = append(subjects, workflow.DispatchSubject(t))
	}
	for _, c := range e.capabilities {
		subjects = append(subjects, workflow.CapabilitySubject(c))
	}
	durable := workflow.ConsumerName("exec", strings.Join(e.types, "-"))

	consumer, err := e.fabric.DispatchConsumer(ctx, durable, subjects)
	if err != nil {
		return fmt.Errorf("dispatch consumer: %w", err)
	}
	e.logger.Info("executor started",
		"executor_id", e.id, "types", e.types, "capabilities", e.capabilities,
		"concurrency", e.concurrency)
	e.metrics.setStatus(statusPolling)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.concurrency; i++ {
		g.Go(func() error {
			err := consumer.Run(ctx, e.handle)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err = g.Wait()
	if err != nil {
		e.metrics.setStatus(statusError)
	} else {
		e.metrics.setStatus(statusShutdown)
	}
	e.logger.Info("executor stopped", "executor_id", e.id)
	return err
}

// handle processes one delivery. A nil return acks; errors nak for
// redelivery.
func (e *Executor) handle(ctx context.Context, d fabric.Delivery) error {
	env := &workflow.DispatchEnvelope{}
	if err := workflow.DecodeEnvelope(d.Data, env); err != nil {
		// Undecodable envelopes cycle to the DLQ via redelivery.
		return fmt.Errorf("decode dispatch envelope: %w", err)
	}

	if !e.begin(env.TaskID) {
		// Already handling this task locally; defer the duplicate until
		// the in-flight attempt settles.
		return fabric.ErrRetryLater
	}
	defer e.end(env.TaskID)

	token, err := e.store.Claim(ctx, env.WorkflowID, env.TaskID, e.id, e.lease)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrWorkflowTerminal):
		// Another executor owns it, or the task is gone. Done with this
		// delivery.
		return nil
	default:
		return fmt.Errorf("claim %s: %w", env.TaskID, err)
	}

	res := e.execute(ctx, env, token)

	if err := e.store.Report(ctx, env.WorkflowID, env.TaskID, token, res); err != nil {
		if errors.Is(err, store.ErrStaleClaim) || errors.Is(err, store.ErrConflict) {
			e.logger.Warn("claim went stale before report, discarding result",
				"task_id", env.TaskID, "executor_id", e.id)
			return nil
		}
		return fmt.Errorf("report %s: %w", env.TaskID, err)
	}

	// The result envelope feeds the evaluator. The report above is
	// authoritative; a lost publish is recovered by the orchestrator's
	// unevaluated-task sweep, so failure here must not trigger a
	// redelivery and double report.
	renv := &workflow.ResultEnvelope{
		TaskID:       env.TaskID,
		WorkflowID:   env.WorkflowID,
		ExecutorType: env.ExecutorType,
		Outcome:      res.Outcome,
		Data:         res.Data,
		Error:        res.Error,
		ExecutorID:   e.id,
		DurationMS:   res.DurationMS,
	}
	if err := e.fabric.PublishResult(ctx, renv); err != nil {
		e.logger.Error("result publish failed",
			"task_id", env.TaskID, "error", err)
	}
	return nil
}

// execute runs the handler under the task deadline with a claim
// heartbeat, and never returns nil.
func (e *Executor) execute(parent context.Context, env *workflow.DispatchEnvelope, token string) *workflow.RawResult {
	e.metrics.incInFlight()
	defer e.metrics.decInFlight()
	if e.running.Add(1) == 1 {
		e.metrics.setStatus(statusExecuting)
	}
	defer func() {
		if e.running.Add(-1) == 0 {
			e.metrics.setStatus(statusPolling)
		}
	}()

	handler, ok := e.registry.Lookup(env.ExecutorType, env.Parameters)
	if !ok {
		return &workflow.RawResult{
			Outcome: workflow.OutcomeError,
			Error: &workflow.TaskError{
				Type:    "NoHandler",
				Message: fmt.Sprintf("no handler for executor type %s", env.ExecutorType),
			},
			ExecutorID: e.id,
		}
	}

	ctx, cancel := context.WithTimeout(parent, e.taskTimeout)
	defer cancel()
	stopHeartbeat := e.startHeartbeat(ctx, cancel, env, token)
	defer stopHeartbeat()

	start := time.Now()
	data, err := handler.Execute(ctx, env)
	duration := time.Since(start)

	res := &workflow.RawResult{
		ExecutorID: e.id,
		DurationMS: duration.Milliseconds(),
	}
	switch {
	case err == nil:
		res.Outcome = workflow.OutcomeOK
		res.Data = data
		e.metrics.observeTask(env.ExecutorType, workflow.OutcomeOK, duration)
	default:
		res.Outcome = workflow.OutcomeError
		res.Error = classifyError(ctx, err)
		e.metrics.observeTask(env.ExecutorType, workflow.OutcomeError, duration)
		e.logger.Warn("task failed",
			"task_id", env.TaskID, "executor_type", env.ExecutorType,
			"error_type", res.Error.Type, "error", res.Error.Message)
	}
	return res
}

// startHeartbeat renews the claim at a third of the lease. A stale
// renewal means the reaper took the task back; the handler is cancelled
// and its result discarded.
func (e *Executor) startHeartbeat(ctx context.Context, cancel context.CancelFunc, env *workflow.DispatchEnvelope, token string) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(e.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.Renew(ctx, env.WorkflowID, env.TaskID, token, e.lease); err != nil {
					if errors.Is(err, store.ErrStaleClaim) || errors.Is(err, store.ErrNotFound) {
						e.logger.Warn("claim lost, cancelling handler",
							"task_id", env.TaskID, "executor_id", e.id)
						cancel()
						return
					}
					e.logger.Warn("claim renewal failed, will retry",
						"task_id", env.TaskID, "error", err)
				}
			}
		}
	}()
	return stop
}

func (e *Executor) begin(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[taskID] {
		return false
	}
	e.inFlight[taskID] = true
	return true
}

func (e *Executor) end(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, taskID)
}

// classifyError maps a handler error to a task error, preserving typed
// errors and recognizing deadline kills.
func classifyError(ctx context.Context, err error) *workflow.TaskError {
	var te *workflow.TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &workflow.TaskError{
			Type:    "Timeout",
			Message: "task exceeded its deadline",
		}
	}
	if errors.Is(err, context.Canceled) {
		return &workflow.TaskError{
			Type:    "Cancelled",
			Message: "task execution was cancelled",
		}
	}
	return &workflow.TaskError{
		Type:    "ExecutionError",
		Message: err.Error(),
	}
}
