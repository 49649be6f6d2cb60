package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/store"
	"github.com/c360studio/dagflow/workflow"
)

// DurableName is the shared durable consumer for evaluator replicas.
const DurableName = "evaluator"

// Evaluator consumes result envelopes and turns them into persisted
// verdicts, rewards, and experience records. Any number of replicas may
// run; the store's conditional write prevents double scoring.
type Evaluator struct {
	store      *store.Store
	fabric     *fabric.Fabric
	validators *validatorSet
	logger     *slog.Logger
	metrics    *Metrics

	workDir       string
	stderrAllowed []string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithWorkDir roots file validation paths, matching the executors'
// work directory.
func WithWorkDir(dir string) Option {
	return func(e *Evaluator) { e.workDir = dir }
}

// WithStderrAllowed sets glob patterns of stderr lines that do not fail
// code validation.
func WithStderrAllowed(patterns []string) Option {
	return func(e *Evaluator) { e.stderrAllowed = patterns }
}

// New creates an evaluator.
func New(st *store.Store, fb *fabric.Fabric, opts ...Option) *Evaluator {
	e := &Evaluator{
		store:  st,
		fabric: fb,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.validators = newValidatorSet(e.workDir, e.stderrAllowed)
	return e
}

// Run consumes results until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) error {
	consumer, err := e.fabric.ResultConsumer(ctx, DurableName)
	if err != nil {
		return fmt.Errorf("result consumer: %w", err)
	}
	e.logger.Info("evaluator started")
	err = consumer.Run(ctx, e.handle)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.logger.Info("evaluator stopped")
	return err
}

// handle scores one result envelope. Redelivered and out-of-date
// envelopes drop silently; correctness rests on the store's
// exactly-once evaluation write.
func (e *Evaluator) handle(ctx context.Context, d fabric.Delivery) error {
	env := &workflow.ResultEnvelope{}
	if err := workflow.DecodeEnvelope(d.Data, env); err != nil {
		return fmt.Errorf("decode result envelope: %w", err)
	}

	task, err := e.store.GetTask(ctx, env.WorkflowID, env.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e.metrics.observeDrop("task_missing")
		return nil
	case err != nil:
		return fmt.Errorf("load task %s: %w", env.TaskID, err)
	}

	if task.EvaluatedAt != nil {
		e.metrics.observeDrop("already_evaluated")
		return nil
	}
	if task.Status != workflow.TaskSucceeded && task.Status != workflow.TaskFailed {
		// The report behind this envelope never landed (stale claim) or
		// the task moved on; the current owner's result will follow.
		e.metrics.observeDrop("not_reported")
		return nil
	}
	if task.Result != nil && task.Result.ExecutorID != env.ExecutorID {
		e.metrics.observeDrop("stale_result")
		return nil
	}

	v := e.validators.validate(env, task)
	success := env.Outcome == workflow.OutcomeOK && v.ok
	validationRejected := env.Outcome == workflow.OutcomeOK && !v.ok
	reward := computeReward(success, task.Retries, validationRejected)

	status := workflow.TaskFailed
	verdictLabel := "failed"
	if success {
		status = workflow.TaskSucceeded
		verdictLabel = "succeeded"
	}
	feedback := buildFeedback(env, v, validationRejected)

	err = e.store.Evaluate(ctx, env.WorkflowID, env.TaskID, store.Evaluation{
		Status:   status,
		Reward:   reward,
		Feedback: feedback,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		// A replica got there first.
		e.metrics.observeDrop("already_evaluated")
		return nil
	case err != nil:
		return fmt.Errorf("evaluate task %s: %w", env.TaskID, err)
	}

	e.metrics.observeEvaluation(env.ExecutorType, verdictLabel, reward)
	e.logger.Info("task evaluated",
		"workflow_id", env.WorkflowID, "task_id", env.TaskID,
		"verdict", verdictLabel, "reward", reward)

	exp := &workflow.Experience{
		WorkflowID: env.WorkflowID,
		TaskID:     env.TaskID,
		StateSnapshot: map[string]any{
			"description":           task.Description,
			"executor_type":         task.ExecutorType,
			"parameters":            task.Parameters,
			"retries":               task.Retries,
			"correction_generation": task.CorrectionGeneration,
		},
		ActionSnapshot: map[string]any{
			"outcome":     env.Outcome,
			"data":        env.Data,
			"error":       env.Error,
			"executor_id": env.ExecutorID,
			"duration_ms": env.DurationMS,
		},
		Reward: reward,
	}
	if err := e.store.WriteExperience(ctx, exp); err != nil {
		// The verdict is already durable; losing one experience record
		// is logged, not retried, to keep evaluation exactly-once.
		e.logger.Error("experience write failed",
			"workflow_id", env.WorkflowID, "task_id", env.TaskID, "error", err)
	}
	return nil
}

// buildFeedback assembles the persisted feedback from the envelope and
// the validator's verdict.
func buildFeedback(env *workflow.ResultEnvelope, v verdict, validationRejected bool) *workflow.Feedback {
	fb := &workflow.Feedback{
		Data: env.Data,
	}
	switch {
	case env.Outcome == workflow.OutcomeOK && v.ok:
		fb.Status = "success"
	case validationRejected:
		fb.Status = "failed"
		fb.ErrorType = "ValidationFailure"
		fb.Validator = env.ExecutorType
		fb.Reason = v.reason
		fb.Notes = v.reason
	default:
		fb.Status = "failed"
		if env.Error != nil {
			fb.ErrorType = env.Error.Type
			fb.ErrorMessage = env.Error.Message
			fb.Traceback = env.Error.Context
		}
		fb.Notes = v.reason
	}
	return fb
}
