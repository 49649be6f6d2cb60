// Package fabric provides the message fabric: JetStream streams carrying
// dispatch and result envelopes with topic routing, at-least-once
// delivery, and dead-lettering. The fabric is never the source of truth;
// a duplicated or lost message is tolerated because consumers dedupe
// through the store.
package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dagflow/workflow"
)

// DefaultDeadLetterAfter is the redelivery budget before a message moves
// to the DLQ stream.
const DefaultDeadLetterAfter = 5

// Fabric owns the dispatch, result, and dead-letter streams.
type Fabric struct {
	js              jetstream.JetStream
	logger          *slog.Logger
	deadLetterAfter int
	ackWait         time.Duration
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fabric) { f.logger = l }
}

// WithDeadLetterAfter sets the redelivery budget before dead-lettering.
func WithDeadLetterAfter(n int) Option {
	return func(f *Fabric) {
		if n > 0 {
			f.deadLetterAfter = n
		}
	}
}

// WithAckWait sets how long the broker waits for an ack before
// redelivering. It must exceed the longest task timeout.
func WithAckWait(d time.Duration) Option {
	return func(f *Fabric) {
		if d > 0 {
			f.ackWait = d
		}
	}
}

// New creates the fabric and provisions its streams.
func New(ctx context.Context, js jetstream.JetStream, opts ...Option) (*Fabric, error) {
	f := &Fabric{
		js:              js,
		logger:          slog.Default(),
		deadLetterAfter: DefaultDeadLetterAfter,
		ackWait:         6 * time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}

	streams := []jetstream.StreamConfig{
		{Name: workflow.StreamTasks, Subjects: []string{workflow.SubjectTasksAll}, Storage: jetstream.FileStorage},
		{Name: workflow.StreamResults, Subjects: []string{workflow.SubjectResultsAll}, Storage: jetstream.FileStorage},
		{Name: workflow.StreamDLQ, Subjects: []string{workflow.SubjectDLQAll}, Storage: jetstream.FileStorage},
	}
	for _, cfg := range streams {
		if _, err := js.Stream(ctx, cfg.Name); err == nil {
			continue
		}
		if _, err := js.CreateStream(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return f, nil
}

// PublishDispatch routes a dispatch envelope to the executor-type
// subject and each required capability subject. Executors that bind more
// than one of these subjects receive duplicates; the claim protocol
// makes that harmless.
func (f *Fabric) PublishDispatch(ctx context.Context, env *workflow.DispatchEnvelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("dispatch envelope: %w", err)
	}
	data, err := workflow.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	for _, subject := range workflow.SubjectsFor(env) {
		if _, err := f.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	return nil
}

// PublishResult publishes a result envelope for the evaluator.
func (f *Fabric) PublishResult(ctx context.Context, env *workflow.ResultEnvelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("result envelope: %w", err)
	}
	data, err := workflow.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	subject := workflow.ResultSubject(env.ExecutorType)
	if _, err := f.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// DispatchConsumer creates (or resumes) a durable consumer on the
// dispatch channel bound to the given subjects.
func (f *Fabric) DispatchConsumer(ctx context.Context, durable string, subjects []string) (*Consumer, error) {
	return f.consumer(ctx, workflow.StreamTasks, durable, subjects)
}

// ResultConsumer creates (or resumes) the evaluator's shared durable
// consumer on the results channel. Replicas sharing the durable name
// split the delivery load.
func (f *Fabric) ResultConsumer(ctx context.Context, durable string) (*Consumer, error) {
	return f.consumer(ctx, workflow.StreamResults, durable, []string{workflow.SubjectResultsAll})
}

func (f *Fabric) consumer(ctx context.Context, stream, durable string, subjects []string) (*Consumer, error) {
	s, err := f.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", stream, err)
	}
	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        durable,
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        f.ackWait,
		// One delivery beyond the budget so the final attempt is seen
		// and can be dead-lettered instead of silently dropped.
		MaxDeliver: f.deadLetterAfter + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s on %s: %w", durable, stream, err)
	}
	return &Consumer{fabric: f, consumer: cons, durable: durable}, nil
}
