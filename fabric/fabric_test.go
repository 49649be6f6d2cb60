package fabric_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dagflow/fabric"
	"github.com/c360studio/dagflow/testutil"
	"github.com/c360studio/dagflow/workflow"
)

func newTestFabric(t *testing.T, opts ...fabric.Option) (*fabric.Fabric, jetstream.JetStream) {
	t.Helper()
	js := testutil.StartNATS(t)
	f, err := fabric.New(context.Background(), js, opts...)
	if err != nil {
		t.Fatalf("create fabric: %v", err)
	}
	return f, js
}

func dispatchEnvelope(capabilities ...string) *workflow.DispatchEnvelope {
	return &workflow.DispatchEnvelope{
		TaskID:       workflow.NewID(),
		WorkflowID:   workflow.NewID(),
		ExecutorType: workflow.TypeGeneric,
		Capabilities: capabilities,
		DispatchSeq:  1,
	}
}

// runConsumer drives a consumer in the background until cancel.
func runConsumer(t *testing.T, c *fabric.Consumer, handle fabric.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, handle)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel
}

func TestDispatchRoundTrip(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	env := dispatchEnvelope()
	if err := f.PublishDispatch(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c, err := f.DispatchConsumer(ctx, "test-exec", []string{workflow.DispatchSubject(workflow.TypeGeneric)})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	received := make(chan *workflow.DispatchEnvelope, 1)
	runConsumer(t, c, func(_ context.Context, d fabric.Delivery) error {
		var got workflow.DispatchEnvelope
		if err := workflow.DecodeEnvelope(d.Data, &got); err != nil {
			return err
		}
		received <- &got
		return nil
	})

	select {
	case got := <-received:
		if got.TaskID != env.TaskID {
			t.Errorf("expected task %s, got %s", env.TaskID, got.TaskID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestCapabilityRouting(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	env := dispatchEnvelope("gpu")
	if err := f.PublishDispatch(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// A consumer bound only to the capability subject still sees the task.
	c, err := f.DispatchConsumer(ctx, "gpu-exec", []string{workflow.CapabilitySubject("gpu")})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	received := make(chan struct{}, 1)
	runConsumer(t, c, func(_ context.Context, d fabric.Delivery) error {
		received <- struct{}{}
		return nil
	})

	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery on capability subject")
	}
}

func TestDeadLetterAfterBudget(t *testing.T) {
	f, js := newTestFabric(t, fabric.WithDeadLetterAfter(1), fabric.WithAckWait(time.Second))
	ctx := context.Background()

	env := dispatchEnvelope()
	if err := f.PublishDispatch(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c, err := f.DispatchConsumer(ctx, "poison-exec", []string{workflow.DispatchSubject(workflow.TypeGeneric)})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	var attempts atomic.Int32
	runConsumer(t, c, func(_ context.Context, d fabric.Delivery) error {
		attempts.Add(1)
		return errors.New("poison message")
	})

	// After the failing first delivery, the redelivery must land in the
	// DLQ stream rather than being processed again.
	dlq, err := js.Stream(ctx, workflow.StreamDLQ)
	if err != nil {
		t.Fatalf("dlq stream: %v", err)
	}
	deadline := time.After(30 * time.Second)
	for {
		info, err := dlq.Info(ctx)
		if err != nil {
			t.Fatalf("dlq info: %v", err)
		}
		if info.State.Msgs == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("message never dead-lettered; handler attempts %d", attempts.Load())
		case <-time.After(100 * time.Millisecond):
		}
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected exactly 1 handler attempt, got %d", got)
	}
}

func TestDeferredDeliveryRedelivers(t *testing.T) {
	f, _ := newTestFabric(t, fabric.WithDeadLetterAfter(5))
	ctx := context.Background()

	env := dispatchEnvelope()
	if err := f.PublishDispatch(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c, err := f.DispatchConsumer(ctx, "busy-exec", []string{workflow.DispatchSubject(workflow.TypeGeneric)})
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}

	// The first delivery is deferred; the redelivery goes through.
	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	runConsumer(t, c, func(_ context.Context, d fabric.Delivery) error {
		if attempts.Add(1) == 1 {
			return fabric.ErrRetryLater
		}
		done <- struct{}{}
		return nil
	})

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("deferred delivery never came back")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestResultRoundTrip(t *testing.T) {
	f, _ := newTestFabric(t)
	ctx := context.Background()

	env := &workflow.ResultEnvelope{
		TaskID:       workflow.NewID(),
		WorkflowID:   workflow.NewID(),
		ExecutorType: workflow.TypeGeneric,
		ExecutorID:   "exec-1",
		Outcome:      workflow.OutcomeOK,
		Data:         map[string]any{"status": "success"},
	}
	if err := f.PublishResult(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c, err := f.ResultConsumer(ctx, "test-eval")
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	received := make(chan *workflow.ResultEnvelope, 1)
	runConsumer(t, c, func(_ context.Context, d fabric.Delivery) error {
		var got workflow.ResultEnvelope
		if err := workflow.DecodeEnvelope(d.Data, &got); err != nil {
			return err
		}
		received <- &got
		return nil
	})

	select {
	case got := <-received:
		if got.TaskID != env.TaskID || got.Outcome != workflow.OutcomeOK {
			t.Errorf("unexpected result %+v", got)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery")
	}

	t.Run("invalid envelope rejected at publish", func(t *testing.T) {
		bad := &workflow.ResultEnvelope{TaskID: "t", WorkflowID: "w", ExecutorType: workflow.TypeGeneric, Outcome: workflow.OutcomeOK, Error: &workflow.TaskError{Type: "X"}}
		if err := f.PublishResult(ctx, bad); err == nil {
			t.Error("expected validation error")
		}
	})
}
