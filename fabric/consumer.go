package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/dagflow/workflow"
)

const fetchBatch = 16

// ErrRetryLater tells the consumer to defer a delivery: it is nak'd
// with a delay instead of immediately, and not logged as a failure.
var ErrRetryLater = errors.New("retry delivery later")

// retryLaterDelay is the redelivery delay for deferred messages.
const retryLaterDelay = 2 * time.Second

// Delivery is one message handed to a consumer handler.
type Delivery struct {
	Subject      string
	Data         []byte
	NumDelivered uint64
}

// Handler processes one delivery. A nil return acks the message,
// ErrRetryLater defers it, and any other error naks it for redelivery
// until the dead-letter budget runs out.
type Handler func(ctx context.Context, d Delivery) error

// Consumer is a durable pull consumer with dead-lettering.
type Consumer struct {
	fabric   *Fabric
	consumer jetstream.Consumer
	durable  string
}

// Run fetches and processes messages until the context is cancelled.
// Fetch failures back off exponentially and reset on the next success,
// so a broker restart is ridden out rather than surfaced.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := c.consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.fabric.logger.Warn("fetch failed", "consumer", c.durable, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		for msg := range batch.Messages() {
			c.process(ctx, msg, handle)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			c.fabric.logger.Warn("fetch batch error", "consumer", c.durable, "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg jetstream.Msg, handle Handler) {
	meta, err := msg.Metadata()
	if err != nil {
		c.fabric.logger.Error("message without metadata", "consumer", c.durable, "error", err)
		_ = msg.Term()
		return
	}
	d := Delivery{
		Subject:      msg.Subject(),
		Data:         msg.Data(),
		NumDelivered: meta.NumDelivered,
	}

	if d.NumDelivered > uint64(c.fabric.deadLetterAfter) {
		if err := c.deadLetter(ctx, d); err != nil {
			c.fabric.logger.Error("dead-letter publish failed", "consumer", c.durable, "subject", d.Subject, "error", err)
			_ = msg.Nak()
			return
		}
		c.fabric.logger.Warn("message dead-lettered",
			"consumer", c.durable, "subject", d.Subject, "deliveries", d.NumDelivered)
		_ = msg.Ack()
		return
	}

	if err := handle(ctx, d); err != nil {
		if errors.Is(err, ErrRetryLater) {
			c.fabric.logger.Debug("delivery deferred",
				"consumer", c.durable, "subject", d.Subject, "delivery", d.NumDelivered)
			_ = msg.NakWithDelay(retryLaterDelay)
			return
		}
		c.fabric.logger.Warn("handler failed, message will redeliver",
			"consumer", c.durable, "subject", d.Subject, "delivery", d.NumDelivered, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		c.fabric.logger.Warn("ack failed", "consumer", c.durable, "subject", d.Subject, "error", err)
	}
}

// deadLetter republishes an exhausted delivery under the DLQ subject
// space, preserving the original payload for operator inspection.
func (c *Consumer) deadLetter(ctx context.Context, d Delivery) error {
	subject := workflow.DeadLetterSubject(d.Subject)
	if _, err := c.fabric.js.Publish(ctx, subject, d.Data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
