package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mindwell/syncpipe/internal/common"
)

// Handler processes one delivered message. The returned error drives the
// acknowledgement: nil and permanent business errors ack, transient errors
// nak with backoff until the redelivery budget routes the message to the
// dead-letter subject.
type Handler func(ctx context.Context, subject string, payload []byte) error

// backoffSchedule spaces out redeliveries of transient failures. Deliveries
// beyond the schedule reuse the last step.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// backoffFor returns the nak delay for the given delivery attempt (1-based).
func backoffFor(delivered uint64) time.Duration {
	if delivered == 0 {
		delivered = 1
	}
	idx := int(delivered) - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// action is the disposition decided for one delivery.
type action int

const (
	actionAck action = iota
	actionNak
	actionDeadLetter
)

// decide maps a handler result and the delivery count to a disposition.
// Unexpected errors are treated as transient up to the cap, then
// dead-lettered; business-permanent errors never redeliver.
func decide(err error, delivered uint64, maxDeliver int) action {
	if err == nil {
		return actionAck
	}
	if common.Classify(err) == common.ClassPermanent {
		return actionAck
	}
	if maxDeliver > 0 && delivered >= uint64(maxDeliver) {
		return actionDeadLetter
	}
	return actionNak
}

// Consume binds a durable queue-group consumer for subject and dispatches
// deliveries to handler until ctx is cancelled. Instances sharing the same
// role form one queue group: each message is handled by exactly one of them.
func (c *Client) Consume(ctx context.Context, subject, role string, maxDeliver int, handler Handler) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject, role),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
		// Redelivery budget is enforced here, not by the server: the
		// final delivery must still reach us so it can be dead-lettered
		// instead of silently parked.
		MaxDeliver: -1,
	})
	if err != nil {
		return fmt.Errorf("consumer ensure error: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.dispatch(ctx, msg, maxDeliver, handler)
	})
	if err != nil {
		return fmt.Errorf("consume error: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (c *Client) dispatch(ctx context.Context, msg jetstream.Msg, maxDeliver int, handler Handler) {
	subject := msg.Subject()

	var delivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = meta.NumDelivered
	}

	err := handler(ctx, subject, msg.Data())

	switch decide(err, delivered, maxDeliver) {
	case actionAck:
		if err != nil {
			c.logger.Warn(ctx, "permanent failure, not redelivering",
				"subject", subject, "error", err)
		}
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error(ctx, "ack failed", "subject", subject, "error", ackErr)
		}
	case actionNak:
		delay := backoffFor(delivered)
		c.logger.Warn(ctx, "transient failure, redelivering",
			"subject", subject, "delivered", delivered, "delay", delay, "error", err)
		if nakErr := msg.NakWithDelay(delay); nakErr != nil {
			c.logger.Error(ctx, "nak failed", "subject", subject, "error", nakErr)
		}
	case actionDeadLetter:
		c.logger.Error(ctx, "redelivery budget exhausted, dead-lettering",
			"subject", subject, "delivered", delivered, "error", err)
		if pubErr := c.Publish(ctx, "dlq."+subject, "", msg.Data()); pubErr != nil {
			// Keep the message alive; the next redelivery retries the
			// dead-letter publish.
			c.logger.Error(ctx, "dead-letter publish failed", "subject", subject, "error", pubErr)
			_ = msg.NakWithDelay(backoffFor(delivered))
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Error(ctx, "ack after dead-letter failed", "subject", subject, "error", ackErr)
		}
	}
}
