// Package bus wraps NATS JetStream behind the small publish/consume surface
// the pipeline roles need: durable queue-group consumers, explicit ack,
// negative-ack with a backoff schedule, and a dead-letter subject once the
// redelivery budget is spent.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mindwell/syncpipe/internal/logging"
)

// Client owns the NATS connection and the JetStream handle.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger logging.Logger
}

// Connect dials NATS and ensures the pipeline stream exists. The stream
// covers the trigger subjects and the dead-letter namespace.
func Connect(ctx context.Context, url, stream string, logger logging.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("syncpipe"))
	if err != nil {
		return nil, fmt.Errorf("nats connect error: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init error: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{"sync.trigger.>", "item.process.>", "dlq.>"},
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream ensure error: %w", err)
	}

	return &Client{nc: nc, js: js, stream: stream, logger: logger.With("module", "bus")}, nil
}

// Publish sends payload to subject. msgID feeds JetStream's duplicate
// detection window so an outbox drain retry does not double-deliver.
func (c *Client) Publish(ctx context.Context, subject, msgID string, payload []byte) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := c.js.Publish(ctx, subject, payload, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() {
	_ = c.nc.Drain()
}

// durableName builds a JetStream-legal durable consumer name for a
// (subject, role) pair. Dots are not allowed in durable names.
func durableName(subject, role string) string {
	return role + "_" + strings.ReplaceAll(subject, ".", "_")
}
