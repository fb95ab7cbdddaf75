package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the JetStream surface the fleet uses: the event sink
// publishes through it and the control consumer subscribes through it.
type ClientInterface interface {
	// SetupStream creates the stream or updates it when its core settings drifted.
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// SetupConsumer creates the durable consumer on streamName, recreating it when its settings drifted.
	SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error

	// SubscribePush binds a queue subscription to an existing durable push consumer.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)

	// Publish publishes data with optional headers and waits for the stream ack.
	Publish(subject string, data []byte, headers map[string]string) error

	// Healthy reports whether the underlying connection is up.
	Healthy() bool

	Close()
}
