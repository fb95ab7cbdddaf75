package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/jetstream"
)

// ClientMock is a testify mock of jetstream.ClientInterface.
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

func (m *ClientMock) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	return m.Called(ctx, streamConfig).Error(0)
}

func (m *ClientMock) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	return m.Called(ctx, streamName, consumerConfig).Error(0)
}

func (m *ClientMock) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(subject, consumer, group, stream, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) Publish(subject string, data []byte, headers map[string]string) error {
	return m.Called(subject, data, headers).Error(0)
}

func (m *ClientMock) Healthy() bool {
	return m.Called().Bool(0)
}

func (m *ClientMock) Close() {
	m.Called()
}

// MockSubscription returns a nil subscription handle; Stop paths skip draining it.
func MockSubscription() *nats.Subscription {
	return nil
}
