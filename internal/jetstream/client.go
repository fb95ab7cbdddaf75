// Package jetstream wraps the NATS JetStream connection shared by the event
// sink and the control consumer.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// Client wraps NATS JetStream functionality.
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

var _ ClientInterface = (*Client)(nil)

// NewClient connects to url. name identifies the replica in server monitoring.
// The connection keeps retrying in the background, so a NATS outage at boot
// does not keep the fleet down.
func NewClient(url, name string) (*Client, error) {
	log := logger.Log.Named("nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("NATS async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", apperrors.ErrNATS, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %w", apperrors.ErrNATS, err)
	}
	return &Client{nc: nc, js: js}, nil
}

func (c *Client) SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamConfig.Name))

	info, err := c.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: stream info '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}

	switch {
	case info == nil:
		if _, err := c.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("%w: add stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Created stream", zap.Strings("subjects", streamConfig.Subjects))
	case !streamConfigEqual(info.Config, *streamConfig):
		if _, err := c.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("%w: update stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Updated stream", zap.Strings("subjects", streamConfig.Subjects))
	default:
		log.Debug("Stream up to date")
	}
	return nil
}

func (c *Client) SetupConsumer(ctx context.Context, streamName string, consumerConfig *nats.ConsumerConfig) error {
	log := logger.FromContext(ctx).With(zap.String("stream", streamName), zap.String("consumer", consumerConfig.Durable))

	info, err := c.js.ConsumerInfo(streamName, consumerConfig.Durable)
	if err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("%w: consumer info '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, err)
	}

	if info != nil {
		// Push consumers keep their deliver subject; reuse it so replicas already bound keep receiving.
		consumerConfig.DeliverSubject = info.Config.DeliverSubject
		if consumerConfigEqual(info.Config, *consumerConfig) {
			log.Debug("Consumer up to date")
			return nil
		}
		log.Warn("Consumer config drifted, recreating")
		if err := c.js.DeleteConsumer(streamName, consumerConfig.Durable); err != nil {
			return fmt.Errorf("%w: delete consumer '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, err)
		}
	}

	if _, err := c.js.AddConsumer(streamName, consumerConfig); err != nil {
		return fmt.Errorf("%w: add consumer '%s': %w", apperrors.ErrNATS, consumerConfig.Durable, err)
	}
	log.Info("Created consumer",
		zap.String("queue_group", consumerConfig.DeliverGroup),
		zap.Strings("filter_subjects", consumerConfig.FilterSubjects),
	)
	return nil
}

func (c *Client) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := c.js.QueueSubscribe(subject, group, handler,
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.BindStream(stream),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe '%s': %w", apperrors.ErrNATS, consumer, err)
	}
	return sub, nil
}

func (c *Client) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := c.js.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: publish '%s': %w", apperrors.ErrNATS, subject, err)
	}
	return nil
}

func (c *Client) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains pending publishes before closing.
func (c *Client) Close() {
	if c.nc == nil {
		return
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}
