package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// Action is what happens to a message after its command ran.
type Action int

const (
	ActionAck      Action = iota // handled, or nothing more to do
	ActionNakDelay               // transient failure, redeliver later
	ActionTerm                   // fatal or out of attempts, never redeliver
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionNakDelay:
		return "nak_delay"
	case ActionTerm:
		return "term"
	default:
		return "unknown"
	}
}

// decideAction maps a command result to an ack decision. Retryable failures
// back off exponentially from base up to max until maxDeliver is reached.
func decideAction(err error, numDelivered uint64, maxDeliver int, base, max time.Duration) (Action, time.Duration) {
	if err == nil {
		return ActionAck, 0
	}
	if !isRetryable(err) || (maxDeliver > 0 && numDelivered >= uint64(maxDeliver)) {
		return ActionTerm, 0
	}

	delay := base
	for i := uint64(1); i < numDelivered && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return ActionNakDelay, delay
}

// isRetryable reports whether redelivering the command could succeed.
func isRetryable(err error) bool {
	if apperrors.IsFatal(err) {
		return false
	}
	return apperrors.IsRetryable(err) ||
		apperrors.IsDatabaseError(err) ||
		errors.Is(err, apperrors.ErrTimeout) ||
		apperrors.IsTransportError(err)
}

// Consumer is the durable, queue-grouped push consumer of control commands.
// Every fleet replica joins the same group so each command runs once.
type Consumer struct {
	client jetstream.ClientInterface
	router *Router
	cfg    config.ConsumerConfig
	prefix string
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
}

func NewConsumer(client jetstream.ClientInterface, router *Router, cfg config.ConsumerConfig, log *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithLogger(ctx, log.Named("control"))
	return &Consumer{
		client: client,
		router: router,
		cfg:    cfg,
		prefix: subjectPrefix(cfg.SubjectList),
		ctx:    ctx,
		cancel: cancel,
	}
}

// subjectPrefix derives the command root from the first configured subject,
// e.g. "v1.control.>" gives "v1.control".
func subjectPrefix(subjects []string) string {
	if len(subjects) == 0 {
		return DefaultSubjectPrefix
	}
	p := strings.TrimSuffix(strings.TrimSuffix(subjects[0], ">"), ".")
	if p == "" {
		return DefaultSubjectPrefix
	}
	return p
}

// Prefix returns the subject root commands are read from.
func (c *Consumer) Prefix() string {
	return c.prefix
}

// Setup ensures the control stream and durable consumer exist.
func (c *Consumer) Setup() error {
	log := logger.FromContext(c.ctx)
	log.Info("Setting up control consumer", zap.String("stream", c.cfg.Stream), zap.String("consumer", c.cfg.Consumer))

	streamCfg := &nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  c.cfg.SubjectList,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(c.cfg.MaxAge*24) * time.Hour,
	}
	if err := c.client.SetupStream(c.ctx, streamCfg); err != nil {
		return fmt.Errorf("failed to setup control stream '%s': %w", c.cfg.Stream, err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:        c.cfg.Consumer,
		DeliverGroup:   c.cfg.QueueGroup,
		FilterSubjects: c.cfg.SubjectList,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverSubject: nats.NewInbox(),
		MaxDeliver:     c.cfg.MaxDeliver,
		AckWait:        60 * time.Second,
		MaxAckPending:  256,
		ReplayPolicy:   nats.ReplayInstantPolicy,
		DeliverPolicy:  nats.DeliverNewPolicy,
	}
	if err := c.client.SetupConsumer(c.ctx, c.cfg.Stream, consumerCfg); err != nil {
		return fmt.Errorf("failed to setup control consumer '%s' for stream '%s': %w", c.cfg.Consumer, c.cfg.Stream, err)
	}

	log.Info("Control consumer setup complete")
	return nil
}

// Start subscribes to the control stream.
func (c *Consumer) Start() error {
	sub, err := c.client.SubscribePush(c.prefix+".>", c.cfg.Consumer, c.cfg.QueueGroup, c.cfg.Stream, c.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe control consumer '%s': %w", c.cfg.Consumer, err)
	}
	c.sub = sub
	logger.FromContext(c.ctx).Info("Control consumer subscribed", zap.String("subject", c.prefix+".>"))
	return nil
}

// Stop drains the subscription and cancels in-flight commands.
func (c *Consumer) Stop() {
	log := logger.FromContext(c.ctx)
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			log.Error("Error draining control subscription", zap.Error(err))
		}
	}
	c.cancel()
	log.Info("Control consumer stopped")
}

// process parses the subject and routes the command.
func (c *Consumer) process(ctx context.Context, subject string, data []byte) error {
	tenantID, command, err := ParseSubject(c.prefix, subject)
	if err != nil {
		return apperrors.NewFatal(err, "parse subject")
	}
	return c.router.Route(ctx, tenantID, command, data)
}

func (c *Consumer) handleMessage(msg *nats.Msg) {
	startTime := utils.Now()
	log := logger.FromContext(c.ctx).With(zap.String("subject", msg.Subject))

	defer func() {
		if r := recover(); r != nil {
			log.Error("[panic] Recovered from panic in control handler", zap.Any("panic", r), zap.Stack("stack"))
			if err := msg.Nak(); err != nil {
				log.Error("Failed to NAK message after panic", zap.Error(err))
			}
		}
	}()

	var numDelivered uint64 = 1
	if meta, err := msg.Metadata(); err == nil {
		numDelivered = meta.NumDelivered
		log = log.With(zap.Uint64("stream_sequence", meta.Sequence.Stream), zap.Uint64("num_delivered", numDelivered))
	}
	ctx := logger.WithLogger(c.ctx, log)
	if msg.Header != nil {
		if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
			ctx = tenant.WithRequestID(ctx, id)
			log = logger.FromContext(ctx)
		}
	}

	err := c.process(ctx, msg.Subject, msg.Data)
	action, delay := decideAction(err, numDelivered, c.cfg.MaxDeliver, c.cfg.NakBaseDelay, c.cfg.NakMaxDelay)

	var ackErr error
	switch action {
	case ActionAck:
		log.Info("Command processed", zap.Duration("duration", time.Since(startTime)))
		ackErr = msg.Ack()
	case ActionNakDelay:
		log.Warn("Command failed, redelivering", zap.Error(err), zap.Duration("nak_delay", delay))
		ackErr = msg.NakWithDelay(delay)
	case ActionTerm:
		log.Error("Command rejected", zap.Error(err), zap.Duration("duration", time.Since(startTime)))
		ackErr = msg.Term()
	}
	if ackErr != nil {
		log.Error("Failed to acknowledge control message", zap.String("action", action.String()), zap.Error(ackErr))
	}
}
