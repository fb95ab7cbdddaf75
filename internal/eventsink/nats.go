package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// Publisher is the subset of the JetStream client the sink needs.
type Publisher interface {
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error
	Publish(subject string, data []byte, headers map[string]string) error
}

// Envelope is the JSON body of every published event.
type Envelope struct {
	Kind      string    `json:"kind"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`

	Status   model.ConnectionStatus `json:"status,omitempty"`
	QR       string                 `json:"qr,omitempty"`
	Message  *model.Message         `json:"message,omitempty"`
	Ref      string                 `json:"ref,omitempty"`
	Delivery model.DeliveryStatus   `json:"delivery,omitempty"`
	Client   *model.ClientUpdate    `json:"client,omitempty"`
}

// NATSSink publishes events to <prefix>.<tenant>.<kind> on JetStream.
type NATSSink struct {
	pub   Publisher
	cfg   config.EventStreamConfig
	log   *zap.Logger
	nowFn func() time.Time
}

var _ Sink = (*NATSSink)(nil)

func NewNATSSink(pub Publisher, cfg config.EventStreamConfig, log *zap.Logger) *NATSSink {
	return &NATSSink{pub: pub, cfg: cfg, log: log.Named("nats_sink"), nowFn: utils.Now}
}

// Setup ensures the event stream exists.
func (s *NATSSink) Setup(ctx context.Context) error {
	streamCfg := &nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    time.Duration(s.cfg.MaxAge) * 24 * time.Hour,
	}
	if err := s.pub.SetupStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("%w: setup event stream: %v", apperrors.ErrNATS, err)
	}
	return nil
}

// Subject returns the subject an event kind of a tenant is published on.
func (s *NATSSink) Subject(tenantID, kind string) string {
	return fmt.Sprintf("%s.%s.%s", s.cfg.SubjectPrefix, tenantID, kind)
}

func (s *NATSSink) OnStatus(tenantID string, status model.ConnectionStatus, qr string) {
	s.publish(Envelope{Kind: KindStatus, TenantID: tenantID, Status: status, QR: qr})
}

func (s *NATSSink) OnNewMessage(tenantID string, msg model.Message) {
	s.publish(Envelope{Kind: KindMessage, TenantID: tenantID, Message: &msg})
}

func (s *NATSSink) OnDeliveryUpdate(tenantID, ref string, status model.DeliveryStatus) {
	s.publish(Envelope{Kind: KindDelivery, TenantID: tenantID, Ref: ref, Delivery: status})
}

func (s *NATSSink) OnClientUpdate(tenantID string, update model.ClientUpdate) {
	s.publish(Envelope{Kind: KindClient, TenantID: tenantID, Client: &update})
}

func (s *NATSSink) publish(env Envelope) {
	env.Timestamp = s.nowFn()
	data, err := json.Marshal(env)
	if err != nil {
		observer.IncEventPublished(env.Kind, err)
		s.log.Error("Failed to marshal event", zap.String("kind", env.Kind), zap.Error(err))
		return
	}

	subject := s.Subject(env.TenantID, env.Kind)
	err = s.pub.Publish(subject, data, map[string]string{"tenant_id": env.TenantID})
	observer.IncEventPublished(env.Kind, err)
	if err != nil {
		s.log.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.String("tenant_id", env.TenantID),
			zap.Error(err),
		)
	}
}
