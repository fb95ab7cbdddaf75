package eventsink

import (
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// LogSink writes events to a zap logger at debug level; status changes at info.
type LogSink struct {
	log *zap.Logger
}

var _ Sink = (*LogSink)(nil)

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) OnStatus(tenantID string, status model.ConnectionStatus, qr string) {
	s.log.Info("Connection status changed",
		zap.String("tenant_id", tenantID),
		zap.String("status", string(status)),
		zap.Bool("has_qr", qr != ""),
	)
}

func (s *LogSink) OnNewMessage(tenantID string, msg model.Message) {
	s.log.Debug("New message",
		zap.String("tenant_id", tenantID),
		zap.String("chat_id", msg.ChatID),
		zap.String("role", msg.Role),
		zap.String("content", utils.Preview(msg.Content, 80)),
		zap.Bool("manual", msg.IsManual),
		zap.Bool("broadcast", msg.IsBroadcast),
		zap.Bool("reminder", msg.IsReminder),
	)
}

func (s *LogSink) OnDeliveryUpdate(tenantID, ref string, status model.DeliveryStatus) {
	s.log.Debug("Delivery update",
		zap.String("tenant_id", tenantID),
		zap.String("ref", ref),
		zap.String("status", string(status)),
	)
}

func (s *LogSink) OnClientUpdate(tenantID string, update model.ClientUpdate) {
	s.log.Info("Client silence changed",
		zap.String("tenant_id", tenantID),
		zap.String("chat_id", update.ChatID),
		zap.String("mode", string(update.Silence.Mode)),
	)
}
