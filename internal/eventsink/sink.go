// Package eventsink fans connection, message and CRM events out of a session.
package eventsink

import (
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// Event kinds, also used as the last subject token on NATS.
const (
	KindStatus   = "status"
	KindMessage  = "messages"
	KindDelivery = "delivery"
	KindClient   = "clients"
)

// Sink receives session events. Implementations must not block the caller for long
// and must not fail it: delivery problems are theirs to log.
type Sink interface {
	OnStatus(tenantID string, status model.ConnectionStatus, qr string)
	OnNewMessage(tenantID string, msg model.Message)
	OnDeliveryUpdate(tenantID, ref string, status model.DeliveryStatus)
	OnClientUpdate(tenantID string, update model.ClientUpdate)
}

// Multi forwards every event to each sink in order.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) OnStatus(tenantID string, status model.ConnectionStatus, qr string) {
	for _, s := range m {
		s.OnStatus(tenantID, status, qr)
	}
}

func (m Multi) OnNewMessage(tenantID string, msg model.Message) {
	for _, s := range m {
		s.OnNewMessage(tenantID, msg)
	}
}

func (m Multi) OnDeliveryUpdate(tenantID, ref string, status model.DeliveryStatus) {
	for _, s := range m {
		s.OnDeliveryUpdate(tenantID, ref, status)
	}
}

func (m Multi) OnClientUpdate(tenantID string, update model.ClientUpdate) {
	for _, s := range m {
		s.OnClientUpdate(tenantID, update)
	}
}
