// Package mock provides a recording eventsink.Sink for tests.
package mock

import (
	"sync"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// StatusEvent is one recorded OnStatus call.
type StatusEvent struct {
	TenantID string
	Status   model.ConnectionStatus
	QR       string
}

// DeliveryEvent is one recorded OnDeliveryUpdate call.
type DeliveryEvent struct {
	TenantID string
	Ref      string
	Status   model.DeliveryStatus
}

// Recorder is an eventsink.Sink that keeps every event it receives.
type Recorder struct {
	mu         sync.Mutex
	statuses   []StatusEvent
	messages   []model.Message
	deliveries []DeliveryEvent
	clients    []model.ClientUpdate
}

func (r *Recorder) OnStatus(tenantID string, status model.ConnectionStatus, qr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, StatusEvent{TenantID: tenantID, Status: status, QR: qr})
}

func (r *Recorder) OnNewMessage(_ string, msg model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *Recorder) OnDeliveryUpdate(tenantID, ref string, status model.DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, DeliveryEvent{TenantID: tenantID, Ref: ref, Status: status})
}

func (r *Recorder) OnClientUpdate(_ string, update model.ClientUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = append(r.clients, update)
}

// Statuses returns a copy of the recorded status events.
func (r *Recorder) Statuses() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.statuses...)
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.messages...)
}

// Deliveries returns a copy of the recorded delivery updates.
func (r *Recorder) Deliveries() []DeliveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DeliveryEvent(nil), r.deliveries...)
}

// ClientUpdates returns a copy of the recorded client updates.
func (r *Recorder) ClientUpdates() []model.ClientUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ClientUpdate(nil), r.clients...)
}
