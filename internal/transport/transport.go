// Package transport defines the messaging transport contract a Connection drives
// and its whatsmeow implementation.
package transport

import (
	"context"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// StatusKind is the kind of a transport status notification.
type StatusKind int

const (
	// StatusConnecting is reported when a socket is being opened.
	StatusConnecting StatusKind = iota
	// StatusPairing carries a fresh QR code; the session has no credentials yet.
	StatusPairing
	// StatusOpen means the session is authenticated and ready.
	StatusOpen
	// StatusClosed means the socket is gone; Recoverable tells whether to retry.
	StatusClosed
)

// String implements fmt.Stringer.
func (k StatusKind) String() string {
	switch k {
	case StatusConnecting:
		return "connecting"
	case StatusPairing:
		return "pairing"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a connection status notification.
type Status struct {
	Kind        StatusKind
	QR          string
	Reason      string
	Recoverable bool
}

// Handler receives transport callbacks. Implementations must not block for long;
// the transport delivers events from its own goroutines.
type Handler interface {
	OnStatus(status Status)
	OnMessage(evt model.InboundEvent)
	OnDeliveryUpdate(ref string, status model.DeliveryStatus)
	// OnIdentityHint links an ephemeral conversation id to its stable id.
	OnIdentityHint(ephemeral, stable string)
}

// Transport is one authenticated messaging session.
type Transport interface {
	SetHandler(h Handler)
	Connect(ctx context.Context) error
	Disconnect()
	// Logout invalidates and removes the stored credentials.
	Logout(ctx context.Context) error
	// Send delivers out to conv and returns the transport message ref.
	Send(ctx context.Context, conv string, out model.Outbound) (string, error)
	MarkRead(ctx context.Context, ref model.EventRef) error
	SendTyping(ctx context.Context, conv string) error
	DownloadMedia(ctx context.Context, handle any) ([]byte, error)
	SelfIdentity(ctx context.Context) (model.Identity, error)
}

// Factory builds the transport of a tenant.
type Factory func(tenantID string) (Transport, error)
