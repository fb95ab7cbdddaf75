package model

import (
	"strings"
	"time"
)

// Conversation id servers as reported by the transport.
const (
	ServerUser      = "s.whatsapp.net"
	ServerEphemeral = "lid"
	ServerBroadcast = "broadcast"
	ServerGroup     = "g.us"
)

// IsEphemeralID reports whether a conversation id is an anonymized handle
// that may later be reconciled to a stable one.
func IsEphemeralID(id string) bool {
	return strings.HasSuffix(id, "@"+ServerEphemeral)
}

// IsBroadcastID reports whether the id addresses a non-addressable broadcast channel.
func IsBroadcastID(id string) bool {
	return strings.HasSuffix(id, "@"+ServerBroadcast) || strings.HasPrefix(id, "status@")
}

// Payload is the sealed set of inbound payload variants.
type Payload interface {
	payloadKind() string
}

// TextPayload is a plain or extended text message.
type TextPayload struct {
	Text string
}

// ImagePayload carries an image reference the transport can download.
type ImagePayload struct {
	Caption  string
	MimeType string
	Handle   any
}

// AudioPayload carries a voice note or audio reference the transport can download.
type AudioPayload struct {
	MimeType string
	Seconds  uint32
	Handle   any
}

func (TextPayload) payloadKind() string  { return "text" }
func (ImagePayload) payloadKind() string { return MediaTypeImage }
func (AudioPayload) payloadKind() string { return MediaTypeAudio }

// PayloadKind returns "text", "image" or "audio".
func PayloadKind(p Payload) string {
	if p == nil {
		return ""
	}
	return p.payloadKind()
}

// InboundEvent is one message event produced by the transport.
type InboundEvent struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	// StableHint is the stable id for an ephemeral ConversationID, when the transport knows it.
	StableHint         string    `json:"stable_hint,omitempty"`
	PushName           string    `json:"push_name,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	IsSelfOriginated   bool      `json:"is_self_originated"`
	IsBroadcastChannel bool      `json:"is_broadcast_channel"`
	// Wrapped is set when the payload arrived inside an ephemeral or view-once wrapper.
	Wrapped bool    `json:"wrapped,omitempty"`
	Payload Payload `json:"-"`
}

// Text returns the text or caption of the event, if any.
func (e *InboundEvent) Text() string {
	switch p := e.Payload.(type) {
	case TextPayload:
		return p.Text
	case ImagePayload:
		return p.Caption
	default:
		return ""
	}
}

// Ref returns the reference used to acknowledge this event.
func (e *InboundEvent) Ref() EventRef {
	return EventRef{ID: e.ID, ConversationID: e.ConversationID, SenderID: e.SenderID, Timestamp: e.Timestamp}
}

// EventRef identifies an inbound event for read receipts.
type EventRef struct {
	ID             string
	ConversationID string
	SenderID       string
	Timestamp      time.Time
}

// Outbound is a message to send. Media is optional.
type Outbound struct {
	Text  string
	Media *Media
}

// Media is an outbound attachment.
type Media struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
}

// Type returns the stored media type of the attachment.
func (m *Media) Type() string {
	if m == nil {
		return ""
	}
	if strings.HasPrefix(m.MimeType, "audio/") {
		return MediaTypeAudio
	}
	return MediaTypeImage
}

// RateWindow counts admissions for one conversation.
type RateWindow struct {
	Count       int
	WindowStart time.Time
	// LastAwayReply throttles the business-hours away message.
	LastAwayReply time.Time
}

// Admit resets an expired window, increments and then compares against max.
func (w *RateWindow) Admit(now time.Time, max int, window time.Duration) bool {
	if w.WindowStart.IsZero() || now.Sub(w.WindowStart) > window {
		w.Count = 1
		w.WindowStart = now
	} else {
		w.Count++
	}
	return w.Count <= max
}
