package transport

import (
	"fmt"
	"strings"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// receiptStatus maps a receipt from the other party to a delivery status.
func receiptStatus(t types.ReceiptType) (model.DeliveryStatus, bool) {
	switch t {
	case types.ReceiptTypeDelivered:
		return model.DeliveryDelivered, true
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		return model.DeliveryRead, true
	default:
		return "", false
	}
}

// payloadFromMessage extracts the supported payload of an already unwrapped message.
func payloadFromMessage(msg *waE2E.Message) (model.Payload, bool) {
	if msg == nil {
		return nil, false
	}
	switch {
	case msg.Conversation != nil:
		return model.TextPayload{Text: msg.GetConversation()}, true
	case msg.ExtendedTextMessage != nil:
		return model.TextPayload{Text: msg.GetExtendedTextMessage().GetText()}, true
	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		return model.ImagePayload{Caption: img.GetCaption(), MimeType: img.GetMimetype(), Handle: img}, true
	case msg.AudioMessage != nil:
		audio := msg.GetAudioMessage()
		return model.AudioPayload{MimeType: audio.GetMimetype(), Seconds: audio.GetSeconds(), Handle: audio}, true
	default:
		return nil, false
	}
}

// inboundFromEvent converts a whatsmeow message event. stable is the resolved
// stable id of an ephemeral chat, or empty.
func inboundFromEvent(tenantID string, evt *events.Message, stable string) (model.InboundEvent, bool) {
	payload, ok := payloadFromMessage(evt.Message)
	if !ok {
		return model.InboundEvent{}, false
	}

	chat := evt.Info.Chat.ToNonAD()
	return model.InboundEvent{
		ID:                 string(evt.Info.ID),
		TenantID:           tenantID,
		ConversationID:     chat.String(),
		SenderID:           evt.Info.Sender.ToNonAD().String(),
		StableHint:         stable,
		PushName:           evt.Info.PushName,
		Timestamp:          evt.Info.Timestamp.UTC(),
		IsSelfOriginated:   evt.Info.IsFromMe,
		IsBroadcastChannel: chat.Server == types.BroadcastServer,
		Wrapped:            evt.IsEphemeral || evt.IsViewOnce || evt.IsViewOnceV2,
		Payload:            payload,
	}, true
}

func buildTextMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}
