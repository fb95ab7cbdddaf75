package model

import (
	"time"
)

// Message roles as stored in chat history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DeliveryStatus tracks an outbound message through the transport.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
)

// rank orders statuses so a late SENT receipt never downgrades READ.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return 0
	}
}

// Supersedes reports whether s is a later stage than other.
func (s DeliveryStatus) Supersedes(other DeliveryStatus) bool {
	return s.rank() > other.rank()
}

// Media types stored alongside a message.
const (
	MediaTypeImage = "image"
	MediaTypeAudio = "audio"
)

// Message is one chat-history row.
type Message struct {
	ID          int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	BotID       string         `json:"bot_id" gorm:"type:text;index:idx_messages_bot_chat,priority:1"`
	ChatID      string         `json:"chat_id" gorm:"type:text;index:idx_messages_bot_chat,priority:2"`
	Role        string         `json:"role" gorm:"type:text"`
	Content     string         `json:"content" gorm:"type:text"`
	IsBroadcast bool           `json:"is_broadcast" gorm:"default:false"`
	IsManual    bool           `json:"is_manual" gorm:"default:false"`
	IsReminder  bool           `json:"is_reminder" gorm:"default:false"`
	WhatsappID  string         `json:"whatsapp_id,omitempty" gorm:"column:whatsapp_id;type:text;index"`
	Status      DeliveryStatus `json:"status,omitempty" gorm:"type:text"`
	MediaURL    string         `json:"media_url,omitempty" gorm:"column:media_url;type:text"`
	MediaType   string         `json:"media_type,omitempty" gorm:"type:text"`
	CreatedAt   time.Time      `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName specifies the table name for the Message model.
func (Message) TableName() string {
	return "messages"
}

// HistoryEntry is the minimal shape of a message passed to the responder.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToHistory converts stored messages to responder history.
func ToHistory(msgs []Message) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryEntry{Role: m.Role, Content: m.Content})
	}
	return out
}
