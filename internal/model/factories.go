package model

import (
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// FakeChatID returns a random stable conversation id.
func FakeChatID() string {
	return gofakeit.Numerify("628##########") + "@" + ServerUser
}

// FakeEphemeralID returns a random anonymized conversation id.
func FakeEphemeralID() string {
	return gofakeit.Numerify("1###############") + "@" + ServerEphemeral
}

// NewBot creates a Bot with fake data.
func NewBot(overrideDefaults ...*Bot) *Bot {
	base := &Bot{
		ID:        "bot_" + gofakeit.LetterN(10),
		Name:      gofakeit.Company(),
		IsActive:  true,
		Status:    StatusDisconnected,
		CreatedAt: utils.Now().Add(-time.Duration(gofakeit.Number(1, 100)) * time.Hour),
		UpdatedAt: utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		base.IsActive = ovr.IsActive
	}
	return base
}

// NewClient creates a Client with fake data.
func NewClient(overrideDefaults ...*Client) *Client {
	base := &Client{
		ID:          gofakeit.UUID(),
		BotID:       "bot_" + gofakeit.LetterN(10),
		ChatID:      FakeChatID(),
		Name:        gofakeit.Name(),
		Status:      ClientLead,
		SilenceMode: SilenceNone,
		CreatedAt:   utils.Now(),
		UpdatedAt:   utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.BotID != "" {
			base.BotID = ovr.BotID
		}
		if ovr.ChatID != "" {
			base.ChatID = ovr.ChatID
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.SilenceMode != "" {
			base.SilenceMode = ovr.SilenceMode
		}
		base.Name = ovr.Name
		base.SilencedUntil = ovr.SilencedUntil
		base.LastBroadcastAt = ovr.LastBroadcastAt
	}
	return base
}

// NewMessage creates a Message with fake data.
func NewMessage(overrideDefaults ...*Message) *Message {
	base := &Message{
		BotID:      "bot_" + gofakeit.LetterN(10),
		ChatID:     FakeChatID(),
		Role:       gofakeit.RandomString([]string{RoleUser, RoleAssistant}),
		Content:    gofakeit.Sentence(8),
		WhatsappID: gofakeit.LetterN(20),
		Status:     DeliverySent,
		CreatedAt:  utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.BotID != "" {
			base.BotID = ovr.BotID
		}
		if ovr.ChatID != "" {
			base.ChatID = ovr.ChatID
		}
		if ovr.Role != "" {
			base.Role = ovr.Role
		}
		if ovr.Content != "" {
			base.Content = ovr.Content
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
		base.WhatsappID = ovr.WhatsappID
		base.IsBroadcast = ovr.IsBroadcast
		base.IsManual = ovr.IsManual
		base.IsReminder = ovr.IsReminder
		base.MediaType = ovr.MediaType
		base.MediaURL = ovr.MediaURL
	}
	return base
}

// NewReminder creates a Reminder with fake data, due in the past.
func NewReminder(overrideDefaults ...*Reminder) *Reminder {
	base := &Reminder{
		ID:     gofakeit.UUID(),
		BotID:  "bot_" + gofakeit.LetterN(10),
		ChatID: FakeChatID(),
		DueAt:  utils.Now().Add(-time.Duration(gofakeit.Number(1, 60)) * time.Minute),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.ID != "" {
			base.ID = ovr.ID
		}
		if ovr.BotID != "" {
			base.BotID = ovr.BotID
		}
		if ovr.ChatID != "" {
			base.ChatID = ovr.ChatID
		}
		if !ovr.DueAt.IsZero() {
			base.DueAt = ovr.DueAt
		}
		base.RecurrenceDays = ovr.RecurrenceDays
	}
	return base
}

// NewTextEvent creates an inbound text event with fake data.
func NewTextEvent(tenantID, conversationID, text string) *InboundEvent {
	return &InboundEvent{
		ID:             gofakeit.LetterN(20),
		TenantID:       tenantID,
		ConversationID: conversationID,
		SenderID:       conversationID,
		PushName:       gofakeit.FirstName(),
		Timestamp:      utils.Now(),
		Payload:        TextPayload{Text: text},
	}
}

// NewRecipients creates n fake campaign recipients.
func NewRecipients(n int) []Recipient {
	out := make([]Recipient, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Recipient{ChatID: FakeChatID(), Name: gofakeit.FirstName()})
	}
	return out
}
