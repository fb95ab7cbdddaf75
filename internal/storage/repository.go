package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// Tenant-scoped methods read the bot id from the context (tenant.WithTenantID).

// BotRepo defines tenant row operations.
type BotRepo interface {
	EnsureBot(ctx context.Context, bot model.Bot) error
	GetBot(ctx context.Context) (*model.Bot, error)
	UpdateBotStatus(ctx context.Context, status model.ConnectionStatus, identity *model.Identity) error
	// ListActiveTenants is not tenant-scoped.
	ListActiveTenants(ctx context.Context) ([]string, error)
}

// ConfigRepo defines per-tenant configuration operations.
type ConfigRepo interface {
	GetConfig(ctx context.Context) (*model.BotConfig, error)
	UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error)
}

// MessageRepo defines chat history operations.
type MessageRepo interface {
	AddMessage(ctx context.Context, msg *model.Message) error
	UpdateMessageStatus(ctx context.Context, whatsappID string, status model.DeliveryStatus) (bool, error)
	GetHistory(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	GetLastActiveChat(ctx context.Context, exclude []string, since time.Time) (string, error)
}

// ClientRepo defines CRM and silence operations.
type ClientRepo interface {
	UpsertClient(ctx context.Context, chatID, name, profilePicURL string) (*model.Client, error)
	GetSilence(ctx context.Context, chatID string) (model.SilenceState, error)
	SetSilence(ctx context.Context, chatID string, state model.SilenceState) (model.SilenceState, error)
	IsSilenced(ctx context.Context, chatID string, now time.Time) (bool, error)
	FindClients(ctx context.Context, criteria model.RecipientCriteria) ([]model.Client, error)
	MarkBroadcastSent(ctx context.Context, chatID string, at time.Time) error
	SetClientStatus(ctx context.Context, chatID string, status model.ClientStatus) error
	UpdateConversationIdentity(ctx context.Context, oldID, newID string) error
}

// ReminderRepo defines reminder operations.
type ReminderRepo interface {
	AddReminder(ctx context.Context, reminder *model.Reminder) error
	GetDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error)
	RemoveReminder(ctx context.Context, id string) error
}

// RetentionRepo defines cross-tenant cleanup operations.
type RetentionRepo interface {
	// PruneMedia strips attachments older than before, for VIP or non-VIP conversations.
	PruneMedia(ctx context.Context, vip bool, before time.Time, placeholder string) (int64, error)
	// DeleteMessages removes non-VIP history older than before.
	DeleteMessages(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence contract.
type Store interface {
	BotRepo
	ConfigRepo
	MessageRepo
	ClientRepo
	ReminderRepo
	RetentionRepo
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Store = (*Repo)(nil)
