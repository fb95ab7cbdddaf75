package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

// RepositoryMock mocks storage.Store.
type RepositoryMock struct {
	mock.Mock
}

// --- BotRepo ---

func (m *RepositoryMock) EnsureBot(ctx context.Context, bot model.Bot) error {
	args := m.Called(ctx, bot)
	return args.Error(0)
}

func (m *RepositoryMock) GetBot(ctx context.Context) (*model.Bot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bot), args.Error(1)
}

func (m *RepositoryMock) UpdateBotStatus(ctx context.Context, status model.ConnectionStatus, identity *model.Identity) error {
	args := m.Called(ctx, status, identity)
	return args.Error(0)
}

func (m *RepositoryMock) ListActiveTenants(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// --- ConfigRepo ---

func (m *RepositoryMock) GetConfig(ctx context.Context) (*model.BotConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BotConfig), args.Error(1)
}

func (m *RepositoryMock) UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error) {
	args := m.Called(ctx, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BotConfig), args.Error(1)
}

// --- MessageRepo ---

func (m *RepositoryMock) AddMessage(ctx context.Context, msg *model.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *RepositoryMock) UpdateMessageStatus(ctx context.Context, whatsappID string, status model.DeliveryStatus) (bool, error) {
	args := m.Called(ctx, whatsappID, status)
	return args.Bool(0), args.Error(1)
}

func (m *RepositoryMock) GetHistory(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, chatID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *RepositoryMock) GetLastActiveChat(ctx context.Context, exclude []string, since time.Time) (string, error) {
	args := m.Called(ctx, exclude, since)
	return args.String(0), args.Error(1)
}

// --- ClientRepo ---

func (m *RepositoryMock) UpsertClient(ctx context.Context, chatID, name, profilePicURL string) (*model.Client, error) {
	args := m.Called(ctx, chatID, name, profilePicURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Client), args.Error(1)
}

func (m *RepositoryMock) GetSilence(ctx context.Context, chatID string) (model.SilenceState, error) {
	args := m.Called(ctx, chatID)
	return args.Get(0).(model.SilenceState), args.Error(1)
}

func (m *RepositoryMock) SetSilence(ctx context.Context, chatID string, state model.SilenceState) (model.SilenceState, error) {
	args := m.Called(ctx, chatID, state)
	return args.Get(0).(model.SilenceState), args.Error(1)
}

func (m *RepositoryMock) IsSilenced(ctx context.Context, chatID string, now time.Time) (bool, error) {
	args := m.Called(ctx, chatID, now)
	return args.Bool(0), args.Error(1)
}

func (m *RepositoryMock) FindClients(ctx context.Context, criteria model.RecipientCriteria) ([]model.Client, error) {
	args := m.Called(ctx, criteria)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Client), args.Error(1)
}

func (m *RepositoryMock) MarkBroadcastSent(ctx context.Context, chatID string, at time.Time) error {
	args := m.Called(ctx, chatID, at)
	return args.Error(0)
}

func (m *RepositoryMock) SetClientStatus(ctx context.Context, chatID string, status model.ClientStatus) error {
	args := m.Called(ctx, chatID, status)
	return args.Error(0)
}

func (m *RepositoryMock) UpdateConversationIdentity(ctx context.Context, oldID, newID string) error {
	args := m.Called(ctx, oldID, newID)
	return args.Error(0)
}

// --- ReminderRepo ---

func (m *RepositoryMock) AddReminder(ctx context.Context, reminder *model.Reminder) error {
	args := m.Called(ctx, reminder)
	return args.Error(0)
}

func (m *RepositoryMock) GetDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Reminder), args.Error(1)
}

func (m *RepositoryMock) RemoveReminder(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// --- RetentionRepo ---

func (m *RepositoryMock) PruneMedia(ctx context.Context, vip bool, before time.Time, placeholder string) (int64, error) {
	args := m.Called(ctx, vip, before, placeholder)
	return args.Get(0).(int64), args.Error(1)
}

func (m *RepositoryMock) DeleteMessages(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// --- lifecycle ---

func (m *RepositoryMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *RepositoryMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
