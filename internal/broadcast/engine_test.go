package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	sinkmock "gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink/mock"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
)

const testTenant = "bot_broadcast"

var errSendRejected = errors.New("send rejected")

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	reconnect bool
	failFor   map[string]bool
	sends     []string
	waits     int
}

func (s *fakeSender) Send(_ context.Context, conv string, out model.Outbound) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, conv+"|"+out.Text)
	if s.failFor[conv] {
		return "", errSendRejected
	}
	return fmt.Sprintf("BC%02d", len(s.sends)), nil
}

func (s *fakeSender) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) WaitConnected(context.Context, time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits++
	if s.reconnect {
		s.connected = true
	}
	return s.connected
}

func (s *fakeSender) Sends() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

type fixture struct {
	engine *Engine
	store  *storage.Repo
	sink   *sinkmock.Recorder
	sleeps *sleepRecorder
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteRepo(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	f := &fixture{
		store:  store,
		sink:   &sinkmock.Recorder{},
		sleeps: &sleepRecorder{},
		ctx:    tenant.WithTenantID(context.Background(), testTenant),
	}
	f.engine = NewEngine(config.BroadcastConfig{}, store, f.sink, zaptest.NewLogger(t))
	f.engine.sleep = f.sleeps.Sleep
	f.engine.newID = func() string { return "campaign-1" }
	return f
}

func (f *fixture) addClient(t *testing.T, chatID, name string) {
	t.Helper()
	_, err := f.store.UpsertClient(f.ctx, chatID, name, "")
	require.NoError(t, err)
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Hola Ana, {x}", Render("Hola {name}, {x}", model.Recipient{Name: "Ana"}))
	assert.Equal(t, "Hola Cliente!", Render("Hola {name}!", model.Recipient{}))
	assert.Equal(t, "Ana y Ana", Render("{name} y {name}", model.Recipient{Name: "Ana"}))
	assert.Equal(t, "sin nombre", Render("sin nombre", model.Recipient{Name: "Ana"}))
}

func TestRandomPauseWithinBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := randomPause(15*time.Second, 90*time.Second)
		assert.GreaterOrEqual(t, d, 15*time.Second)
		assert.LessOrEqual(t, d, 90*time.Second)
	}
	assert.Equal(t, 5*time.Second, randomPause(5*time.Second, 5*time.Second))
}

func TestRun_RetriesFailingRecipientAndContinues(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "c1", "Ana")
	f.addClient(t, "c2", "Luis")
	f.addClient(t, "c3", "")

	sender := &fakeSender{connected: true, failFor: map[string]bool{"c2": true}}
	campaign := &model.Campaign{
		TenantID: testTenant,
		Template: "Hola {name}",
		Recipients: []model.Recipient{
			{ChatID: "c1", Name: "Ana"},
			{ChatID: "c2", Name: "Luis"},
			{ChatID: "c3"},
		},
	}

	summary := f.engine.Run(context.Background(), sender, campaign)

	assert.Equal(t, model.Summary{CampaignID: "campaign-1", Sent: 2, Failed: 1}, summary)
	require.Len(t, campaign.Results, 3)
	assert.Equal(t, model.RecipientSent, campaign.Results[0].Status)
	assert.Equal(t, 1, campaign.Results[0].Attempts)
	assert.Equal(t, model.RecipientFailed, campaign.Results[1].Status)
	assert.Equal(t, 3, campaign.Results[1].Attempts)
	assert.Contains(t, campaign.Results[1].Error, errSendRejected.Error())
	assert.Equal(t, model.RecipientSent, campaign.Results[2].Status)

	assert.Equal(t, []string{"c1|Hola Ana", "c2|Hola Luis", "c2|Hola Luis", "c2|Hola Luis", "c3|Hola Cliente"}, sender.Sends())

	// pause, two retry backoffs, pause. Nothing after the last recipient.
	sleeps := f.sleeps.Sleeps()
	require.Len(t, sleeps, 4)
	assert.Equal(t, 2*time.Second, sleeps[1])
	assert.Equal(t, 4*time.Second, sleeps[2])
	for _, pause := range []time.Duration{sleeps[0], sleeps[3]} {
		assert.GreaterOrEqual(t, pause, 15*time.Second)
		assert.LessOrEqual(t, pause, 90*time.Second)
	}

	assert.False(t, campaign.StartedAt.IsZero())
	assert.False(t, campaign.FinishedAt.IsZero())
	assert.Equal(t, 0, f.engine.Active())
}

func TestRun_PersistsSentMessages(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "c1", "Ana")
	f.addClient(t, "c2", "Luis")

	sender := &fakeSender{connected: true, failFor: map[string]bool{"c2": true}}
	campaign := &model.Campaign{
		TenantID:   testTenant,
		Template:   "Promo {name}",
		Media:      &model.Media{Data: []byte{1}, MimeType: "image/png", URL: "https://cdn.example/promo.png"},
		Recipients: []model.Recipient{{ChatID: "c1", Name: "Ana"}, {ChatID: "c2", Name: "Luis"}},
	}
	f.engine.Run(context.Background(), sender, campaign)

	history, err := f.store.GetHistory(f.ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	msg := history[0]
	assert.True(t, msg.IsBroadcast)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Equal(t, "Promo Ana", msg.Content)
	assert.Equal(t, "BC01", msg.WhatsappID)
	assert.Equal(t, model.DeliverySent, msg.Status)
	assert.Equal(t, model.MediaTypeImage, msg.MediaType)
	assert.Equal(t, "https://cdn.example/promo.png", msg.MediaURL)

	failed, err := f.store.GetHistory(f.ctx, "c2", 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	require.Len(t, f.sink.Messages(), 1)
	assert.Equal(t, "c1", f.sink.Messages()[0].ChatID)

	clients, err := f.store.FindClients(f.ctx, model.RecipientCriteria{ChatIDs: []string{"c1", "c2"}})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	for _, c := range clients {
		if c.ChatID == "c1" {
			assert.NotNil(t, c.LastBroadcastAt)
		} else {
			assert.Nil(t, c.LastBroadcastAt)
		}
	}
}

func TestRun_WaitsForReconnect(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{reconnect: true}
	campaign := &model.Campaign{TenantID: testTenant, Template: "hola", Recipients: []model.Recipient{{ChatID: "c1"}}}

	summary := f.engine.Run(context.Background(), sender, campaign)
	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, sender.waits)
	assert.Empty(t, f.sleeps.Sleeps())
}

func TestRun_NoConnectionFailsAfterRetries(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{}
	campaign := &model.Campaign{TenantID: testTenant, Template: "hola", Recipients: []model.Recipient{{ChatID: "c1"}}}

	summary := f.engine.Run(context.Background(), sender, campaign)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, sender.waits)
	assert.Empty(t, sender.Sends())
	assert.Contains(t, campaign.Results[0].Error, apperrors.ErrNotConnected.Error())
}

func TestRun_CancelledFailsRemaining(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{connected: true}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	campaign := &model.Campaign{
		TenantID:   testTenant,
		Template:   "hola",
		Recipients: []model.Recipient{{ChatID: "c1"}, {ChatID: "c2"}},
	}
	summary := f.engine.Run(ctx, sender, campaign)

	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 2, summary.Total())
	assert.Empty(t, sender.Sends())
	for _, r := range campaign.Results {
		assert.Equal(t, model.RecipientFailed, r.Status)
	}
}

func TestRecipients(t *testing.T) {
	f := newFixture(t)
	f.addClient(t, "c1", "Ana")
	f.addClient(t, "c2", "")

	got, err := f.engine.Recipients(context.Background(), testTenant, model.RecipientCriteria{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.Recipient{{ChatID: "c1", Name: "Ana"}, {ChatID: "c2", Name: "Cliente"}}, got)

	got, err = f.engine.Recipients(context.Background(), testTenant, model.RecipientCriteria{ChatIDs: []string{"c2"}})
	require.NoError(t, err)
	assert.Equal(t, []model.Recipient{{ChatID: "c2", Name: "Cliente"}}, got)
}

func TestLaunch(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{connected: true}

	_, err := f.engine.Launch(context.Background(), sender, &model.Campaign{TenantID: testTenant, Template: "hola"})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	_, err = f.engine.Launch(context.Background(), sender, &model.Campaign{TenantID: testTenant, Recipients: []model.Recipient{{ChatID: "c1"}}})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	_, err = f.engine.Launch(context.Background(), sender, &model.Campaign{Template: "hola", Recipients: []model.Recipient{{ChatID: "c1"}}})
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	id, err := f.engine.Launch(context.Background(), sender, &model.Campaign{
		TenantID:   testTenant,
		Template:   "hola {name}",
		Recipients: []model.Recipient{{ChatID: "c1", Name: "Ana"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "campaign-1", id)
	require.Eventually(t, func() bool { return len(sender.Sends()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.engine.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c1|hola Ana"}, sender.Sends())
}
