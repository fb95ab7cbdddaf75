package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	clientmock "gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/jetstream/mock"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

type FleetMock struct {
	mock.Mock
}

func (m *FleetMock) StartSession(ctx context.Context, tenantID string, watchQR time.Duration) error {
	return m.Called(ctx, tenantID, watchQR).Error(0)
}

func (m *FleetMock) StopSession(ctx context.Context, tenantID string, logout bool) error {
	return m.Called(ctx, tenantID, logout).Error(0)
}

func (m *FleetMock) UpdateConfig(ctx context.Context, tenantID string, patch model.ConfigPatch) error {
	return m.Called(ctx, tenantID, patch).Error(0)
}

func (m *FleetMock) AddReminder(ctx context.Context, tenantID string, r *model.Reminder) error {
	return m.Called(ctx, tenantID, r).Error(0)
}

func (m *FleetMock) SetClientStatus(ctx context.Context, tenantID, chatID string, status model.ClientStatus) error {
	return m.Called(ctx, tenantID, chatID, status).Error(0)
}

func (m *FleetMock) RunBroadcast(ctx context.Context, tenantID string, req RunBroadcast) (string, error) {
	args := m.Called(ctx, tenantID, req)
	return args.String(0), args.Error(1)
}

func newTestConsumer(t *testing.T, client *clientmock.ClientMock, fleet Fleet) *Consumer {
	router := NewRouter()
	Register(router, fleet)
	cfg := config.ConsumerConfig{
		Stream:       "bot_control",
		Consumer:     "bot-fleet-control",
		QueueGroup:   "bot-fleet",
		SubjectList:  []string{"v1.control.>"},
		MaxAge:       1,
		MaxDeliver:   5,
		NakBaseDelay: time.Second,
		NakMaxDelay:  30 * time.Second,
	}
	c := NewConsumer(client, router, cfg, zaptest.NewLogger(t))
	t.Cleanup(c.cancel)
	return c
}

func TestParseSubject(t *testing.T) {
	tenantID, command, err := ParseSubject("v1.control", "v1.control.bot_1.session.start")
	require.NoError(t, err)
	assert.Equal(t, "bot_1", tenantID)
	assert.Equal(t, CmdSessionStart, command)
	assert.Equal(t, "v1.control.bot_1.session.start", Subject("v1.control", "bot_1", CmdSessionStart))

	for _, subject := range []string{"v1.events.bot_1.session.start", "v1.control.bot_1", "v1.control..session.start"} {
		_, _, err := ParseSubject("v1.control", subject)
		assert.ErrorIs(t, err, apperrors.ErrBadRequest, subject)
	}
}

func TestSubjectPrefix(t *testing.T) {
	assert.Equal(t, "v1.control", subjectPrefix([]string{"v1.control.>"}))
	assert.Equal(t, "ops.cmd", subjectPrefix([]string{"ops.cmd.>", "other.>"}))
	assert.Equal(t, DefaultSubjectPrefix, subjectPrefix(nil))
	assert.Equal(t, DefaultSubjectPrefix, subjectPrefix([]string{">"}))
}

func TestDecideAction(t *testing.T) {
	base, max := time.Second, 10*time.Second
	retryable := apperrors.NewRetryable(errors.New("db busy"), "update config")

	tests := []struct {
		name      string
		err       error
		delivered uint64
		action    Action
		delay     time.Duration
	}{
		{"success", nil, 1, ActionAck, 0},
		{"first retry", retryable, 1, ActionNakDelay, time.Second},
		{"second retry doubles", retryable, 2, ActionNakDelay, 2 * time.Second},
		{"fourth delivery", retryable, 4, ActionNakDelay, 8 * time.Second},
		{"database error retried", fmtDatabase(), 4, ActionNakDelay, 8 * time.Second},
		{"out of attempts", retryable, 5, ActionTerm, 0},
		{"fatal", apperrors.NewFatal(retryable, "bad"), 1, ActionTerm, 0},
		{"plain error", errors.New("boom"), 1, ActionTerm, 0},
		{"validation", apperrors.ErrValidation, 1, ActionTerm, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, delay := decideAction(tt.err, tt.delivered, 5, base, max)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.delay, delay)
		})
	}

	_, delay := decideAction(retryable, 4, 10, base, 5*time.Second)
	assert.Equal(t, 5*time.Second, delay)
}

func fmtDatabase() error {
	return errors.Join(apperrors.ErrDatabase, errors.New("conn reset"))
}

func TestRouter_Route(t *testing.T) {
	r := NewRouter()
	var gotTenant string
	r.Register("ping", func(ctx context.Context, tenantID string, _ []byte) error {
		gotTenant = tenant.MustFromContext(ctx)
		assert.Equal(t, tenantID, gotTenant)
		return nil
	})

	require.NoError(t, r.Route(context.Background(), "bot_1", "ping", nil))
	assert.Equal(t, "bot_1", gotTenant)

	err := r.Route(context.Background(), "bot_1", "nope", nil)
	assert.True(t, apperrors.IsFatal(err))
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	var defaulted bool
	r.RegisterDefault(func(context.Context, string, []byte) error {
		defaulted = true
		return nil
	})
	require.NoError(t, r.Route(context.Background(), "bot_1", "nope", nil))
	assert.True(t, defaulted)
}

func TestHandlers(t *testing.T) {
	fleet := new(FleetMock)
	c := newTestConsumer(t, new(clientmock.ClientMock), fleet)
	ctx := context.Background()
	due := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)
	days := 30

	fleet.On("StartSession", mock.Anything, "bot_1", 90*time.Second).Return(nil).Once()
	fleet.On("StopSession", mock.Anything, "bot_1", false).Return(nil).Once()
	fleet.On("StopSession", mock.Anything, "bot_1", true).Return(nil).Once()
	fleet.On("UpdateConfig", mock.Anything, "bot_1", mock.MatchedBy(func(p model.ConfigPatch) bool {
		return p.AwayMessage != nil && *p.AwayMessage == "Volvemos pronto"
	})).Return(nil).Once()
	fleet.On("AddReminder", mock.Anything, "bot_1", &model.Reminder{ChatID: "c1", DueAt: due, RecurrenceDays: &days}).Return(nil).Once()
	fleet.On("SetClientStatus", mock.Anything, "bot_1", "c1", model.ClientCustomer).Return(nil).Once()
	fleet.On("RunBroadcast", mock.Anything, "bot_1", mock.MatchedBy(func(req RunBroadcast) bool {
		return req.Template == "Hola {name}" && len(req.Criteria.Statuses) == 1 && req.Criteria.Statuses[0] == model.ClientHot
	})).Return("campaign-1", nil).Once()

	for _, tc := range []struct {
		command string
		body    string
	}{
		{CmdSessionStart, `{"watch_qr":90}`},
		{CmdSessionStop, ``},
		{CmdSessionLogout, `{}`},
		{CmdConfigUpdate, `{"away_message":"Volvemos pronto"}`},
		{CmdReminderAdd, `{"chat_id":"c1","due_at":"2026-11-01T09:00:00Z","recurrence_days":30}`},
		{CmdClientStatus, `{"chat_id":"c1","status":"CUSTOMER"}`},
		{CmdBroadcastRun, `{"template":"Hola {name}","criteria":{"statuses":["HOT"]}}`},
	} {
		err := c.process(ctx, Subject("v1.control", "bot_1", tc.command), []byte(tc.body))
		assert.NoError(t, err, tc.command)
	}
	fleet.AssertExpectations(t)
}

func TestHandlers_RejectBadPayloads(t *testing.T) {
	fleet := new(FleetMock)
	c := newTestConsumer(t, new(clientmock.ClientMock), fleet)
	ctx := context.Background()

	for _, tc := range []struct {
		command string
		body    string
	}{
		{CmdSessionStart, `{"watch_qr":-1}`},
		{CmdConfigUpdate, `{"business_hours_start":"25:00"}`},
		{CmdReminderAdd, `{"due_at":"2026-11-01T09:00:00Z"}`},
		{CmdClientStatus, `{"chat_id":"c1","status":"VIP"}`},
		{CmdBroadcastRun, `not json`},
	} {
		err := c.process(ctx, Subject("v1.control", "bot_1", tc.command), []byte(tc.body))
		require.Error(t, err, tc.command)
		assert.True(t, apperrors.IsFatal(err), tc.command)
		action, _ := decideAction(err, 1, 5, time.Second, time.Minute)
		assert.Equal(t, ActionTerm, action, tc.command)
	}
	fleet.AssertNotCalled(t, "StartSession", mock.Anything, mock.Anything, mock.Anything)
	fleet.AssertNotCalled(t, "UpdateConfig", mock.Anything, mock.Anything, mock.Anything)

	err := c.process(ctx, "v1.other.bot_1.session.start", nil)
	assert.True(t, apperrors.IsFatal(err))
}

func TestHandlers_FleetErrorIsReturned(t *testing.T) {
	fleet := new(FleetMock)
	c := newTestConsumer(t, new(clientmock.ClientMock), fleet)
	busy := apperrors.NewRetryable(apperrors.ErrTransport, "connect")
	fleet.On("StartSession", mock.Anything, "bot_1", time.Duration(0)).Return(busy)

	err := c.process(context.Background(), Subject("v1.control", "bot_1", CmdSessionStart), nil)
	assert.ErrorIs(t, err, apperrors.ErrTransport)
	action, delay := decideAction(err, 1, 5, time.Second, time.Minute)
	assert.Equal(t, ActionNakDelay, action)
	assert.Equal(t, time.Second, delay)
}

func TestConsumer_Setup(t *testing.T) {
	client := new(clientmock.ClientMock)
	c := newTestConsumer(t, client, new(FleetMock))

	client.On("SetupStream", mock.Anything, mock.MatchedBy(func(sc *nats.StreamConfig) bool {
		return sc.Name == "bot_control" &&
			assert.ElementsMatch(t, []string{"v1.control.>"}, sc.Subjects) &&
			sc.MaxAge == 24*time.Hour &&
			sc.Storage == nats.FileStorage
	})).Return(nil)
	client.On("SetupConsumer", mock.Anything, "bot_control", mock.MatchedBy(func(cc *nats.ConsumerConfig) bool {
		return cc.Durable == "bot-fleet-control" &&
			cc.DeliverGroup == "bot-fleet" &&
			cc.AckPolicy == nats.AckExplicitPolicy &&
			cc.MaxDeliver == 5 &&
			cc.DeliverSubject != ""
	})).Return(nil)

	require.NoError(t, c.Setup())
	client.AssertExpectations(t)
}

func TestConsumer_SetupStreamError(t *testing.T) {
	client := new(clientmock.ClientMock)
	c := newTestConsumer(t, client, new(FleetMock))
	client.On("SetupStream", mock.Anything, mock.AnythingOfType("*nats.StreamConfig")).Return(errors.New("stream setup failed"))

	err := c.Setup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to setup control stream")
	client.AssertNotCalled(t, "SetupConsumer", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumer_Start(t *testing.T) {
	client := new(clientmock.ClientMock)
	c := newTestConsumer(t, client, new(FleetMock))
	client.On("SubscribePush", "v1.control.>", "bot-fleet-control", "bot-fleet", "bot_control", mock.AnythingOfType("nats.MsgHandler")).
		Return(clientmock.MockSubscription(), nil)

	require.NoError(t, c.Start())
	assert.Equal(t, "v1.control", c.Prefix())
	client.AssertExpectations(t)

	c.Stop()
}

func TestRouter_PanickingHandlerFailsCommand(t *testing.T) {
	r := NewRouter()
	r.Register(CmdSessionStop, func(context.Context, string, []byte) error {
		panic("boom")
	})

	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))
	err := r.Route(ctx, "tenant_a", CmdSessionStop, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic recovered")

	action, _ := decideAction(err, 1, 5, time.Second, time.Minute)
	assert.Equal(t, ActionTerm, action)
}
