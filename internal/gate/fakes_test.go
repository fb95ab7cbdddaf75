package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	sinkmock "gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink/mock"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
)

const (
	testTenant = "bot_gate"
	testChat   = "628111111111@s.whatsapp.net"
	testLID    = "99887766554433@lid"
	testSelf   = "628999999999@s.whatsapp.net"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStore struct {
	mu          sync.Mutex
	cfg         *model.BotConfig
	configLoads int
	messages    []model.Message
	silence     map[string]model.SilenceState
	reminders   []model.Reminder
	clients     map[string]string
	renames     [][2]string
	lastActive  string
	addErr      error
}

func newFakeStore() *fakeStore {
	cfg := model.DefaultBotConfig(testTenant)
	return &fakeStore{
		cfg:     cfg,
		silence: make(map[string]model.SilenceState),
		clients: make(map[string]string),
	}
}

func (s *fakeStore) checkTenant(ctx context.Context) error {
	id, err := tenant.FromContext(ctx)
	if err != nil || id != testTenant {
		return fmt.Errorf("%w: missing tenant", apperrors.ErrBadRequest)
	}
	return nil
}

func (s *fakeStore) GetConfig(ctx context.Context) (*model.BotConfig, error) {
	if err := s.checkTenant(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configLoads++
	cp := *s.cfg
	return &cp, nil
}

func (s *fakeStore) AddMessage(ctx context.Context, msg *model.Message) error {
	if err := s.checkTenant(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	msg.BotID = testTenant
	msg.ID = int64(len(s.messages) + 1)
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeStore) GetHistory(_ context.Context, chatID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) GetLastActiveChat(_ context.Context, _ []string, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActive == "" {
		return "", apperrors.ErrNotFound
	}
	return s.lastActive, nil
}

func (s *fakeStore) UpsertClient(_ context.Context, chatID, name, _ string) (*model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[chatID] = name
	return &model.Client{ChatID: chatID, Name: name, Status: model.ClientLead}, nil
}

func (s *fakeStore) GetSilence(_ context.Context, chatID string) (model.SilenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.silence[chatID]; ok {
		return st, nil
	}
	return model.NoSilence(), nil
}

func (s *fakeStore) SetSilence(_ context.Context, chatID string, state model.SilenceState) (model.SilenceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silence[chatID] = state
	return state, nil
}

func (s *fakeStore) AddReminder(_ context.Context, r *model.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders = append(s.reminders, *r)
	return nil
}

func (s *fakeStore) UpdateConversationIdentity(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renames = append(s.renames, [2]string{oldID, newID})
	return nil
}

func (s *fakeStore) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

type sentMessage struct {
	Conv string
	Text string
	Ref  string
}

type fakeMessenger struct {
	mu        sync.Mutex
	connected bool
	self      model.Identity
	sent      []sentMessage
	reads     []model.EventRef
	typing    int
	media     []byte
	mediaErr  error
	sendErr   error
	registry  *SentRegistry
}

func (m *fakeMessenger) Send(_ context.Context, conv string, out model.Outbound) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	ref := fmt.Sprintf("BOT%03d", len(m.sent)+1)
	m.sent = append(m.sent, sentMessage{Conv: conv, Text: out.Text, Ref: ref})
	if m.registry != nil {
		m.registry.Record(ref)
	}
	return ref, nil
}

func (m *fakeMessenger) SendTyping(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

func (m *fakeMessenger) MarkRead(_ context.Context, ref model.EventRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, ref)
	return nil
}

func (m *fakeMessenger) DownloadMedia(context.Context, any) ([]byte, error) {
	return m.media, m.mediaErr
}

func (m *fakeMessenger) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMessenger) WaitConnected(context.Context, time.Duration) bool {
	return m.IsConnected()
}

func (m *fakeMessenger) Self() model.Identity {
	return m.self
}

func (m *fakeMessenger) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeResponder struct {
	mu         sync.Mutex
	reply      string
	err        error
	transcript string
	requests   []responder.Request
}

func (r *fakeResponder) Generate(_ context.Context, req responder.Request) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.err != nil {
		return "", r.err
	}
	return r.reply, nil
}

func (r *fakeResponder) Transcribe(context.Context, []byte, string) (string, error) {
	if r.transcript == "" {
		return "", errors.New("no speech")
	}
	return r.transcript, nil
}

func (r *fakeResponder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type gateHarness struct {
	gate      *Gate
	store     *fakeStore
	messenger *fakeMessenger
	responder *fakeResponder
	sink      *sinkmock.Recorder
	clock     *fakeClock
	delays    []time.Duration
}

func newHarness(t *testing.T) *gateHarness {
	t.Helper()
	h := &gateHarness{
		store:     newFakeStore(),
		responder: &fakeResponder{reply: "¡Hola! ¿En qué te ayudo?"},
		sink:      &sinkmock.Recorder{},
		clock:     &fakeClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)},
	}
	sent := NewSentRegistry()
	h.messenger = &fakeMessenger{connected: true, self: model.Identity{JID: testSelf}, registry: sent}

	g := New(testTenant, Dependencies{
		Store:     h.store,
		Messenger: h.messenger,
		Responder: h.responder,
		Sink:      h.sink,
		Sent:      sent,
		Log:       zaptest.NewLogger(t),
	}, Settings{DedupTTL: time.Hour, ConfigCacheTTL: 5 * time.Minute, SelfResolution: SelfResolutionHeuristic})

	g.nowFn = h.clock.Now
	g.dedup.nowFn = h.clock.Now
	g.configs.nowFn = h.clock.Now
	g.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	if r, ok := g.resolver.(*HeuristicResolver); ok {
		r.nowFn = h.clock.Now
		r.sleep = func(context.Context, time.Duration) error { return nil }
	}
	h.gate = g
	return h
}

func textEvent(id, conv, text string) model.InboundEvent {
	return model.InboundEvent{
		ID:             id,
		TenantID:       testTenant,
		ConversationID: conv,
		SenderID:       conv,
		PushName:       "Ana",
		Timestamp:      time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		Payload:        model.TextPayload{Text: text},
	}
}

func selfEvent(id, conv, text string) model.InboundEvent {
	evt := textEvent(id, conv, text)
	evt.IsSelfOriginated = true
	evt.SenderID = testSelf
	return evt
}
