package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	sinkmock "gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink/mock"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/gate"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/transport"
)

const (
	testTenant = "bot_session"
	testChat   = "628111111111@s.whatsapp.net"
	testSelf   = "628999999999@s.whatsapp.net"
)

// fakeTransport is scripted through onConnect, which runs synchronously inside
// Connect the way whatsmeow reports the first status.
type fakeTransport struct {
	mu          sync.Mutex
	handler     transport.Handler
	connects    int
	connectAt   []time.Time
	connectErr  error
	onConnect   func(h transport.Handler, attempt int)
	disconnects int
	logouts     int
	sent        []string
	clock       func() time.Time
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) Handler() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	attempt := f.connects
	if f.clock != nil {
		f.connectAt = append(f.connectAt, f.clock())
	}
	err, script, h := f.connectErr, f.onConnect, f.handler
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if script != nil {
		script(h, attempt)
	}
	return nil
}

func (f *fakeTransport) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeTransport) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeTransport) Send(_ context.Context, conv string, out model.Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conv+"|"+out.Text)
	return fmt.Sprintf("BOT%03d", len(f.sent)), nil
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) MarkRead(context.Context, model.EventRef) error     { return nil }
func (f *fakeTransport) SendTyping(context.Context, string) error           { return nil }
func (f *fakeTransport) DownloadMedia(context.Context, any) ([]byte, error) { return nil, nil }

func (f *fakeTransport) SelfIdentity(context.Context) (model.Identity, error) {
	return model.Identity{Name: "Neo", Number: "628999999999", JID: testSelf}, nil
}

// fakeFactory hands out one fakeTransport per build and keeps them for inspection.
type fakeFactory struct {
	mu      sync.Mutex
	builds  map[string][]*fakeTransport
	prepare func(tenantID string, tr *fakeTransport)
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{builds: make(map[string][]*fakeTransport)}
}

func (f *fakeFactory) Build(tenantID string) (transport.Transport, error) {
	tr := &fakeTransport{}
	f.mu.Lock()
	prepare := f.prepare
	f.builds[tenantID] = append(f.builds[tenantID], tr)
	f.mu.Unlock()
	if prepare != nil {
		prepare(tenantID, tr)
	}
	return tr, nil
}

func (f *fakeFactory) Builds(tenantID string) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.builds[tenantID]...)
}

func (f *fakeFactory) Last(tenantID string) *fakeTransport {
	builds := f.Builds(tenantID)
	if len(builds) == 0 {
		return nil
	}
	return builds[len(builds)-1]
}

type stubResponder struct{}

func (stubResponder) Generate(context.Context, responder.Request) (string, error) {
	return "respuesta", nil
}

func (stubResponder) Transcribe(context.Context, []byte, string) (string, error) {
	return "", nil
}

type harness struct {
	store    *storage.Repo
	sink     *sinkmock.Recorder
	factory  *fakeFactory
	qr       *QRListeners
	deps     Dependencies
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := storage.NewSQLiteRepo(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	dispatcher, err := gate.NewDispatcher(gate.DispatcherConfig{PoolSize: 4}, log)
	require.NoError(t, err)
	t.Cleanup(func() { dispatcher.Release(time.Second) })

	h := &harness{
		store:   store,
		sink:    &sinkmock.Recorder{},
		factory: newFakeFactory(),
		qr:      NewQRListeners(),
	}
	h.deps = Dependencies{
		Factory:    h.factory.Build,
		Store:      store,
		Sink:       h.sink,
		Responder:  stubResponder{},
		Dispatcher: dispatcher,
		QR:         h.qr,
		Log:        log,
	}
	h.settings = Settings{
		ReconnectDelay:  10 * time.Millisecond,
		JanitorInterval: time.Minute,
		Gate:            gate.Settings{DedupTTL: time.Minute, SelfResolution: gate.SelfResolutionOff},
	}
	return h
}

// newConn builds a connection of tenantID whose bot row exists.
func (h *harness) newConn(t *testing.T, tenantID string) *Connection {
	t.Helper()
	require.NoError(t, h.store.EnsureBot(tenant.WithTenantID(context.Background(), tenantID), model.Bot{ID: tenantID, IsActive: true}))
	return newConnection(context.Background(), tenantID, h.deps, h.settings)
}

func (h *harness) botStatus(t *testing.T, tenantID string) *model.Bot {
	t.Helper()
	bot, err := h.store.GetBot(tenant.WithTenantID(context.Background(), tenantID))
	require.NoError(t, err)
	return bot
}

func statuses(rec *sinkmock.Recorder) []model.ConnectionStatus {
	var out []model.ConnectionStatus
	for _, s := range rec.Statuses() {
		out = append(out, s.Status)
	}
	return out
}

func pairOnConnect(qr string) func(h transport.Handler, attempt int) {
	return func(h transport.Handler, attempt int) {
		h.OnStatus(transport.Status{Kind: transport.StatusConnecting})
		h.OnStatus(transport.Status{Kind: transport.StatusPairing, QR: fmt.Sprintf("%s-%d", qr, attempt)})
	}
}

func openOnConnect(h transport.Handler, _ int) {
	h.OnStatus(transport.Status{Kind: transport.StatusConnecting})
	h.OnStatus(transport.Status{Kind: transport.StatusOpen})
}
