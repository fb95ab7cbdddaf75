package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/gate"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/reminder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/transport"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const (
	defaultReconnectDelay  = 2 * time.Second
	defaultJanitorInterval = time.Minute
	statusWriteTimeout     = 5 * time.Second
)

// Store is the persistence a connection and its collaborators need.
type Store interface {
	gate.Store
	reminder.Store
	EnsureBot(ctx context.Context, bot model.Bot) error
	UpdateBotStatus(ctx context.Context, status model.ConnectionStatus, identity *model.Identity) error
	UpdateMessageStatus(ctx context.Context, whatsappID string, status model.DeliveryStatus) (bool, error)
	UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error)
	ListActiveTenants(ctx context.Context) ([]string, error)
}

// Dependencies are shared by every connection of the fleet.
type Dependencies struct {
	Factory    transport.Factory
	Store      Store
	Sink       eventsink.Sink
	Responder  responder.Responder
	Dispatcher *gate.Dispatcher
	QR         *QRListeners
	Log        *zap.Logger
}

// Settings tune every connection of the fleet.
type Settings struct {
	ReconnectDelay  time.Duration
	JanitorInterval time.Duration
	ReminderSpec    string
	Gate            gate.Settings
}

func (s Settings) withDefaults() Settings {
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = defaultReconnectDelay
	}
	if s.JanitorInterval <= 0 {
		s.JanitorInterval = defaultJanitorInterval
	}
	return s
}

// Connection is one tenant's messaging session. It drives the transport
// through Disconnected, Connecting, AwaitingPairing and Connected, feeds inbound
// events to the tenant's gate and runs the reminder schedule while connected.
type Connection struct {
	tenantID string
	deps     Dependencies
	settings Settings
	baseCtx  context.Context
	log      *zap.Logger

	gate      *gate.Gate
	reminders *reminder.Scheduler

	mu        sync.Mutex
	state     State
	qr        string
	identity  model.Identity
	transport transport.Transport
	lifeCtx   context.Context
	cancel    context.CancelFunc
	reconnect *time.Timer
	connected chan struct{}
}

var (
	_ transport.Handler = (*Connection)(nil)
	_ gate.Messenger    = (*Connection)(nil)
)

func newConnection(baseCtx context.Context, tenantID string, deps Dependencies, settings Settings) *Connection {
	c := &Connection{
		tenantID:  tenantID,
		deps:      deps,
		settings:  settings.withDefaults(),
		baseCtx:   baseCtx,
		log:       deps.Log.Named("session").With(zap.String("tenant_id", tenantID)),
		state:     StateDisconnected,
		connected: make(chan struct{}),
	}
	c.gate = gate.New(tenantID, gate.Dependencies{
		Store:     deps.Store,
		Messenger: c,
		Responder: deps.Responder,
		Sink:      deps.Sink,
		Log:       deps.Log,
	}, settings.Gate)
	c.reminders = reminder.New(tenantID, deps.Store, c, deps.Sink, settings.ReminderSpec, deps.Log)
	return c
}

// TenantID returns the owning tenant.
func (c *Connection) TenantID() string {
	return c.tenantID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current state, pairing code and identity.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{TenantID: c.tenantID, State: c.state, QR: c.qr, Identity: c.identity}
}

// Context is cancelled when the connection stops or fails terminally. Work that
// must survive transient disconnects, like a broadcast, runs under it.
func (c *Connection) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifeCtx == nil {
		return c.baseCtx
	}
	return c.lifeCtx
}

// Start opens the session. Starting a live connection is a no-op.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Live() {
		c.mu.Unlock()
		return nil
	}
	if c.transport == nil {
		tr, err := c.deps.Factory(c.tenantID)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: build transport: %w", apperrors.ErrTransport, err)
		}
		tr.SetHandler(c)
		c.transport = tr
	}
	c.lifeCtx, c.cancel = context.WithCancel(c.baseCtx)
	lifeCtx, tr := c.lifeCtx, c.transport
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	c.log.Info("Starting session")
	c.publish(ctx, StateConnecting, "", nil)
	utils.SafeGo(func() { c.gate.RunJanitor(lifeCtx, c.settings.JanitorInterval) }, nil)

	if err := tr.Connect(lifeCtx); err != nil {
		c.log.Warn("Connect failed", zap.Error(err))
		c.OnStatus(transport.Status{Kind: transport.StatusClosed, Reason: err.Error(), Recoverable: true})
		return fmt.Errorf("%w: connect: %w", apperrors.ErrTransport, err)
	}
	return nil
}

// Stop closes the session. With logout the stored credentials are invalidated
// and the next Start pairs from scratch.
func (c *Connection) Stop(ctx context.Context, logout bool) error {
	c.mu.Lock()
	tr, cancel := c.transport, c.cancel
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	wasLive := c.state.Live()
	c.setStateLocked(StateDisconnected, "")
	if logout {
		c.transport = nil
		c.identity = model.Identity{}
	}
	c.mu.Unlock()

	c.reminders.Stop()
	if cancel != nil {
		cancel()
	}

	var err error
	if tr != nil {
		if logout {
			if lerr := tr.Logout(ctx); lerr != nil {
				err = fmt.Errorf("%w: logout: %w", apperrors.ErrTransport, lerr)
			}
		} else {
			tr.Disconnect()
		}
	}

	if wasLive || logout {
		c.log.Info("Session stopped", zap.Bool("logout", logout))
		c.publish(ctx, StateDisconnected, "", nil)
	}
	return err
}

// UpdateConfig validates and stores patch, then refreshes the gate's cached copy.
func (c *Connection) UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error) {
	if err := validator.Validate(patch); err != nil {
		return nil, err
	}
	cfg, err := c.deps.Store.UpdateConfig(tenant.WithTenantID(ctx, c.tenantID), patch)
	if err != nil {
		return nil, err
	}
	c.gate.InvalidateConfig(cfg)
	return cfg, nil
}

// AddReminder schedules a payment reminder for conv.
func (c *Connection) AddReminder(ctx context.Context, r *model.Reminder) error {
	return c.deps.Store.AddReminder(tenant.WithTenantID(ctx, c.tenantID), r)
}

// OnStatus implements transport.Handler.
func (c *Connection) OnStatus(st transport.Status) {
	switch st.Kind {
	case transport.StatusConnecting:
		c.onConnecting()
	case transport.StatusPairing:
		c.onPairing(st.QR)
	case transport.StatusOpen:
		c.onOpen()
	case transport.StatusClosed:
		c.onClosed(st)
	}
}

func (c *Connection) onConnecting() {
	c.mu.Lock()
	if !c.state.Live() || c.state == StateConnecting {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()
	c.publish(c.baseCtx, StateConnecting, "", nil)
}

func (c *Connection) onPairing(qr string) {
	c.mu.Lock()
	if !c.state.Live() {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateAwaitingPairing, qr)
	c.mu.Unlock()

	c.log.Info("Awaiting pairing")
	c.publish(c.baseCtx, StateAwaitingPairing, qr, nil)
}

func (c *Connection) onOpen() {
	c.mu.Lock()
	if !c.state.Live() || c.transport == nil {
		c.mu.Unlock()
		return
	}
	tr, lifeCtx := c.transport, c.lifeCtx
	c.mu.Unlock()

	identity, err := tr.SelfIdentity(lifeCtx)
	if err != nil {
		c.log.Warn("Failed to load self identity", zap.Error(err))
	}

	c.mu.Lock()
	if !c.state.Live() || c.lifeCtx != lifeCtx {
		c.mu.Unlock()
		return
	}
	if !identity.IsZero() {
		c.identity = identity
	}
	identity = c.identity
	c.setStateLocked(StateConnected, "")
	c.mu.Unlock()

	if err := c.reminders.Start(lifeCtx); err != nil {
		c.log.Error("Failed to start reminder scheduler", zap.Error(err))
	}
	c.log.Info("Session connected", zap.String("self", identity.JID), zap.String("name", identity.Name))
	c.publish(c.baseCtx, StateConnected, "", &identity)
}

func (c *Connection) onClosed(st transport.Status) {
	log := c.log.With(zap.String("reason", st.Reason), zap.Bool("recoverable", st.Recoverable))

	c.mu.Lock()
	if !c.state.Live() {
		c.mu.Unlock()
		return
	}
	prev := c.state

	terminal := !st.Recoverable ||
		(prev == StateAwaitingPairing && !c.deps.QR.HasListeners(c.tenantID))
	if terminal {
		tr, cancel := c.transport, c.cancel
		if !st.Recoverable {
			// Credentials are gone; the next Start builds a fresh transport.
			c.transport = nil
			c.identity = model.Identity{}
		}
		c.setStateLocked(StateDisconnected, "")
		c.mu.Unlock()

		c.reminders.Stop()
		if cancel != nil {
			cancel()
		}
		if tr != nil {
			tr.Disconnect()
		}
		if st.Recoverable {
			log.Info("Pairing expired with nobody watching, not reconnecting")
		} else {
			log.Warn("Session closed for good")
		}
		c.publish(c.baseCtx, StateDisconnected, "", nil)
		return
	}

	c.setStateLocked(StateConnecting, "")
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.reminders.Stop()
	log.Info("Session closed, reconnecting", zap.Duration("delay", c.settings.ReconnectDelay))
	c.publish(c.baseCtx, StateConnecting, "", nil)
}

func (c *Connection) scheduleReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	lifeCtx := c.lifeCtx
	c.reconnect = time.AfterFunc(c.settings.ReconnectDelay, func() { c.reconnectNow(lifeCtx) })
	observer.IncReconnectScheduled(c.tenantID)
}

func (c *Connection) reconnectNow(lifeCtx context.Context) {
	if lifeCtx == nil || lifeCtx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.state != StateConnecting || c.transport == nil || c.lifeCtx != lifeCtx {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	tr := c.transport
	c.mu.Unlock()

	c.log.Info("Reconnecting")
	if err := tr.Connect(lifeCtx); err != nil {
		c.log.Warn("Reconnect failed", zap.Error(err))
		c.OnStatus(transport.Status{Kind: transport.StatusClosed, Reason: err.Error(), Recoverable: true})
	}
}

// setStateLocked must be called with c.mu held.
func (c *Connection) setStateLocked(s State, qr string) {
	c.qr = qr
	if c.state == s {
		return
	}
	if c.state == StateConnected {
		c.connected = make(chan struct{})
	}
	if s == StateConnected {
		close(c.connected)
	}
	c.state = s
	observer.IncConnectionTransition(c.tenantID, s.String())
}

// publish persists and emits a status change. Persistence failures are logged.
func (c *Connection) publish(ctx context.Context, s State, qr string, identity *model.Identity) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if err := c.deps.Store.UpdateBotStatus(tenant.WithTenantID(writeCtx, c.tenantID), s.Status(), identity); err != nil {
		c.log.Warn("Failed to persist connection status", zap.String("status", s.String()), zap.Error(err))
	}
	c.deps.Sink.OnStatus(c.tenantID, s.Status(), qr)
}

// OnMessage implements transport.Handler. Events of one conversation are
// processed in arrival order.
func (c *Connection) OnMessage(evt model.InboundEvent) {
	c.mu.Lock()
	lifeCtx, live := c.lifeCtx, c.state.Live()
	c.mu.Unlock()
	if !live || lifeCtx == nil {
		c.log.Debug("Dropping event on stopped session", zap.String("event_id", evt.ID))
		return
	}

	key := c.gate.ConversationKey(lifeCtx, evt)
	err := c.deps.Dispatcher.Submit(gate.QueueKey(c.tenantID, key), func() {
		c.gate.Process(lifeCtx, evt)
	})
	if err != nil {
		c.log.Error("Failed to queue inbound event", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// OnDeliveryUpdate implements transport.Handler.
func (c *Connection) OnDeliveryUpdate(ref string, status model.DeliveryStatus) {
	ctx := tenant.WithTenantID(c.baseCtx, c.tenantID)
	updated, err := c.deps.Store.UpdateMessageStatus(ctx, ref, status)
	if err != nil {
		c.log.Warn("Failed to update delivery status", zap.String("ref", ref), zap.Error(err))
		return
	}
	if updated {
		c.deps.Sink.OnDeliveryUpdate(c.tenantID, ref, status)
	}
}

// OnIdentityHint implements transport.Handler.
func (c *Connection) OnIdentityHint(ephemeral, stable string) {
	c.gate.LearnIdentity(c.baseCtx, ephemeral, stable)
}

func (c *Connection) connectedTransport() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.transport == nil {
		return nil, fmt.Errorf("%w: session %s is %s", apperrors.ErrNotConnected, c.tenantID, c.state)
	}
	return c.transport, nil
}

// Send delivers out and remembers the ref so its echo is not mistaken for an
// operator message.
func (c *Connection) Send(ctx context.Context, conv string, out model.Outbound) (string, error) {
	tr, err := c.connectedTransport()
	if err != nil {
		return "", err
	}
	ref, err := tr.Send(ctx, conv, out)
	if err != nil {
		return "", err
	}
	c.gate.Sent().Record(ref)
	return ref, nil
}

func (c *Connection) SendTyping(ctx context.Context, conv string) error {
	tr, err := c.connectedTransport()
	if err != nil {
		return err
	}
	return tr.SendTyping(ctx, conv)
}

func (c *Connection) MarkRead(ctx context.Context, ref model.EventRef) error {
	tr, err := c.connectedTransport()
	if err != nil {
		return err
	}
	return tr.MarkRead(ctx, ref)
}

func (c *Connection) DownloadMedia(ctx context.Context, handle any) ([]byte, error) {
	tr, err := c.connectedTransport()
	if err != nil {
		return nil, err
	}
	return tr.DownloadMedia(ctx, handle)
}

// IsConnected reports whether the session can send.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// WaitConnected blocks until the session is connected, timeout elapses or ctx
// is done.
func (c *Connection) WaitConnected(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return true
	}
	ch := c.connected
	c.mu.Unlock()

	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}

// Self returns the identity captured at the last connect.
func (c *Connection) Self() model.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}
