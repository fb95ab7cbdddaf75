package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const (
	defaultRestoreBatchSize = 5
	defaultRestorePause     = 2 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
)

// Manager owns the fleet of connections.
type Manager struct {
	deps     Dependencies
	settings Settings
	cfg      config.SessionConfig
	registry *Registry
	baseCtx  context.Context
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewManager builds a manager. baseCtx bounds the lifetime of every connection.
func NewManager(baseCtx context.Context, deps Dependencies, settings Settings, cfg config.SessionConfig) *Manager {
	if deps.QR == nil {
		deps.QR = NewQRListeners()
	}
	if cfg.RestoreBatchSize <= 0 {
		cfg.RestoreBatchSize = defaultRestoreBatchSize
	}
	if cfg.RestorePause <= 0 {
		cfg.RestorePause = defaultRestorePause
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if settings.ReconnectDelay <= 0 {
		settings.ReconnectDelay = cfg.ReconnectDelay
	}
	return &Manager{
		deps:     deps,
		settings: settings,
		cfg:      cfg,
		registry: NewRegistry(),
		baseCtx:  baseCtx,
		log:      deps.Log.Named("session_manager"),
		sleep:    utils.SleepContext,
	}
}

// QR returns the pairing listener set shared by the fleet.
func (m *Manager) QR() *QRListeners {
	return m.deps.QR
}

// Get returns the connection of tenantID.
func (m *Manager) Get(tenantID string) (*Connection, bool) {
	return m.registry.Get(tenantID)
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// Snapshots lists the state of every registered connection.
func (m *Manager) Snapshots() []Snapshot {
	conns := m.registry.List()
	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	return out
}

// StartSession returns the live connection of tenantID, creating and starting
// it when needed. Concurrent calls for one tenant initialise it once: the
// creator ensures the bot row and starts the connection while the others wait
// for that to settle.
func (m *Manager) StartSession(ctx context.Context, tenantID string) (*Connection, ClaimOutcome, error) {
	if tenantID == "" {
		return nil, Created, fmt.Errorf("%w: empty tenant id", apperrors.ErrBadRequest)
	}

	conn, outcome := m.registry.Claim(tenantID, func() *Connection {
		return newConnection(m.baseCtx, tenantID, m.deps, m.settings)
	})
	defer m.updateGauge()

	if outcome == AlreadyRunning {
		if err := m.registry.Await(ctx, tenantID, conn); err != nil {
			return nil, outcome, err
		}
		if conn.State().Live() {
			return conn, outcome, nil
		}
		// Settled earlier and closed for good since; restart it in place.
		if err := conn.Start(ctx); err != nil {
			if !conn.State().Live() {
				m.registry.Remove(tenantID, conn)
			}
			return conn, outcome, err
		}
		return conn, outcome, nil
	}

	tctx := tenant.WithTenantID(ctx, tenantID)
	if err := m.deps.Store.EnsureBot(tctx, model.Bot{ID: tenantID, Name: tenantID, IsActive: true}); err != nil {
		err = fmt.Errorf("ensure bot %s: %w", tenantID, err)
		m.registry.Settle(tenantID, conn, err)
		return nil, outcome, err
	}

	if err := conn.Start(ctx); err != nil {
		// A failed connect keeps retrying on its own; only a connection that
		// never got going is forgotten.
		if !conn.State().Live() {
			m.registry.Settle(tenantID, conn, err)
			return conn, outcome, err
		}
		m.registry.Settle(tenantID, conn, nil)
		return conn, outcome, err
	}
	m.registry.Settle(tenantID, conn, nil)
	return conn, outcome, nil
}

// RestoreAll starts every active tenant in batches, pausing between batches so
// a large fleet does not reconnect all at once.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	ids, err := m.deps.Store.ListActiveTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tenants: %w", err)
	}
	m.log.Info("Restoring sessions", zap.Int("tenants", len(ids)), zap.Int("batch_size", m.cfg.RestoreBatchSize))

	var (
		mu      sync.Mutex
		started int
	)
	for i := 0; i < len(ids); i += m.cfg.RestoreBatchSize {
		if i > 0 {
			if err := m.sleep(ctx, m.cfg.RestorePause); err != nil {
				return started, err
			}
		}
		batch := ids[i:min(i+m.cfg.RestoreBatchSize, len(ids))]

		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := m.StartSession(ctx, id); err != nil {
					m.log.Warn("Failed to restore session", zap.String("tenant_id", id), zap.Error(err))
					return
				}
				mu.Lock()
				started++
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	m.log.Info("Sessions restored", zap.Int("started", started), zap.Int("tenants", len(ids)))
	return started, nil
}

// StopSession stops tenantID's connection and forgets it. With logout its
// credentials are invalidated.
func (m *Manager) StopSession(ctx context.Context, tenantID string, logout bool) error {
	conn, ok := m.registry.Get(tenantID)
	if !ok {
		return fmt.Errorf("%w: no session for %s", apperrors.ErrNotFound, tenantID)
	}
	err := conn.Stop(ctx, logout)
	m.registry.Remove(tenantID, conn)
	m.updateGauge()
	return err
}

// ShutdownAll stops every connection without logging out, bounded by the
// configured shutdown timeout.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	conns := m.registry.List()
	m.log.Info("Shutting down sessions", zap.Int("count", len(conns)))

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Stop(ctx, false); err != nil {
					m.log.Warn("Failed to stop session", zap.String("tenant_id", c.TenantID()), zap.Error(err))
				}
				m.registry.Remove(c.TenantID(), c)
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.updateGauge()
		return nil
	case <-ctx.Done():
		m.updateGauge()
		return fmt.Errorf("%w: session shutdown: %v", apperrors.ErrTimeout, ctx.Err())
	}
}

func (m *Manager) updateGauge() {
	observer.SetActiveSessions(m.registry.Len())
}
