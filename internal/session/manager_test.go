package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
)

type managerClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *managerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *managerClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newTestManager(h *harness) *Manager {
	return NewManager(context.Background(), h.deps, h.settings, config.SessionConfig{
		RestoreBatchSize: 5,
		RestorePause:     2 * time.Second,
		ShutdownTimeout:  time.Second,
	})
}

func TestRegistry_Claim(t *testing.T) {
	r := NewRegistry()
	builds := 0
	build := func() *Connection {
		builds++
		return &Connection{tenantID: "a"}
	}

	first, outcome := r.Claim("a", build)
	assert.Equal(t, Created, outcome)
	second, outcome := r.Claim("a", build)
	assert.Equal(t, AlreadyRunning, outcome)
	assert.Same(t, first, second)
	assert.Equal(t, 1, builds)
	assert.Equal(t, "already_running", outcome.String())

	assert.False(t, r.Remove("a", &Connection{}), "only the registered connection is removed")
	assert.True(t, r.Remove("a", first))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SettleReleasesWaiters(t *testing.T) {
	r := NewRegistry()
	build := func() *Connection { return &Connection{tenantID: "a"} }

	first, _ := r.Claim("a", build)
	second, outcome := r.Claim("a", build)
	require.Equal(t, AlreadyRunning, outcome)

	waited := make(chan error, 1)
	go func() { waited <- r.Await(context.Background(), "a", second) }()

	r.Settle("a", first, errors.New("boom"))
	assert.EqualError(t, <-waited, "boom")
	_, ok := r.Get("a")
	assert.False(t, ok, "a failed initialisation is dropped")
	assert.ErrorIs(t, r.Await(context.Background(), "a", second), apperrors.ErrNotFound)

	ok1, _ := r.Claim("b", build)
	r.Settle("b", ok1, nil)
	assert.NoError(t, r.Await(context.Background(), "b", ok1))

	pending, _ := r.Claim("c", build)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Await(ctx, "c", pending), apperrors.ErrTimeout)

	go func() { waited <- r.Await(context.Background(), "c", pending) }()
	assert.True(t, r.Remove("c", pending))
	assert.ErrorIs(t, <-waited, apperrors.ErrNotFound)
}

func TestQRListeners(t *testing.T) {
	q := NewQRListeners()
	assert.False(t, q.HasListeners("a"))

	u1 := q.Subscribe("a")
	u2 := q.Subscribe("a")
	assert.True(t, q.HasListeners("a"))
	assert.False(t, q.HasListeners("b"))

	u1()
	u1()
	assert.True(t, q.HasListeners("a"), "a repeated unsubscribe only removes one listener")
	u2()
	assert.False(t, q.HasListeners("a"))

	q.SubscribeFor("a", 20*time.Millisecond)
	assert.True(t, q.HasListeners("a"))
	require.Eventually(t, func() bool { return !q.HasListeners("a") }, time.Second, 5*time.Millisecond)
}

func TestManager_StartSessionEnsuresBot(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(_ string, tr *fakeTransport) { tr.onConnect = openOnConnect }
	m := newTestManager(h)

	conn, outcome, err := m.StartSession(context.Background(), "bot_new")
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 1, m.Count())

	bot := h.botStatus(t, "bot_new")
	assert.True(t, bot.IsActive)
	assert.Equal(t, model.StatusConnected, bot.Status)

	again, outcome, err := m.StartSession(context.Background(), "bot_new")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, outcome)
	assert.Same(t, conn, again)

	_, _, err = m.StartSession(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestManager_ConcurrentStartInitialisesOnce(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(_ string, tr *fakeTransport) { tr.onConnect = pairOnConnect("QR") }
	m := newTestManager(h)

	const callers = 10
	conns := make([]*Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := m.StartSession(context.Background(), testTenant)
			assert.NoError(t, err)
			conns[i] = conn
		}()
	}
	wg.Wait()

	require.Len(t, h.factory.Builds(testTenant), 1)
	assert.Equal(t, 1, h.factory.Last(testTenant).Connects())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

// slowFailingStore blocks the first EnsureBot until released and fails it.
type slowFailingStore struct {
	*storage.Repo
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowFailingStore) EnsureBot(ctx context.Context, bot model.Bot) error {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
		return errors.New("db down")
	}
	return s.Repo.EnsureBot(ctx, bot)
}

func TestManager_FailedInitLeavesNoStrayConnection(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(_ string, tr *fakeTransport) { tr.onConnect = openOnConnect }
	store := &slowFailingStore{Repo: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	h.deps.Store = store
	m := newTestManager(h)

	creatorErr := make(chan error, 1)
	go func() {
		_, _, err := m.StartSession(context.Background(), testTenant)
		creatorErr <- err
	}()
	<-store.entered

	type result struct {
		conn    *Connection
		outcome ClaimOutcome
		err     error
	}
	follower := make(chan result, 1)
	go func() {
		conn, outcome, err := m.StartSession(context.Background(), testTenant)
		follower <- result{conn, outcome, err}
	}()

	select {
	case <-follower:
		t.Fatal("a concurrent start must wait for the creator")
	case <-time.After(100 * time.Millisecond):
	}
	close(store.release)

	assert.ErrorContains(t, <-creatorErr, "db down")
	res := <-follower
	assert.Equal(t, AlreadyRunning, res.outcome)
	assert.ErrorContains(t, res.err, "db down")
	assert.Nil(t, res.conn)
	assert.Empty(t, h.factory.Builds(testTenant), "nothing was started")
	assert.Equal(t, 0, m.Count())

	conn, outcome, err := m.StartSession(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.True(t, conn.IsConnected())
	assert.Len(t, h.factory.Builds(testTenant), 1)
	got, ok := m.Get(testTenant)
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestManager_RestoreAllInBatches(t *testing.T) {
	h := newHarness(t)
	clock := &managerClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h.factory.prepare = func(_ string, tr *fakeTransport) {
		tr.clock = clock.Now
		tr.onConnect = openOnConnect
	}

	var tenants []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("bot_%02d", i)
		tenants = append(tenants, id)
		require.NoError(t, h.store.EnsureBot(tenant.WithTenantID(context.Background(), id), model.Bot{ID: id, IsActive: true}))
	}
	require.NoError(t, h.store.EnsureBot(tenant.WithTenantID(context.Background(), "bot_off"), model.Bot{ID: "bot_off", IsActive: false}))

	m := newTestManager(h)
	m.sleep = clock.Sleep

	started, err := m.RestoreAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, started)
	assert.Equal(t, 12, m.Count())
	assert.Empty(t, h.factory.Builds("bot_off"))

	// Three batches of at most five, two seconds apart.
	starts := map[time.Time]int{}
	var first, last time.Time
	for _, id := range tenants {
		builds := h.factory.Builds(id)
		require.Len(t, builds, 1, id)
		at := builds[0].connectAt[0]
		starts[at]++
		if first.IsZero() || at.Before(first) {
			first = at
		}
		if at.After(last) {
			last = at
		}
	}
	assert.Len(t, starts, 3)
	for at, n := range starts {
		assert.LessOrEqual(t, n, 5, at)
	}
	assert.GreaterOrEqual(t, last.Sub(first), 4*time.Second)
}

func TestManager_StopSession(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(_ string, tr *fakeTransport) { tr.onConnect = openOnConnect }
	m := newTestManager(h)

	_, _, err := m.StartSession(context.Background(), testTenant)
	require.NoError(t, err)

	require.NoError(t, m.StopSession(context.Background(), testTenant, true))
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, h.factory.Last(testTenant).logouts)

	err = m.StopSession(context.Background(), testTenant, false)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestManager_ShutdownAll(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(_ string, tr *fakeTransport) { tr.onConnect = openOnConnect }
	m := newTestManager(h)

	for _, id := range []string{"bot_a", "bot_b", "bot_c"} {
		_, _, err := m.StartSession(context.Background(), id)
		require.NoError(t, err)
	}
	require.Len(t, m.Snapshots(), 3)

	require.NoError(t, m.ShutdownAll(context.Background()))
	assert.Equal(t, 0, m.Count())
	for _, id := range []string{"bot_a", "bot_b", "bot_c"} {
		tr := h.factory.Last(id)
		assert.Equal(t, 1, tr.disconnects)
		assert.Equal(t, 0, tr.logouts)
		assert.Equal(t, model.StatusDisconnected, h.botStatus(t, id).Status)
	}
}
