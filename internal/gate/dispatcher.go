package gate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
)

// DispatcherConfig sizes the shared worker pool.
type DispatcherConfig struct {
	PoolSize   int
	ExpiryTime time.Duration
}

// Dispatcher runs tasks serially per key and concurrently across keys on a
// shared ants pool. Keys are tenant/conversation pairs. Submit never blocks:
// when every pool worker is busy the drainer runs on its own goroutine.
type Dispatcher struct {
	pool *ants.Pool
	log  *zap.Logger

	mu     sync.Mutex
	queues map[string]*convQueue
}

type convQueue struct {
	tenantID string
	tasks    []func()
	running  bool
}

// NewDispatcher creates the pool.
func NewDispatcher(cfg DispatcherConfig, baseLogger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		log:    baseLogger.Named("dispatcher"),
		queues: make(map[string]*convQueue),
	}

	opts := []ants.Option{
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			d.log.Error("Panic recovered in dispatcher worker", zap.Any("panic_error", p), zap.Stack("stack"))
		}),
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}
	pool, err := ants.NewPool(cfg.PoolSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher pool: %w", err)
	}
	d.pool = pool
	d.log.Info("Dispatcher pool initialized",
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("expiry_time", cfg.ExpiryTime),
	)
	return d, nil
}

// QueueKey builds the dispatcher key of a conversation.
func QueueKey(tenantID, conv string) string {
	return tenantID + "/" + conv
}

// Submit appends task to the queue of key. Tasks of one key run one at a time
// in submission order.
func (d *Dispatcher) Submit(key string, task func()) error {
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		tenantID, _, _ := strings.Cut(key, "/")
		q = &convQueue{tenantID: tenantID}
		d.queues[key] = q
	}
	q.tasks = append(q.tasks, task)
	observer.AddDispatcherQueued(q.tenantID, 1)
	if q.running {
		d.mu.Unlock()
		return nil
	}
	q.running = true
	d.mu.Unlock()

	drainer := func() { d.drain(key) }
	err := d.pool.Submit(drainer)
	if errors.Is(err, ants.ErrPoolOverload) {
		d.log.Debug("Dispatcher pool saturated, draining outside the pool", zap.String("key", key))
		observer.IncDispatcherOverflow(q.tenantID)
		go drainer()
		return nil
	}
	if err != nil {
		// Without a drainer the whole queue is lost.
		d.mu.Lock()
		dropped := len(q.tasks)
		delete(d.queues, key)
		d.mu.Unlock()
		observer.AddDispatcherQueued(q.tenantID, -dropped)
		return fmt.Errorf("failed to submit to dispatcher pool: %w", err)
	}
	return nil
}

func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if q == nil || len(q.tasks) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		d.mu.Unlock()

		observer.AddDispatcherQueued(q.tenantID, -1)
		d.run(key, task)
	}
}

func (d *Dispatcher) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Panic recovered in conversation task", zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Pending returns the number of queued tasks not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q.tasks)
	}
	return n
}

// Release waits up to timeout for running workers and frees the pool.
func (d *Dispatcher) Release(timeout time.Duration) {
	if err := d.pool.ReleaseTimeout(timeout); err != nil {
		d.log.Warn("Dispatcher pool did not drain before timeout", zap.Error(err))
	}
}
