package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
)

// ClaimOutcome tells a caller of Registry.Claim whether it created the entry.
type ClaimOutcome int

const (
	Created ClaimOutcome = iota
	AlreadyRunning
)

// String implements fmt.Stringer.
func (o ClaimOutcome) String() string {
	if o == AlreadyRunning {
		return "already_running"
	}
	return "created"
}

// Registry maps tenant ids to their connection. Claiming is atomic, so two
// concurrent starts of the same tenant share one Connection.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry
}

// entry is a claimed connection plus the outcome of its initialisation.
// ready is closed once the creator settles it.
type entry struct {
	conn  *Connection
	ready chan struct{}
	err   error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// Claim returns the connection of tenantID, calling build to create it when
// none exists. build runs under the registry lock and must not block. The
// creator must Settle the claim; other claimants Await it.
func (r *Registry) Claim(tenantID string, build func() *Connection) (*Connection, ClaimOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[tenantID]; ok {
		return e.conn, AlreadyRunning
	}
	e := &entry{conn: build(), ready: make(chan struct{})}
	r.conns[tenantID] = e
	return e.conn, Created
}

// Settle records the initialisation outcome of c. A failed initialisation
// drops c from the registry before anyone waiting on it is released.
func (r *Registry) Settle(tenantID string, c *Connection, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[tenantID]
	if !ok || e.conn != c {
		return
	}
	select {
	case <-e.ready:
		return
	default:
	}
	e.err = err
	if err != nil {
		delete(r.conns, tenantID)
	}
	close(e.ready)
}

// Await blocks until the creator of c has settled it and returns its
// initialisation error.
func (r *Registry) Await(ctx context.Context, tenantID string, c *Connection) error {
	r.mu.Lock()
	e, ok := r.conns[tenantID]
	r.mu.Unlock()
	if !ok || e.conn != c {
		return fmt.Errorf("%w: session %s was dropped during start", apperrors.ErrNotFound, tenantID)
	}
	select {
	case <-e.ready:
		return e.err
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for session %s: %v", apperrors.ErrTimeout, tenantID, ctx.Err())
	}
}

// Get returns the connection of tenantID.
func (r *Registry) Get(tenantID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[tenantID]; ok {
		return e.conn, true
	}
	return nil, false
}

// Remove drops c if it is still the registered connection of tenantID.
// Anyone still awaiting it is released.
func (r *Registry) Remove(tenantID string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[tenantID]
	if !ok || e.conn != c {
		return false
	}
	delete(r.conns, tenantID)
	select {
	case <-e.ready:
	default:
		e.err = fmt.Errorf("%w: session %s removed during start", apperrors.ErrNotFound, tenantID)
		close(e.ready)
	}
	return true
}

// List returns every registered connection ordered by tenant id.
func (r *Registry) List() []*Connection {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.conns[id].conn)
	}
	r.mu.Unlock()
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
