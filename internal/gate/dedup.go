package gate

import (
	"context"
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// DedupTable remembers event IDs for a TTL window.
type DedupTable struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	nowFn func() time.Time
}

// NewDedupTable returns an empty table whose entries live for ttl.
func NewDedupTable(ttl time.Duration) *DedupTable {
	return &DedupTable{ttl: ttl, seen: make(map[string]time.Time), nowFn: utils.Now}
}

// Seen reports whether id was already recorded within the TTL. When it was not,
// it is recorded in the same critical section.
func (d *DedupTable) Seen(id string) bool {
	now := d.nowFn()
	d.mu.Lock()
	defer d.mu.Unlock()

	if first, ok := d.seen[id]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Sweep drops expired entries and returns how many were removed.
func (d *DedupTable) Sweep() int {
	now := d.nowFn()
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, first := range d.seen {
		if now.Sub(first) >= d.ttl {
			delete(d.seen, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked IDs.
func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// runEvery calls fn every interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
