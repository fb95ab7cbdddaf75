package session

import (
	"sync"
	"time"
)

// QRListeners counts who is waiting for a tenant's pairing code. A connection
// whose pairing window expires with nobody listening stops reconnecting.
type QRListeners struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewQRListeners returns an empty listener set.
func NewQRListeners() *QRListeners {
	return &QRListeners{counts: make(map[string]int)}
}

// Subscribe registers one listener for tenantID. The returned func removes it
// and is safe to call more than once.
func (q *QRListeners) Subscribe(tenantID string) func() {
	q.mu.Lock()
	q.counts[tenantID]++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.counts[tenantID]--
			if q.counts[tenantID] <= 0 {
				delete(q.counts, tenantID)
			}
		})
	}
}

// SubscribeFor registers a listener that expires after d.
func (q *QRListeners) SubscribeFor(tenantID string, d time.Duration) {
	if d <= 0 {
		return
	}
	unsubscribe := q.Subscribe(tenantID)
	time.AfterFunc(d, unsubscribe)
}

// HasListeners reports whether anyone is waiting for tenantID's QR code.
func (q *QRListeners) HasListeners(tenantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts[tenantID] > 0
}
