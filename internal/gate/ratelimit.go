package gate

import (
	"sync"
	"time"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

const awayReplyInterval = time.Hour

// RateLimiter keeps one RateWindow per conversation. It also throttles the
// business-hours away message.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*model.RateWindow
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*model.RateWindow)}
}

func (r *RateLimiter) window(conv string) *model.RateWindow {
	w, ok := r.windows[conv]
	if !ok {
		w = &model.RateWindow{}
		r.windows[conv] = w
	}
	return w
}

// Admit counts one event for conv and reports whether it is within limit per window.
func (r *RateLimiter) Admit(conv string, now time.Time, limit int, window time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window(conv).Admit(now, limit, window)
}

// AwayDue reports whether an away message may be sent to conv.
func (r *RateLimiter) AwayDue(conv string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.window(conv).LastAwayReply
	return last.IsZero() || now.Sub(last) > awayReplyInterval
}

// MarkAway records that an away message was sent to conv.
func (r *RateLimiter) MarkAway(conv string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window(conv).LastAwayReply = now
}

// Sweep forgets conversations idle for longer than idle.
func (r *RateLimiter) Sweep(now time.Time, idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for conv, w := range r.windows {
		last := w.WindowStart
		if w.LastAwayReply.After(last) {
			last = w.LastAwayReply
		}
		if now.Sub(last) > idle {
			delete(r.windows, conv)
			removed++
		}
	}
	return removed
}
