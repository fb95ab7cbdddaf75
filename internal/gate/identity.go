package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const (
	selfResolveWait    = 1500 * time.Millisecond
	outboundRecency    = 5 * time.Second
	lastActiveLookback = 24 * time.Hour
)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// IdentityCache maps ephemeral conversation ids to stable ones.
type IdentityCache struct {
	mu      sync.RWMutex
	aliases map[string]string
}

func NewIdentityCache() *IdentityCache {
	return &IdentityCache{aliases: make(map[string]string)}
}

// Learn records ephemeral -> stable and reports whether the mapping is new.
func (c *IdentityCache) Learn(ephemeral, stable string) bool {
	if ephemeral == "" || stable == "" || ephemeral == stable {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aliases[ephemeral] == stable {
		return false
	}
	c.aliases[ephemeral] = stable
	return true
}

// Resolve returns the stable id for id, or id itself.
func (c *IdentityCache) Resolve(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if stable, ok := c.aliases[id]; ok {
		return stable
	}
	return id
}

// OutboundTracker remembers the last genuine outbound conversation: a
// self-originated event addressed to a non-ephemeral id.
type OutboundTracker struct {
	mu   sync.Mutex
	conv string
	at   time.Time
}

func (t *OutboundTracker) Record(conv string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conv = conv
	t.at = at
}

// Recent returns the last outbound conversation if it happened within window of now.
func (t *OutboundTracker) Recent(now time.Time, window time.Duration) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv == "" || now.Sub(t.at) >= window {
		return "", false
	}
	return t.conv, true
}

// IdentityResolver guesses the real conversation of a self-originated event
// that only carries the account's own ephemeral id.
type IdentityResolver interface {
	ResolveSelf(ctx context.Context, conv string) string
}

// NoopResolver keeps the ephemeral id.
type NoopResolver struct{}

func (NoopResolver) ResolveSelf(_ context.Context, conv string) string { return conv }

// LastActiveFinder is the store lookup the heuristic falls back to.
type LastActiveFinder interface {
	GetLastActiveChat(ctx context.Context, exclude []string, since time.Time) (string, error)
}

// HeuristicResolver waits briefly for the matching outbound event, then
// falls back to the most recently active conversation. Best-effort only: it
// relies on event ordering the transport does not guarantee.
type HeuristicResolver struct {
	tracker *OutboundTracker
	store   LastActiveFinder
	self    func() model.Identity
	sleep   Sleeper
	nowFn   func() time.Time
	log     *zap.Logger
}

func NewHeuristicResolver(tracker *OutboundTracker, store LastActiveFinder, self func() model.Identity, log *zap.Logger) *HeuristicResolver {
	return &HeuristicResolver{
		tracker: tracker,
		store:   store,
		self:    self,
		sleep:   utils.SleepContext,
		nowFn:   utils.Now,
		log:     log,
	}
}

func (r *HeuristicResolver) ResolveSelf(ctx context.Context, conv string) string {
	if err := r.sleep(ctx, selfResolveWait); err != nil {
		return conv
	}

	now := r.nowFn()
	if last, ok := r.tracker.Recent(now, outboundRecency); ok {
		r.log.Debug("Resolved self message from recent outbound", zap.String("from", conv), zap.String("to", last))
		return last
	}

	var exclude []string
	if self := r.self(); self.JID != "" {
		exclude = append(exclude, self.JID)
	}
	chat, err := r.store.GetLastActiveChat(ctx, exclude, now.Add(-lastActiveLookback))
	if err != nil {
		if !apperrors.IsNotFoundError(err) {
			r.log.Warn("Last active chat lookup failed", zap.Error(err))
		}
		return conv
	}
	r.log.Debug("Resolved self message from last active chat", zap.String("from", conv), zap.String("to", chat))
	return chat
}
