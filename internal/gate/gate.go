// Package gate holds the per-tenant inbound pipeline: dedup, identity
// reconciliation, operator commands and the reply policies in front of the
// responder.
package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// Self-origin resolution strategies.
const (
	SelfResolutionHeuristic = "heuristic"
	SelfResolutionOff       = "off"
)

// Store is the persistence the gate needs. The tenant is read from the context.
type Store interface {
	LastActiveFinder
	GetConfig(ctx context.Context) (*model.BotConfig, error)
	AddMessage(ctx context.Context, msg *model.Message) error
	GetHistory(ctx context.Context, chatID string, limit int) ([]model.Message, error)
	UpsertClient(ctx context.Context, chatID, name, profilePicURL string) (*model.Client, error)
	GetSilence(ctx context.Context, chatID string) (model.SilenceState, error)
	SetSilence(ctx context.Context, chatID string, state model.SilenceState) (model.SilenceState, error)
	AddReminder(ctx context.Context, reminder *model.Reminder) error
	UpdateConversationIdentity(ctx context.Context, oldID, newID string) error
}

// Messenger is the connection surface used to talk back to a conversation.
type Messenger interface {
	Send(ctx context.Context, conv string, out model.Outbound) (string, error)
	SendTyping(ctx context.Context, conv string) error
	MarkRead(ctx context.Context, ref model.EventRef) error
	DownloadMedia(ctx context.Context, handle any) ([]byte, error)
	IsConnected() bool
	WaitConnected(ctx context.Context, timeout time.Duration) bool
	Self() model.Identity
}

// Dependencies are the collaborators of a Gate.
type Dependencies struct {
	Store     Store
	Messenger Messenger
	Responder responder.Responder
	Sink      eventsink.Sink
	Sent      *SentRegistry
	Log       *zap.Logger
}

// Settings tune a Gate.
type Settings struct {
	DedupTTL       time.Duration
	ConfigCacheTTL time.Duration
	SelfResolution string
}

// Gate is one tenant's inbound pipeline. It owns the tenant's dedup table,
// rate windows, identity cache and config cache.
type Gate struct {
	tenantID  string
	store     Store
	messenger Messenger
	responder responder.Responder
	sink      eventsink.Sink
	log       *zap.Logger

	dedup      *DedupTable
	rates      *RateLimiter
	identities *IdentityCache
	outbound   *OutboundTracker
	sent       *SentRegistry
	configs    *ConfigCache
	resolver   IdentityResolver

	nowFn func() time.Time
	sleep Sleeper
}

// New builds the gate of tenantID.
func New(tenantID string, deps Dependencies, settings Settings) *Gate {
	log := deps.Log.Named("gate").With(zap.String("tenant_id", tenantID))
	sent := deps.Sent
	if sent == nil {
		sent = NewSentRegistry()
	}

	g := &Gate{
		tenantID:   tenantID,
		store:      deps.Store,
		messenger:  deps.Messenger,
		responder:  deps.Responder,
		sink:       deps.Sink,
		log:        log,
		dedup:      NewDedupTable(settings.DedupTTL),
		rates:      NewRateLimiter(),
		identities: NewIdentityCache(),
		outbound:   &OutboundTracker{},
		sent:       sent,
		nowFn:      utils.Now,
		sleep:      utils.SleepContext,
	}
	g.configs = NewConfigCache(deps.Store.GetConfig, settings.ConfigCacheTTL)

	if settings.SelfResolution == SelfResolutionOff {
		g.resolver = NoopResolver{}
	} else {
		g.resolver = NewHeuristicResolver(g.outbound, deps.Store, deps.Messenger.Self, log)
	}
	return g
}

// Sent returns the registry of refs the bot sent itself.
func (g *Gate) Sent() *SentRegistry {
	return g.sent
}

// Config returns the cached tenant configuration.
func (g *Gate) Config(ctx context.Context) (*model.BotConfig, error) {
	return g.configs.Get(g.tenantCtx(ctx))
}

// InvalidateConfig drops the cached configuration, or replaces it when cfg is set.
func (g *Gate) InvalidateConfig(cfg *model.BotConfig) {
	if cfg != nil {
		g.configs.Set(cfg)
		return
	}
	g.configs.Invalidate()
}

// LearnIdentity records that ephemeral and stable name the same conversation
// and best-effort migrates persisted state to the stable id.
func (g *Gate) LearnIdentity(ctx context.Context, ephemeral, stable string) {
	if !g.identities.Learn(ephemeral, stable) {
		return
	}
	g.log.Debug("Learned conversation identity", zap.String("ephemeral", ephemeral), zap.String("stable", stable))
	if err := g.store.UpdateConversationIdentity(g.tenantCtx(ctx), ephemeral, stable); err != nil {
		g.log.Warn("Failed to persist conversation identity", zap.String("ephemeral", ephemeral), zap.Error(err))
	}
}

// ConversationKey returns the id evt's conversation is keyed by, the same one
// Process uses. An alias carried as a stable hint is learned right away so
// later events on the ephemeral id share the key.
func (g *Gate) ConversationKey(ctx context.Context, evt model.InboundEvent) string {
	return g.reconcile(ctx, evt)
}

// RunJanitor sweeps expired dedup entries, idle rate windows and stale sent
// refs every interval until ctx is done.
func (g *Gate) RunJanitor(ctx context.Context, interval time.Duration) {
	runEvery(ctx, interval, func() {
		dedup := g.dedup.Sweep()
		rates := g.rates.Sweep(g.nowFn(), 2*awayReplyInterval)
		sent := g.sent.Sweep()
		g.log.Debug("Gate sweep",
			zap.Int("dedup_removed", dedup),
			zap.Int("rate_windows_removed", rates),
			zap.Int("sent_refs_removed", sent),
		)
	})
}

func (g *Gate) tenantCtx(ctx context.Context) context.Context {
	return tenant.WithTenantID(ctx, g.tenantID)
}
