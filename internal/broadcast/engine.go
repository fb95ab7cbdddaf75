// Package broadcast runs one-shot campaigns through a tenant's connection.
package broadcast

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// NamePlaceholder is replaced by the recipient's display name.
const NamePlaceholder = "{name}"

const defaultRecipientName = "Cliente"

// Sender is the connection a campaign sends through.
type Sender interface {
	Send(ctx context.Context, conv string, out model.Outbound) (string, error)
	IsConnected() bool
	WaitConnected(ctx context.Context, timeout time.Duration) bool
}

// Store is the persistence a campaign needs. The tenant is read from the context.
type Store interface {
	AddMessage(ctx context.Context, msg *model.Message) error
	MarkBroadcastSent(ctx context.Context, chatID string, at time.Time) error
	FindClients(ctx context.Context, criteria model.RecipientCriteria) ([]model.Client, error)
}

// Engine executes campaigns. Recipients of one campaign are sent to one at a
// time with a random pause in between; separate campaigns run independently.
type Engine struct {
	cfg   config.BroadcastConfig
	store Store
	sink  eventsink.Sink
	log   *zap.Logger

	mu     sync.Mutex
	active map[string]*model.Campaign

	sleep func(ctx context.Context, d time.Duration) error
	pause func(min, max time.Duration) time.Duration
	nowFn func() time.Time
	newID func() string
}

// NewEngine builds an engine. Zero config values fall back to the defaults.
func NewEngine(cfg config.BroadcastConfig, store Store, sink eventsink.Sink, log *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 30 * time.Second
	}
	if cfg.MinPause <= 0 && cfg.MaxPause <= 0 {
		cfg.MinPause, cfg.MaxPause = 15*time.Second, 90*time.Second
	}
	if cfg.MaxPause < cfg.MinPause {
		cfg.MaxPause = cfg.MinPause
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		log:    log.Named("broadcast"),
		active: make(map[string]*model.Campaign),
		sleep:  utils.SleepContext,
		pause:  randomPause,
		nowFn:  utils.Now,
		newID:  uuid.NewString,
	}
}

// randomPause returns a uniformly random duration in [min, max].
func randomPause(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// Render fills the template for one recipient.
func Render(template string, r model.Recipient) string {
	name := r.Name
	if name == "" {
		name = defaultRecipientName
	}
	return strings.ReplaceAll(template, NamePlaceholder, name)
}

// Recipients resolves criteria against the tenant's CRM.
func (e *Engine) Recipients(ctx context.Context, tenantID string, criteria model.RecipientCriteria) ([]model.Recipient, error) {
	clients, err := e.store.FindClients(tenant.WithTenantID(ctx, tenantID), criteria)
	if err != nil {
		return nil, err
	}
	out := make([]model.Recipient, 0, len(clients))
	for i := range clients {
		out = append(out, model.Recipient{ChatID: clients[i].ChatID, Name: clients[i].DisplayName()})
	}
	return out, nil
}

// Launch validates c and runs it in the background under ctx, which should be
// the connection's lifetime rather than the triggering request's. It returns
// the campaign id.
func (e *Engine) Launch(ctx context.Context, sender Sender, c *model.Campaign) (string, error) {
	if c.TenantID == "" {
		return "", fmt.Errorf("%w: campaign without tenant", apperrors.ErrBadRequest)
	}
	if len(c.Recipients) == 0 {
		return "", fmt.Errorf("%w: campaign without recipients", apperrors.ErrBadRequest)
	}
	if strings.TrimSpace(c.Template) == "" && c.Media == nil {
		return "", fmt.Errorf("%w: campaign without content", apperrors.ErrBadRequest)
	}
	if c.ID == "" {
		c.ID = e.newID()
	}

	utils.SafeGo(func() {
		summary := e.Run(ctx, sender, c)
		e.log.Info("Campaign finished",
			zap.String("tenant_id", c.TenantID),
			zap.String("campaign_id", summary.CampaignID),
			zap.Int("sent", summary.Sent),
			zap.Int("failed", summary.Failed),
		)
	}, nil)
	return c.ID, nil
}

// Active returns the number of campaigns in progress.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Run sends c to every recipient and blocks until each has a terminal result.
// A cancelled ctx fails the remaining recipients instead of abandoning them.
func (e *Engine) Run(ctx context.Context, sender Sender, c *model.Campaign) model.Summary {
	if c.ID == "" {
		c.ID = e.newID()
	}
	log := e.log.With(zap.String("tenant_id", c.TenantID), zap.String("campaign_id", c.ID))
	tctx := tenant.WithTenantID(ctx, c.TenantID)

	e.track(c, true)
	defer e.track(c, false)

	c.StartedAt = e.nowFn()
	c.Results = make([]model.RecipientResult, len(c.Recipients))
	log.Info("Campaign started", zap.Int("recipients", len(c.Recipients)))

	for i, r := range c.Recipients {
		if i > 0 && ctx.Err() == nil {
			wait := e.pause(e.cfg.MinPause, e.cfg.MaxPause)
			log.Debug("Pausing before next recipient", zap.Duration("pause", wait))
			_ = e.sleep(ctx, wait)
		}

		var res model.RecipientResult
		if err := ctx.Err(); err != nil {
			res = model.RecipientResult{ChatID: r.ChatID, Status: model.RecipientFailed, Error: err.Error()}
		} else {
			res = e.deliver(tctx, log, sender, c, r)
		}
		c.Results[i] = res
		observer.IncBroadcastRecipient(c.TenantID, string(res.Status))
		log.Info("Recipient processed",
			zap.Int("index", i+1),
			zap.String("chat_id", r.ChatID),
			zap.String("status", string(res.Status)),
			zap.Int("attempts", res.Attempts),
		)
	}

	c.FinishedAt = e.nowFn()
	return Summarize(c)
}

// Summarize counts the terminal results of c.
func Summarize(c *model.Campaign) model.Summary {
	s := model.Summary{CampaignID: c.ID}
	for _, r := range c.Results {
		switch r.Status {
		case model.RecipientSent:
			s.Sent++
		case model.RecipientFailed:
			s.Failed++
		}
	}
	return s
}

func (e *Engine) track(c *model.Campaign, running bool) {
	e.mu.Lock()
	if running {
		e.active[c.ID] = c
	} else {
		delete(e.active, c.ID)
	}
	e.mu.Unlock()
	if running {
		observer.AddActiveCampaigns(1)
	} else {
		observer.AddActiveCampaigns(-1)
	}
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(e.cfg.MaxAttempts-1))
}

// deliver sends to one recipient with retries and records the outcome.
func (e *Engine) deliver(ctx context.Context, log *zap.Logger, sender Sender, c *model.Campaign, r model.Recipient) model.RecipientResult {
	text := Render(c.Template, r)
	out := model.Outbound{Text: text, Media: c.Media}
	res := model.RecipientResult{ChatID: r.ChatID, Status: model.RecipientPending}
	b := e.newBackOff()

	for {
		res.Attempts++
		observer.IncBroadcastAttempt(c.TenantID)
		ref, err := e.attempt(ctx, sender, r.ChatID, out)
		if err == nil {
			res.Status = model.RecipientSent
			res.Ref = ref
			res.Error = ""
			break
		}
		res.Error = err.Error()

		wait := b.NextBackOff()
		if wait == backoff.Stop || ctx.Err() != nil {
			res.Status = model.RecipientFailed
			log.Warn("Recipient failed after retries", zap.String("chat_id", r.ChatID), zap.Int("attempts", res.Attempts), zap.Error(err))
			return res
		}
		log.Warn("Send attempt failed, retrying",
			zap.String("chat_id", r.ChatID),
			zap.Int("attempt", res.Attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if err := e.sleep(ctx, wait); err != nil {
			res.Status = model.RecipientFailed
			res.Error = err.Error()
			return res
		}
	}

	msg := &model.Message{
		ChatID:      r.ChatID,
		Role:        model.RoleAssistant,
		Content:     text,
		IsBroadcast: true,
		WhatsappID:  res.Ref,
		Status:      model.DeliverySent,
	}
	if c.Media != nil {
		msg.MediaType = c.Media.Type()
		msg.MediaURL = c.Media.URL
	}
	if err := e.store.AddMessage(ctx, msg); err != nil {
		log.Warn("Failed to persist broadcast message", zap.String("chat_id", r.ChatID), zap.Error(err))
	} else if e.sink != nil {
		e.sink.OnNewMessage(c.TenantID, *msg)
	}
	if err := e.store.MarkBroadcastSent(ctx, r.ChatID, e.nowFn()); err != nil {
		log.Warn("Failed to stamp last broadcast", zap.String("chat_id", r.ChatID), zap.Error(err))
	}
	return res
}

func (e *Engine) attempt(ctx context.Context, sender Sender, conv string, out model.Outbound) (string, error) {
	if !sender.IsConnected() && !sender.WaitConnected(ctx, e.cfg.ReconnectWait) {
		return "", fmt.Errorf("%w: %w: no connection after %s", apperrors.ErrBroadcastRecipient, apperrors.ErrNotConnected, e.cfg.ReconnectWait)
	}
	ref, err := sender.Send(ctx, conv, out)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrBroadcastRecipient, err)
	}
	return ref, nil
}
