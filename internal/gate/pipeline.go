package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
)

// Outcome is where an event left the pipeline.
type Outcome string

const (
	OutcomeBroadcast   Outcome = "broadcast"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeEcho        Outcome = "echo"
	OutcomeCommand     Outcome = "command"
	OutcomeManual      Outcome = "manual"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAfterHours  Outcome = "after_hours"
	OutcomeAnger       Outcome = "anger"
	OutcomeEmpty       Outcome = "empty"
	OutcomeSilenced    Outcome = "silenced"
	OutcomeReplied     Outcome = "replied"
	OutcomeFallback    Outcome = "fallback"
	OutcomeUndelivered Outcome = "undelivered"
	OutcomeCancelled   Outcome = "cancelled"
)

const (
	manualSilenceWindow = 10 * time.Minute
	defaultMemoryWindow = 10
	defaultAwayMessage  = "Closed."
	defaultImagePrompt  = "Describe esta imagen"
	imageDownloadFailed = "⚠️ Error al descargar imagen"
)

// Process runs evt through the pipeline. Callers must serialise events of one
// conversation; the Dispatcher does.
func (g *Gate) Process(ctx context.Context, evt model.InboundEvent) (outcome Outcome) {
	start := time.Now()
	defer func() {
		observer.ObservePipeline(g.tenantID, string(outcome), time.Since(start))
	}()

	ctx = g.tenantCtx(ctx)
	now := g.nowFn()

	if evt.IsBroadcastChannel || model.IsBroadcastID(evt.ConversationID) {
		return OutcomeBroadcast
	}
	if g.dedup.Seen(evt.ID) {
		g.log.Debug("Dropping duplicate event", zap.String("event_id", evt.ID))
		return OutcomeDuplicate
	}

	conv := g.reconcile(ctx, evt)
	self := g.messenger.Self()

	if evt.IsSelfOriginated {
		if g.sent.Consume(evt.ID) {
			return OutcomeEcho
		}
		if !model.IsEphemeralID(conv) && conv != self.JID {
			g.outbound.Record(conv, now)
		}
	} else if !model.IsEphemeralID(conv) && conv != self.JID {
		if _, err := g.store.UpsertClient(ctx, conv, evt.PushName, ""); err != nil {
			g.log.Warn("CRM upsert failed", zap.String("chat_id", conv), zap.Error(err))
		}
	}

	if evt.IsSelfOriginated && model.IsEphemeralID(conv) {
		conv = g.resolver.ResolveSelf(ctx, conv)
	}

	log := g.log.With(zap.String("event_id", evt.ID), zap.String("chat_id", conv))
	text := evt.Text()

	if cmd, ok := ParseCommand(text); ok {
		g.handleCommand(ctx, log, conv, evt, cmd, now)
		return OutcomeCommand
	}

	if evt.IsSelfOriginated {
		return g.handleManual(ctx, log, conv, evt, now)
	}

	cfg, err := g.configs.Get(ctx)
	if err != nil {
		log.Warn("Config unavailable, using defaults", zap.Error(err))
		cfg = model.DefaultBotConfig(g.tenantID)
	}

	if cfg.EnableRateLimit && !g.rates.Admit(conv, now, cfg.RateLimitMax, cfg.RateWindowLength()) {
		log.Info("Rate limit exceeded")
		return OutcomeRateLimited
	}

	if cfg.BusinessHoursEnabled && !WithinBusinessHours(now, cfg) {
		g.sendAway(ctx, log, conv, cfg, now)
		return OutcomeAfterHours
	}

	if cfg.EnableAngerProtection && IsAngry(text, cfg.BadWords) {
		log.Info("Anger detected, silencing conversation")
		g.setSilence(ctx, log, conv, model.Permanent())
		return OutcomeAnger
	}

	text, image, mediaType := g.prepareMedia(ctx, log, evt, cfg, text)
	if text == "" && image == nil {
		return OutcomeEmpty
	}

	if err := g.messenger.MarkRead(ctx, evt.Ref()); err != nil {
		log.Debug("Mark read failed", zap.Error(err))
	}

	g.persist(ctx, log, &model.Message{
		ChatID:     conv,
		Role:       model.RoleUser,
		Content:    text,
		WhatsappID: evt.ID,
		Status:     model.DeliveryRead,
		MediaType:  mediaType,
	})

	silence, err := g.store.GetSilence(ctx, conv)
	if err != nil {
		log.Warn("Silence lookup failed", zap.Error(err))
	} else if silence.Suppresses(now) {
		return OutcomeSilenced
	}

	return g.reply(ctx, log, conv, evt.ID, text, image, mediaType != "", cfg)
}

// reconcile returns the id downstream state is keyed by: the stable hint,
// then a cached alias, then the id as received.
func (g *Gate) reconcile(ctx context.Context, evt model.InboundEvent) string {
	conv := evt.ConversationID
	if evt.StableHint != "" && evt.StableHint != conv {
		g.LearnIdentity(ctx, conv, evt.StableHint)
		return evt.StableHint
	}
	return g.identities.Resolve(conv)
}

func (g *Gate) handleCommand(ctx context.Context, log *zap.Logger, conv string, evt model.InboundEvent, cmd Command, now time.Time) {
	msg := &model.Message{ChatID: conv, Content: evt.Text(), WhatsappID: evt.ID}
	if evt.IsSelfOriginated {
		msg.Role = model.RoleAssistant
		msg.IsManual = true
		msg.Status = model.DeliverySent
	} else {
		msg.Role = model.RoleUser
		msg.Status = model.DeliveryRead
	}
	g.persist(ctx, log, msg)

	switch cmd.Kind {
	case CommandOn:
		g.setSilence(ctx, log, conv, model.NoSilence())
	case CommandOff:
		if cmd.Minutes > 0 {
			g.setSilence(ctx, log, conv, model.Temporary(now.Add(time.Duration(cmd.Minutes)*time.Minute)))
		} else {
			g.setSilence(ctx, log, conv, model.Permanent())
		}
	case CommandPay:
		if !cmd.Invalid {
			reminder := &model.Reminder{ChatID: conv, DueAt: now.AddDate(0, 0, cmd.Days)}
			if err := g.store.AddReminder(ctx, reminder); err != nil {
				log.Error("Failed to create payment reminder", zap.Error(err))
			}
		}
	}

	if !evt.IsSelfOriginated || cmd.AlwaysAck() {
		g.sendText(ctx, log, conv, cmd.Ack())
	} else {
		log.Info("Operator command applied", zap.Int("command", int(cmd.Kind)))
	}
}

// handleManual archives an operator reply typed on the phone and keeps the bot
// quiet for a short window unless it is already permanently silenced.
func (g *Gate) handleManual(ctx context.Context, log *zap.Logger, conv string, evt model.InboundEvent, now time.Time) Outcome {
	text := evt.Text()
	kind := model.PayloadKind(evt.Payload)
	if text == "" && (kind == "" || kind == "text") {
		return OutcomeEmpty
	}

	current, err := g.store.GetSilence(ctx, conv)
	if err != nil {
		log.Warn("Silence lookup failed", zap.Error(err))
	}
	if err == nil && !current.IsPermanent() {
		g.setSilence(ctx, log, conv, model.Temporary(now.Add(manualSilenceWindow)))
	}

	msg := &model.Message{
		ChatID:     conv,
		Role:       model.RoleAssistant,
		Content:    text,
		IsManual:   true,
		WhatsappID: evt.ID,
		Status:     model.DeliverySent,
	}
	if kind != "text" {
		msg.MediaType = kind
	}
	g.persist(ctx, log, msg)
	return OutcomeManual
}

func (g *Gate) sendAway(ctx context.Context, log *zap.Logger, conv string, cfg *model.BotConfig, now time.Time) {
	if !g.rates.AwayDue(conv, now) {
		return
	}
	text := cfg.AwayMessage
	if text == "" {
		text = defaultAwayMessage
	}
	if g.sendText(ctx, log, conv, text) {
		g.rates.MarkAway(conv, now)
	}
}

// prepareMedia downloads what the tenant has enabled and returns the text to
// answer, an optional image for the responder and the stored media type.
func (g *Gate) prepareMedia(ctx context.Context, log *zap.Logger, evt model.InboundEvent, cfg *model.BotConfig, text string) (string, *responder.Image, string) {
	switch p := evt.Payload.(type) {
	case model.ImagePayload:
		var image *responder.Image
		if cfg.EnableVision {
			data, err := g.messenger.DownloadMedia(ctx, p.Handle)
			if err != nil {
				log.Warn("Image download failed", zap.Error(err))
				if text == "" {
					text = imageDownloadFailed
				}
			} else {
				image = &responder.Image{Data: data, MimeType: p.MimeType}
			}
		}
		if text == "" {
			text = defaultImagePrompt
		}
		return text, image, model.MediaTypeImage

	case model.AudioPayload:
		if !cfg.EnableAudio {
			return text, nil, model.MediaTypeAudio
		}
		data, err := g.messenger.DownloadMedia(ctx, p.Handle)
		if err != nil {
			log.Warn("Audio download failed", zap.Error(err))
			return text, nil, model.MediaTypeAudio
		}
		transcript, err := g.responder.Transcribe(ctx, data, p.MimeType)
		if err != nil {
			log.Warn("Audio transcription failed", zap.Error(err))
			return text, nil, model.MediaTypeAudio
		}
		return transcript, nil, model.MediaTypeAudio

	default:
		return text, nil, ""
	}
}

func (g *Gate) reply(ctx context.Context, log *zap.Logger, conv, eventID, text string, image *responder.Image, media bool, cfg *model.BotConfig) Outcome {
	limit := cfg.MemoryWindow
	if limit <= 0 {
		limit = defaultMemoryWindow
	}
	history, err := g.store.GetHistory(ctx, conv, limit)
	if err != nil {
		log.Warn("History lookup failed", zap.Error(err))
	}
	if n := len(history); n > 0 && history[n-1].WhatsappID == eventID {
		history = history[:n-1]
	}

	if err := g.messenger.SendTyping(ctx, conv); err != nil {
		log.Debug("Typing indicator failed", zap.Error(err))
	}
	if err := g.sleep(ctx, ReplyDelay(text, media)); err != nil {
		return OutcomeCancelled
	}

	answer, err := g.responder.Generate(ctx, responder.Request{
		Text:    text,
		History: model.ToHistory(history),
		Image:   image,
		Config:  cfg,
	})
	if err != nil || answer == "" {
		if err == nil || apperrors.IsResponderError(err) {
			log.Warn("Responder gave no usable reply, sending fallback", zap.Error(err))
		} else {
			log.Error("Responder failed, sending fallback", zap.Error(err))
		}
		if cfg.FallbackMessage == "" || !g.messenger.IsConnected() {
			return OutcomeUndelivered
		}
		g.sendAndPersist(ctx, log, conv, cfg.FallbackMessage)
		return OutcomeFallback
	}

	if !g.messenger.IsConnected() {
		log.Warn("Connection lost while generating reply, dropping it")
		return OutcomeUndelivered
	}
	if !g.sendAndPersist(ctx, log, conv, answer) {
		return OutcomeUndelivered
	}
	return OutcomeReplied
}

func (g *Gate) sendAndPersist(ctx context.Context, log *zap.Logger, conv, text string) bool {
	ref, err := g.messenger.Send(ctx, conv, model.Outbound{Text: text})
	if err != nil {
		log.Warn("Failed to send reply", zap.Error(err))
		return false
	}
	g.persist(ctx, log, &model.Message{
		ChatID:     conv,
		Role:       model.RoleAssistant,
		Content:    text,
		WhatsappID: ref,
		Status:     model.DeliverySent,
	})
	return true
}

// sendText sends a short notice that is not archived.
func (g *Gate) sendText(ctx context.Context, log *zap.Logger, conv, text string) bool {
	if _, err := g.messenger.Send(ctx, conv, model.Outbound{Text: text}); err != nil {
		log.Warn("Failed to send notice", zap.Error(err))
		return false
	}
	return true
}

func (g *Gate) persist(ctx context.Context, log *zap.Logger, msg *model.Message) {
	if err := g.store.AddMessage(ctx, msg); err != nil {
		if apperrors.IsDuplicateError(err) {
			log.Debug("Message already stored", zap.String("whatsapp_id", msg.WhatsappID))
			return
		}
		log.Error("Failed to persist message", zap.String("role", msg.Role), zap.Error(err))
		return
	}
	g.sink.OnNewMessage(g.tenantID, *msg)
}

func (g *Gate) setSilence(ctx context.Context, log *zap.Logger, conv string, state model.SilenceState) {
	stored, err := g.store.SetSilence(ctx, conv, state)
	if err != nil {
		log.Error("Failed to update silence", zap.String("mode", string(state.Mode)), zap.Error(err))
		return
	}
	g.sink.OnClientUpdate(g.tenantID, model.ClientUpdate{ChatID: conv, Silence: stored})
}
