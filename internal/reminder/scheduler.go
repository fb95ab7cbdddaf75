// Package reminder fires due payment reminders for one connected tenant.
package reminder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// DefaultSpec checks for due reminders once a minute.
const DefaultSpec = "@every 1m"

const defaultPaymentMessage = "Recordatorio de pago pendiente."

// Store is the persistence the scheduler needs. The tenant is read from the context.
type Store interface {
	GetConfig(ctx context.Context) (*model.BotConfig, error)
	GetDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error)
	AddReminder(ctx context.Context, reminder *model.Reminder) error
	RemoveReminder(ctx context.Context, id string) error
	AddMessage(ctx context.Context, msg *model.Message) error
}

// Sender delivers the reminder text.
type Sender interface {
	Send(ctx context.Context, conv string, out model.Outbound) (string, error)
	IsConnected() bool
}

// Scheduler runs the reminder tick on a cron schedule while its tenant is
// connected.
type Scheduler struct {
	tenantID string
	spec     string
	store    Store
	sender   Sender
	sink     eventsink.Sink
	log      *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	tickMu  sync.Mutex
	nowFn   func() time.Time
	newUUID func() string
}

// New builds the scheduler of tenantID. An empty spec uses DefaultSpec.
func New(tenantID string, store Store, sender Sender, sink eventsink.Sink, spec string, log *zap.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		tenantID: tenantID,
		spec:     spec,
		store:    store,
		sender:   sender,
		sink:     sink,
		log:      log.Named("reminder").With(zap.String("tenant_id", tenantID)),
		nowFn:    utils.Now,
		newUUID:  uuid.NewString,
	}
}

// Start begins ticking until Stop or until ctx is done. Starting a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() {
		if ctx.Err() != nil {
			return
		}
		defer utils.RecoverWithLog(logger.WithLogger(ctx, s.log), "reminder tick")
		s.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("%w: invalid reminder schedule %q: %v", apperrors.ErrScheduler, s.spec, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("Reminder scheduler started", zap.String("spec", s.spec))
	return nil
}

// Stop halts the schedule. A tick already running finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
	s.log.Info("Reminder scheduler stopped")
}

// Running reports whether the schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// Tick sends every due reminder and returns how many were fired. Ticks never
// overlap.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx = tenant.WithTenantID(ctx, s.tenantID)
	now := s.nowFn()

	due, err := s.store.GetDueReminders(ctx, now)
	if err != nil {
		s.log.Error("Failed to load due reminders", zap.Error(err))
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	s.log.Info("Found due reminders", zap.Int("count", len(due)))

	text := defaultPaymentMessage
	if cfg, err := s.store.GetConfig(ctx); err != nil {
		s.log.Warn("Failed to load config, using default payment message", zap.Error(err))
	} else if cfg.PaymentMessage != "" {
		text = cfg.PaymentMessage
	}

	fired := 0
	for i := range due {
		if ctx.Err() != nil || !s.sender.IsConnected() {
			break
		}
		err := s.fire(ctx, &due[i], text)
		observer.IncReminderFired(s.tenantID, err)
		if err != nil {
			s.log.Warn("Reminder not fired", zap.String("reminder_id", due[i].ID), zap.String("chat_id", due[i].ChatID), zap.Error(err))
			continue
		}
		fired++
	}
	return fired
}

// fire sends one reminder. The follow-up of a recurring reminder is stored
// before the current one is removed, so a crash in between duplicates rather
// than loses a reminder.
func (s *Scheduler) fire(ctx context.Context, r *model.Reminder, text string) error {
	ref, err := s.sender.Send(ctx, r.ChatID, model.Outbound{Text: text})
	if err != nil {
		return err
	}

	msg := &model.Message{
		ChatID:     r.ChatID,
		Role:       model.RoleAssistant,
		Content:    text,
		IsReminder: true,
		WhatsappID: ref,
		Status:     model.DeliverySent,
	}
	if err := s.store.AddMessage(ctx, msg); err != nil {
		s.log.Warn("Failed to persist reminder message", zap.String("chat_id", r.ChatID), zap.Error(err))
	} else if s.sink != nil {
		s.sink.OnNewMessage(s.tenantID, *msg)
	}

	if next := r.Next(); next != nil {
		next.ID = s.newUUID()
		if err := s.store.AddReminder(ctx, next); err != nil {
			return fmt.Errorf("schedule next reminder: %w", err)
		}
		s.log.Info("Next reminder scheduled", zap.String("chat_id", r.ChatID), zap.Time("due_at", next.DueAt))
	}

	if err := s.store.RemoveReminder(ctx, r.ID); err != nil {
		return fmt.Errorf("remove reminder: %w", err)
	}
	return nil
}
