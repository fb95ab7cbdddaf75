package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// AddReminder stores a reminder, assigning an ID when missing.
func (r *Repo) AddReminder(ctx context.Context, reminder *model.Reminder) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if reminder.ChatID == "" {
		return fmt.Errorf("%w: reminder without chat id", apperrors.ErrBadRequest)
	}
	if reminder.ID == "" {
		reminder.ID = uuid.NewString()
	}
	reminder.BotID = botID
	reminder.DueAt = reminder.DueAt.UTC()

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(reminder).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "AddReminder", operation)
	observer.ObserveDbOperationDuration("create", "reminder", botID, time.Since(startTime), err)
	return err
}

// GetDueReminders returns the tenant's reminders due at or before now, oldest first.
func (r *Repo) GetDueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var reminders []model.Reminder
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("bot_id = ? AND due_at <= ?", botID, now.UTC()).
			Order("due_at ASC").
			Find(&reminders).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetDueReminders", operation)
	observer.ObserveDbOperationDuration("find_due", "reminder", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return reminders, nil
}

// RemoveReminder deletes a reminder. Removing an unknown id is not an error.
func (r *Repo) RemoveReminder(ctx context.Context, id string) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("bot_id = ? AND id = ?", botID, id).
			Delete(&model.Reminder{}).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "RemoveReminder", operation)
	observer.ObserveDbOperationDuration("delete", "reminder", botID, time.Since(startTime), err)
	return err
}
