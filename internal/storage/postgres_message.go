package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// --- Message Repository Methods ---

// AddMessage appends a message to the tenant's history.
func (r *Repo) AddMessage(ctx context.Context, msg *model.Message) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if msg.BotID == "" {
		msg.BotID = botID
	}
	if msg.BotID != botID {
		return fmt.Errorf("%w: message BotID %s does not match tenant ID %s", apperrors.ErrBadRequest, msg.BotID, botID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utils.Now()
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(msg).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "AddMessage", operation)
	observer.ObserveDbOperationDuration("create", "message", botID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to add message", zap.String("chat_id", msg.ChatID), zap.Error(err))
	}
	return err
}

// UpdateMessageStatus advances the delivery status of the message sent with whatsappID.
// A status never moves backwards. Reports whether a row changed.
func (r *Repo) UpdateMessageStatus(ctx context.Context, whatsappID string, status model.DeliveryStatus) (bool, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return false, err
	}
	if whatsappID == "" {
		return false, fmt.Errorf("%w: empty message ref", apperrors.ErrBadRequest)
	}

	lower := lowerStatuses(status)
	if len(lower) == 0 {
		return false, nil
	}

	var affected int64
	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("bot_id = ? AND whatsapp_id = ?", botID, whatsappID).
			Where("(status IN ? OR status = '' OR status IS NULL)", lower).
			Update("status", status)
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "UpdateMessageStatus", operation)
	observer.ObserveDbOperationDuration("update_status", "message", botID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// lowerStatuses lists the statuses status may overwrite.
func lowerStatuses(status model.DeliveryStatus) []model.DeliveryStatus {
	var out []model.DeliveryStatus
	for _, s := range []model.DeliveryStatus{model.DeliverySent, model.DeliveryDelivered, model.DeliveryRead} {
		if status.Supersedes(s) {
			out = append(out, s)
		}
	}
	return out
}

// GetHistory returns the last limit messages of a conversation in chronological order.
func (r *Repo) GetHistory(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []model.Message{}, nil
	}

	var msgs []model.Message
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("bot_id = ? AND chat_id = ?", botID, chatID).
			Order("created_at DESC").Order("id DESC").
			Limit(limit).
			Find(&msgs).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetHistory", operation)
	observer.ObserveDbOperationDuration("find_history", "message", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetLastActiveChat returns the most recently active stable conversation since the given time,
// skipping excluded ids. Returns apperrors.ErrNotFound when there is none.
func (r *Repo) GetLastActiveChat(ctx context.Context, exclude []string, since time.Time) (string, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return "", err
	}

	var msg model.Message
	operation := func() error {
		q := r.db.WithContext(ctx).
			Select("chat_id", "created_at").
			Where("bot_id = ? AND created_at >= ?", botID, since).
			Where("chat_id NOT LIKE ? AND chat_id NOT LIKE ? AND chat_id NOT LIKE ?", "%@"+model.ServerEphemeral, "%status%", "%broadcast%")
		if len(exclude) > 0 {
			q = q.Where("chat_id NOT IN ?", exclude)
		}
		return checkConstraintViolation(q.Order("created_at DESC").First(&msg).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetLastActiveChat", operation)
	observer.ObserveDbOperationDuration("find_last_active", "message", botID, time.Since(startTime), err)
	if err != nil {
		return "", err
	}
	return msg.ChatID, nil
}
