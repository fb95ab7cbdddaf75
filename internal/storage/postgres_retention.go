package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// Retention runs across tenants. A conversation is VIP when its client row, matched on
// bot and chat, carries one of model.VIPStatuses.

const vipChatSubquery = "SELECT c.chat_id FROM clients c WHERE c.bot_id = messages.bot_id AND c.status IN ?"

// PruneMedia clears the attachment of messages older than before and replaces their content
// with placeholder. vip selects which side of the VIP split is pruned.
func (r *Repo) PruneMedia(ctx context.Context, vip bool, before time.Time, placeholder string) (int64, error) {
	var affected int64
	operation := func() error {
		q := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("media_url IS NOT NULL AND media_url <> ''").
			Where("created_at < ?", before.UTC())
		if vip {
			q = q.Where("chat_id IN ("+vipChatSubquery+")", model.VIPStatuses)
		} else {
			q = q.Where("chat_id NOT IN ("+vipChatSubquery+")", model.VIPStatuses)
		}
		res := q.Updates(map[string]interface{}{
			"media_url":  "",
			"media_type": "",
			"content":    placeholder,
		})
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	}

	rule := "media_lead"
	if vip {
		rule = "media_vip"
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "PruneMedia", operation)
	observer.ObserveDbOperationDuration("prune_media", "message", "", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to prune media", zap.String("rule", rule), zap.Error(err))
		return 0, err
	}
	return affected, nil
}

// DeleteMessages removes history older than before from non-VIP conversations.
func (r *Repo) DeleteMessages(ctx context.Context, before time.Time) (int64, error) {
	var affected int64
	operation := func() error {
		res := r.db.WithContext(ctx).
			Where("created_at < ?", before.UTC()).
			Where("chat_id NOT IN ("+vipChatSubquery+")", model.VIPStatuses).
			Delete(&model.Message{})
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "DeleteMessages", operation)
	observer.ObserveDbOperationDuration("delete_old", "message", "", time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to delete old messages", zap.Error(err))
		return 0, err
	}
	return affected, nil
}
