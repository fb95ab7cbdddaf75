package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// --- Bot Repository Methods ---

// EnsureBot inserts the tenant row if it does not exist. Existing rows are left untouched.
func (r *Repo) EnsureBot(ctx context.Context, bot model.Bot) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if bot.ID == "" {
		bot.ID = botID
	}
	if bot.ID != botID {
		return fmt.Errorf("%w: bot ID %s does not match tenant ID %s", apperrors.ErrBadRequest, bot.ID, botID)
	}
	if bot.Status == "" {
		bot.Status = model.StatusDisconnected
	}

	operation := func() error {
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
			Create(&bot).Error
		return checkConstraintViolation(err)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "EnsureBot", operation)
	observer.ObserveDbOperationDuration("ensure", "bot", botID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to ensure bot row", zap.Error(err))
	}
	return err
}

// GetBot returns the tenant row.
func (r *Repo) GetBot(ctx context.Context) (*model.Bot, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var bot model.Bot
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Where("id = ?", botID).First(&bot).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetBot", operation)
	observer.ObserveDbOperationDuration("find", "bot", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// UpdateBotStatus persists the connection status and, when given, the self identity.
func (r *Repo) UpdateBotStatus(ctx context.Context, status model.ConnectionStatus, identity *model.Identity) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": utils.Now(),
	}
	if identity != nil {
		updates["self_name"] = identity.Name
		updates["self_number"] = identity.Number
		updates["self_jid"] = identity.JID
		updates["self_avatar"] = identity.AvatarURL
	}

	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.Bot{}).Where("id = ?", botID).Updates(updates)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: bot %s", apperrors.ErrNotFound, botID)
		}
		return nil
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "UpdateBotStatus", operation)
	observer.ObserveDbOperationDuration("update_status", "bot", botID, time.Since(startTime), err)
	return err
}

// ListActiveTenants returns the ids of every active bot, oldest first.
func (r *Repo) ListActiveTenants(ctx context.Context) ([]string, error) {
	var ids []string
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Model(&model.Bot{}).
			Where("is_active = ?", true).
			Order("created_at ASC").
			Pluck("id", &ids).Error)
	}

	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ListActiveTenants", operation)
	observer.ObserveDbOperationDuration("list_active", "bot", "", time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// withTx runs fn in a transaction, rolling back on error or panic.
func (r *Repo) withTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
	}
	var txErr error
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if txErr != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
			}
		}
	}()

	if txErr = fn(tx); txErr != nil {
		return txErr
	}
	if commitErr := tx.Commit().Error; commitErr != nil {
		txErr = fmt.Errorf("%w: failed to commit transaction: %w", apperrors.ErrDatabase, commitErr)
		return txErr
	}
	return nil
}
