package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// GetConfig returns the tenant's config, creating the default one on first access.
func (r *Repo) GetConfig(ctx context.Context) (*model.BotConfig, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var cfg model.BotConfig
	operation := func() error {
		err := r.db.WithContext(ctx).Where("bot_id = ?", botID).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = *model.DefaultBotConfig(botID)
			err = r.db.WithContext(ctx).
				Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "bot_id"}}, DoNothing: true}).
				Create(&cfg).Error
		}
		return checkConstraintViolation(err)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetConfig", operation)
	observer.ObserveDbOperationDuration("find", "config", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig applies a partial update and returns the resulting config.
func (r *Repo) UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var cfg model.BotConfig
	operation := func() error {
		return r.withTx(ctx, func(tx *gorm.DB) error {
			err := tx.Where("bot_id = ?", botID).First(&cfg).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				cfg = *model.DefaultBotConfig(botID)
			} else if err != nil {
				return checkConstraintViolation(err)
			}
			patch.Apply(&cfg)
			cfg.UpdatedAt = utils.Now()
			return checkConstraintViolation(tx.Save(&cfg).Error)
		})
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateConfig", operation)
	observer.ObserveDbOperationDuration("update", "config", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
