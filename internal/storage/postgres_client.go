package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// newClientName is the name given to clients first seen through a silence change.
const newClientName = "Cliente Nuevo"

var clientConflictColumns = []clause.Column{{Name: "bot_id"}, {Name: "chat_id"}}

// UpsertClient creates the CRM row for chatID or refreshes its name and picture.
// Empty name or picture values never overwrite stored ones.
func (r *Repo) UpsertClient(ctx context.Context, chatID, name, profilePicURL string) (*model.Client, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if chatID == "" {
		return nil, fmt.Errorf("%w: empty chat id", apperrors.ErrBadRequest)
	}

	now := utils.Now()
	client := model.Client{
		ID:            uuid.NewString(),
		BotID:         botID,
		ChatID:        chatID,
		Name:          name,
		ProfilePicURL: profilePicURL,
		Status:        model.ClientLead,
		SilenceMode:   model.SilenceNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if client.Name == "" {
		client.Name = chatID
	}

	updateCols := []string{"updated_at"}
	if name != "" {
		updateCols = append(updateCols, "name")
	}
	if profilePicURL != "" {
		updateCols = append(updateCols, "profile_pic_url")
	}

	var stored model.Client
	operation := func() error {
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   clientConflictColumns,
				DoUpdates: clause.AssignmentColumns(updateCols),
			}).
			Create(&client).Error
		if err != nil {
			return checkConstraintViolation(err)
		}
		return checkConstraintViolation(r.db.WithContext(ctx).
			Where("bot_id = ? AND chat_id = ?", botID, chatID).
			First(&stored).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpsertClient", operation)
	observer.ObserveDbOperationDuration("upsert", "client", botID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to upsert client", zap.String("chat_id", chatID), zap.Error(err))
		return nil, err
	}
	return &stored, nil
}

// GetSilence returns the conversation's silence state; unknown conversations are not silenced.
func (r *Repo) GetSilence(ctx context.Context, chatID string) (model.SilenceState, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return model.NoSilence(), err
	}

	var client model.Client
	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Select("silence_mode", "silenced_until").
			Where("bot_id = ? AND chat_id = ?", botID, chatID).
			First(&client).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "GetSilence", operation)
	observer.ObserveDbOperationDuration("find_silence", "client", botID, time.Since(startTime), err)
	if errors.Is(err, apperrors.ErrNotFound) {
		return model.NoSilence(), nil
	}
	if err != nil {
		return model.NoSilence(), err
	}
	return client.Silence(), nil
}

// SetSilence stores the state, creating the client row when needed, and returns what was stored.
func (r *Repo) SetSilence(ctx context.Context, chatID string, state model.SilenceState) (model.SilenceState, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return model.NoSilence(), err
	}

	var until *time.Time
	if state.Mode == model.SilenceTemporary && state.Until != nil {
		u := state.Until.UTC()
		until = &u
	}
	if state.Mode == "" {
		state.Mode = model.SilenceNone
	}

	now := utils.Now()
	client := model.Client{
		ID:            uuid.NewString(),
		BotID:         botID,
		ChatID:        chatID,
		Name:          newClientName,
		Status:        model.ClientLead,
		SilenceMode:   state.Mode,
		SilencedUntil: until,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   clientConflictColumns,
				DoUpdates: clause.AssignmentColumns([]string{"silence_mode", "silenced_until", "updated_at"}),
			}).
			Create(&client).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "SetSilence", operation)
	observer.ObserveDbOperationDuration("set_silence", "client", botID, time.Since(startTime), err)
	if err != nil {
		return model.NoSilence(), err
	}
	return model.SilenceState{Mode: state.Mode, Until: until}, nil
}

// IsSilenced reports whether automated replies are suppressed for chatID at now.
func (r *Repo) IsSilenced(ctx context.Context, chatID string, now time.Time) (bool, error) {
	state, err := r.GetSilence(ctx, chatID)
	if err != nil {
		return false, err
	}
	return state.Suppresses(now), nil
}

// FindClients selects broadcast recipients. Explicit chat ids win over statuses;
// with neither, every client except blocked ones is returned.
func (r *Repo) FindClients(ctx context.Context, criteria model.RecipientCriteria) ([]model.Client, error) {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var clients []model.Client
	operation := func() error {
		q := r.db.WithContext(ctx).Where("bot_id = ?", botID)
		switch {
		case len(criteria.ChatIDs) > 0:
			q = q.Where("chat_id IN ?", criteria.ChatIDs)
		case len(criteria.Statuses) > 0:
			q = q.Where("status IN ?", criteria.Statuses)
		default:
			q = q.Where("status <> ?", model.ClientBlocked)
		}
		if criteria.Limit > 0 {
			q = q.Limit(criteria.Limit)
		}
		return checkConstraintViolation(q.Order("created_at ASC").Find(&clients).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindClients", operation)
	observer.ObserveDbOperationDuration("find", "client", botID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return clients, nil
}

// MarkBroadcastSent records the last campaign delivery to chatID. Unknown conversations are ignored.
func (r *Repo) MarkBroadcastSent(ctx context.Context, chatID string, at time.Time) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).
			Model(&model.Client{}).
			Where("bot_id = ? AND chat_id = ?", botID, chatID).
			Updates(map[string]interface{}{"last_broadcast_at": at.UTC(), "updated_at": utils.Now()}).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "MarkBroadcastSent", operation)
	observer.ObserveDbOperationDuration("mark_broadcast", "client", botID, time.Since(startTime), err)
	return err
}

// UpdateConversationIdentity moves history, CRM and reminders from an ephemeral id to the stable one.
// When both ids already own a client row the stable one is kept.
func (r *Repo) UpdateConversationIdentity(ctx context.Context, oldID, newID string) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}

	operation := func() error {
		return r.withTx(ctx, func(tx *gorm.DB) error {
			if err := tx.Model(&model.Message{}).
				Where("bot_id = ? AND chat_id = ?", botID, oldID).
				Update("chat_id", newID).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Model(&model.Reminder{}).
				Where("bot_id = ? AND chat_id = ?", botID, oldID).
				Update("chat_id", newID).Error; err != nil {
				return checkConstraintViolation(err)
			}

			var existing int64
			if err := tx.Model(&model.Client{}).
				Where("bot_id = ? AND chat_id = ?", botID, newID).
				Count(&existing).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if existing > 0 {
				return checkConstraintViolation(tx.
					Where("bot_id = ? AND chat_id = ?", botID, oldID).
					Delete(&model.Client{}).Error)
			}
			return checkConstraintViolation(tx.Model(&model.Client{}).
				Where("bot_id = ? AND chat_id = ?", botID, oldID).
				Updates(map[string]interface{}{"chat_id": newID, "updated_at": utils.Now()}).Error)
		})
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, commitRetryMaxElapsedTime), "UpdateConversationIdentity", operation)
	observer.ObserveDbOperationDuration("update_identity", "client", botID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to reconcile conversation identity",
			zap.String("old_id", oldID), zap.String("new_id", newID), zap.Error(err))
	}
	return err
}

// SetClientStatus moves the client of chatID to a new CRM status.
// Returns apperrors.ErrNotFound for an unknown conversation.
func (r *Repo) SetClientStatus(ctx context.Context, chatID string, status model.ClientStatus) error {
	botID, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}

	var affected int64
	operation := func() error {
		res := r.db.WithContext(ctx).
			Model(&model.Client{}).
			Where("bot_id = ? AND chat_id = ?", botID, chatID).
			Updates(map[string]interface{}{"status": status, "updated_at": utils.Now()})
		affected = res.RowsAffected
		return checkConstraintViolation(res.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "SetClientStatus", operation)
	observer.ObserveDbOperationDuration("set_status", "client", botID, time.Since(startTime), err)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: client %s", apperrors.ErrNotFound, chatID)
	}
	return nil
}
