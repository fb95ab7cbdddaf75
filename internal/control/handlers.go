package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// Fleet is what control commands act on.
type Fleet interface {
	StartSession(ctx context.Context, tenantID string, watchQR time.Duration) error
	StopSession(ctx context.Context, tenantID string, logout bool) error
	UpdateConfig(ctx context.Context, tenantID string, patch model.ConfigPatch) error
	AddReminder(ctx context.Context, tenantID string, r *model.Reminder) error
	SetClientStatus(ctx context.Context, tenantID, chatID string, status model.ClientStatus) error
	RunBroadcast(ctx context.Context, tenantID string, req RunBroadcast) (string, error)
}

// Register wires a handler for every command onto r.
func Register(r *Router, fleet Fleet) {
	r.Register(CmdSessionStart, func(ctx context.Context, tenantID string, data []byte) error {
		var req StartSession
		if err := decode(data, &req); err != nil {
			return err
		}
		return fleet.StartSession(ctx, tenantID, req.WatchDuration())
	})

	r.Register(CmdSessionStop, func(ctx context.Context, tenantID string, _ []byte) error {
		return fleet.StopSession(ctx, tenantID, false)
	})

	r.Register(CmdSessionLogout, func(ctx context.Context, tenantID string, _ []byte) error {
		return fleet.StopSession(ctx, tenantID, true)
	})

	r.Register(CmdConfigUpdate, func(ctx context.Context, tenantID string, data []byte) error {
		var patch model.ConfigPatch
		if err := decode(data, &patch); err != nil {
			return err
		}
		return fleet.UpdateConfig(ctx, tenantID, patch)
	})

	r.Register(CmdReminderAdd, func(ctx context.Context, tenantID string, data []byte) error {
		var req AddReminder
		if err := decode(data, &req); err != nil {
			return err
		}
		return fleet.AddReminder(ctx, tenantID, &model.Reminder{
			ChatID:         req.ChatID,
			DueAt:          req.DueAt,
			RecurrenceDays: req.RecurrenceDays,
		})
	})

	r.Register(CmdClientStatus, func(ctx context.Context, tenantID string, data []byte) error {
		var req SetClientStatus
		if err := decode(data, &req); err != nil {
			return err
		}
		return fleet.SetClientStatus(ctx, tenantID, req.ChatID, req.Status)
	})

	r.Register(CmdBroadcastRun, func(ctx context.Context, tenantID string, data []byte) error {
		var req RunBroadcast
		if err := decode(data, &req); err != nil {
			return err
		}
		id, err := fleet.RunBroadcast(ctx, tenantID, req)
		if err != nil {
			return err
		}
		logger.FromContext(ctx).Info("Campaign launched", zap.String("campaign_id", id))
		return nil
	})
}
