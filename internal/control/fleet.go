package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/broadcast"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/session"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// Store is the persistence used for tenants whose session is not running.
type Store interface {
	UpdateConfig(ctx context.Context, patch model.ConfigPatch) (*model.BotConfig, error)
	AddReminder(ctx context.Context, r *model.Reminder) error
	SetClientStatus(ctx context.Context, chatID string, status model.ClientStatus) error
}

// ManagedFleet implements Fleet over the session manager and broadcast engine.
type ManagedFleet struct {
	sessions  *session.Manager
	campaigns *broadcast.Engine
	store     Store
}

var _ Fleet = (*ManagedFleet)(nil)

func NewManagedFleet(sessions *session.Manager, campaigns *broadcast.Engine, store Store) *ManagedFleet {
	return &ManagedFleet{sessions: sessions, campaigns: campaigns, store: store}
}

func (f *ManagedFleet) StartSession(ctx context.Context, tenantID string, watchQR time.Duration) error {
	if watchQR > 0 {
		f.sessions.QR().SubscribeFor(tenantID, watchQR)
	}
	conn, outcome, err := f.sessions.StartSession(ctx, tenantID)
	if err != nil {
		return err
	}
	logger.FromContext(ctx).Info("Session start requested",
		zap.String("outcome", outcome.String()),
		zap.String("state", conn.State().String()),
	)
	return nil
}

func (f *ManagedFleet) StopSession(ctx context.Context, tenantID string, logout bool) error {
	err := f.sessions.StopSession(ctx, tenantID, logout)
	if apperrors.IsNotFoundError(err) {
		return apperrors.NewFatal(err, "stop session")
	}
	return err
}

// UpdateConfig goes through the live connection when there is one so its
// cached config is replaced at once.
func (f *ManagedFleet) UpdateConfig(ctx context.Context, tenantID string, patch model.ConfigPatch) error {
	if conn, ok := f.sessions.Get(tenantID); ok {
		_, err := conn.UpdateConfig(ctx, patch)
		return err
	}
	if err := validator.Validate(patch); err != nil {
		return err
	}
	_, err := f.store.UpdateConfig(tenant.WithTenantID(ctx, tenantID), patch)
	return err
}

func (f *ManagedFleet) AddReminder(ctx context.Context, tenantID string, r *model.Reminder) error {
	return f.store.AddReminder(tenant.WithTenantID(ctx, tenantID), r)
}

func (f *ManagedFleet) SetClientStatus(ctx context.Context, tenantID, chatID string, status model.ClientStatus) error {
	err := f.store.SetClientStatus(tenant.WithTenantID(ctx, tenantID), chatID, status)
	if apperrors.IsNotFoundError(err) {
		return apperrors.NewFatal(err, "set client status")
	}
	return err
}

// RunBroadcast launches a campaign on the tenant's connection. The campaign
// lives as long as the connection, not the command.
func (f *ManagedFleet) RunBroadcast(ctx context.Context, tenantID string, req RunBroadcast) (string, error) {
	conn, ok := f.sessions.Get(tenantID)
	if !ok {
		return "", apperrors.NewFatal(fmt.Errorf("%w: no session for %s", apperrors.ErrNotFound, tenantID), "run broadcast")
	}

	recipients := req.Recipients
	if len(recipients) == 0 {
		var err error
		recipients, err = f.campaigns.Recipients(ctx, tenantID, req.Criteria)
		if err != nil {
			return "", err
		}
	}

	id, err := f.campaigns.Launch(conn.Context(), conn, &model.Campaign{
		TenantID:   tenantID,
		Template:   req.Template,
		Media:      req.Media,
		Recipients: recipients,
	})
	if apperrors.IsBadRequestError(err) {
		return "", apperrors.NewFatal(err, "run broadcast")
	}
	return id, err
}
