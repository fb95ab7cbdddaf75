package control

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

// Handler applies one command for a tenant. The tenant is also in ctx.
type Handler func(ctx context.Context, tenantID string, data []byte) error

// Router routes commands to handlers by name.
type Router struct {
	handlers       map[string]Handler
	defaultHandler Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register registers a handler for a command.
func (r *Router) Register(command string, h Handler) {
	r.handlers[command] = h
}

// RegisterDefault registers the handler for unknown commands.
func (r *Router) RegisterDefault(h Handler) {
	r.defaultHandler = h
}

// Route runs the handler of command. An unknown command without a default
// handler is a fatal error. A panicking handler fails the command.
func (r *Router) Route(ctx context.Context, tenantID, command string, data []byte) error {
	ctx = logger.ForTenant(ctx, logger.FromContextOr(ctx, nil).With(zap.String("command", command)), tenantID)
	log := logger.FromContext(ctx)

	log.Info("Command received", zap.String("payload_size", utils.ByteCountSI(len(data))))

	h, ok := r.handlers[command]
	if !ok {
		if r.defaultHandler == nil {
			err := apperrors.NewFatal(fmt.Errorf("%w: unknown command %q", apperrors.ErrBadRequest, command), "route")
			observer.IncControlCommand("unknown", err)
			return err
		}
		log.Warn("No handler for command, using default")
		h = r.defaultHandler
	}

	err := utils.WrapWithContextRecovery(func(ctx context.Context) error {
		return h(ctx, tenantID, data)
	})(ctx)
	observer.IncControlCommand(command, err)
	return err
}
