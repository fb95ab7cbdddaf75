package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

// RecoverFn handles a recovered panic.
type RecoverFn func(r interface{}, stack []byte)

// SafeGo runs fn in a goroutine. A panic goes to onPanic, or is logged when
// onPanic is nil.
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				logPanic(nil, "goroutine", r, stack)
			}
		}()
		fn()
	}()
}

// RecoverWithLog logs a panic of the calling function. Use it deferred.
func RecoverWithLog(ctx context.Context, operation string) {
	if r := recover(); r != nil {
		logPanic(logger.FromContextOr(ctx, logger.Log), operation, r, debug.Stack())
	}
}

// WrapWithContextRecovery turns a panic of fn into an error.
func WrapWithContextRecovery(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger.FromContextOr(ctx, logger.Log), "handler", r, debug.Stack())
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return fn(ctx)
	}
}

func logPanic(log *zap.Logger, operation string, r interface{}, stack []byte) {
	if log == nil {
		log = logger.Log
	}
	if log == nil {
		fmt.Fprintf(os.Stderr, "[PANIC] Recovered from panic in %s: %v\n%s\n", operation, r, stack)
		return
	}
	log.Error("[panic] Recovered from panic",
		zap.String("operation", operation),
		zap.Any("panic", r),
		zap.ByteString("stack", stack),
	)
}
