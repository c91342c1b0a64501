package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

// Recover returns middleware that recovers from panics in the handler
// chain. A panic becomes a permanent failure so the item is never retried
// in a loop; it is logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, item *workitem.WorkItem, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("item handler panicked",
					slog.String("item_id", item.ID.String()),
					slog.String("operation", string(item.Operation)),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = failure.Permanent(fmt.Errorf("panic in %s: %v", item.Operation, r), "recover")
			}
		}()
		return next(ctx)
	}
}
