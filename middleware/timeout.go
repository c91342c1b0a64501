package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fiscal/workitem"
)

// TimeoutFunc returns the processing deadline for an item. Zero means no
// deadline.
type TimeoutFunc func(item *workitem.WorkItem) time.Duration

// Timeout returns middleware that enforces a per-item processing deadline.
// When the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded, which is treated like any other
// transient failure.
func Timeout(logger *slog.Logger, timeoutFor TimeoutFunc) Middleware {
	return func(ctx context.Context, item *workitem.WorkItem, next Handler) error {
		if d := timeoutFor(item); d > 0 {
			logger.Debug("item timeout set",
				slog.String("item_id", item.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
