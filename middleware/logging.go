package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

// Logging returns middleware that logs item start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, item *workitem.WorkItem, next Handler) error {
		logger.Debug("item started",
			slog.String("item_id", item.ID.String()),
			slog.String("operation", string(item.Operation)),
			slog.String("lane", item.Lane),
			slog.String("tenant_id", item.TenantID),
			slog.Int("attempt", item.AttemptCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("item failed",
				slog.String("item_id", item.ID.String()),
				slog.String("operation", string(item.Operation)),
				slog.String("correlation_key", item.CorrelationKey),
				slog.Duration("elapsed", elapsed),
				slog.String("reason_class", string(failure.Of(err))),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("item completed",
				slog.String("item_id", item.ID.String()),
				slog.String("operation", string(item.Operation)),
				slog.String("correlation_key", item.CorrelationKey),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
