package observability

import (
	"context"
	"log/slog"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/ext"
)

var (
	_ ext.Extension   = (*AlertLogger)(nil)
	_ ext.AlertRaised = (*AlertLogger)(nil)
)

// AlertLogger writes operator alerts to a structured logger. Permanent
// failures and exhausted recoveries log at Error, patterns and tenant
// health at Warn.
type AlertLogger struct {
	logger *slog.Logger
}

// NewAlertLogger creates an AlertLogger. A nil logger uses slog.Default.
func NewAlertLogger(logger *slog.Logger) *AlertLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertLogger{logger: logger}
}

// Name implements ext.Extension.
func (l *AlertLogger) Name() string { return "alert-logger" }

// OnAlertRaised implements ext.AlertRaised.
func (l *AlertLogger) OnAlertRaised(ctx context.Context, a *deadletter.Alert) error {
	level := slog.LevelWarn
	switch a.Kind {
	case deadletter.AlertPermanentFailure, deadletter.AlertRecoveryExhausted:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("alert_id", a.ID.String()),
		slog.String("kind", string(a.Kind)),
		slog.String("tenant_id", a.TenantID),
	}
	if a.Operation != "" {
		attrs = append(attrs, slog.String("operation", string(a.Operation)))
	}
	if !a.ItemID.IsNil() {
		attrs = append(attrs, slog.String("item_id", a.ItemID.String()))
	}
	if a.CorrelationKey != "" {
		attrs = append(attrs, slog.String("correlation_key", a.CorrelationKey))
	}
	if a.Reason != "" {
		attrs = append(attrs, slog.String("reason", a.Reason))
	}
	if a.Class != "" {
		attrs = append(attrs, slog.String("reason_class", string(a.Class)))
	}
	if a.Share > 0 {
		attrs = append(attrs, slog.Float64("share", a.Share))
	}
	if a.Count > 0 {
		attrs = append(attrs, slog.Int64("count", a.Count))
	}

	l.logger.LogAttrs(ctx, level, "fiscal alert", attrs...)
	return nil
}
