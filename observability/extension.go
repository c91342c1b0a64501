package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/workitem"
)

const meterName = "github.com/xraph/fiscal/observability"

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.ItemPublished    = (*MetricsExtension)(nil)
	_ ext.ItemCompleted    = (*MetricsExtension)(nil)
	_ ext.ItemRejected     = (*MetricsExtension)(nil)
	_ ext.ItemRetrying     = (*MetricsExtension)(nil)
	_ ext.ItemDeadLettered = (*MetricsExtension)(nil)
	_ ext.ItemRecovered    = (*MetricsExtension)(nil)
	_ ext.AlertRaised      = (*MetricsExtension)(nil)
	_ ext.MaintenanceRan   = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics as OTel counters.
// Register it as an engine extension to track publish rates, completion
// and rejection counts, retries per tier, dead letters, recoveries,
// alerts and maintenance runs.
type MetricsExtension struct {
	ItemPublished    metric.Int64Counter
	ItemCompleted    metric.Int64Counter
	ItemRejected     metric.Int64Counter
	ItemRetried      metric.Int64Counter
	ItemDeadLettered metric.Int64Counter
	ItemRecovered    metric.Int64Counter
	AlertRaised      metric.Int64Counter
	MaintenanceRuns  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument errors fall back to noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback guaranteed by OTel API contract
		return c
	}
	return &MetricsExtension{
		ItemPublished:    counter("fiscal.item.published", "Work items handed to the broker"),
		ItemCompleted:    counter("fiscal.item.completed", "Work items processed successfully"),
		ItemRejected:     counter("fiscal.item.rejected", "Work items rejected by the authority"),
		ItemRetried:      counter("fiscal.item.retried", "Work items scheduled for retry"),
		ItemDeadLettered: counter("fiscal.item.dead_lettered", "Work items forwarded to the dead-letter lane"),
		ItemRecovered:    counter("fiscal.item.recovered", "Dead-lettered work items re-injected"),
		AlertRaised:      counter("fiscal.alert.raised", "Operator alerts raised"),
		MaintenanceRuns:  counter("fiscal.maintenance.runs", "Scheduled maintenance task runs"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func itemAttrs(item *workitem.WorkItem, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{
		attribute.String("operation", string(item.Operation)),
		attribute.String("lane", item.Lane),
	}, extra...)...)
}

// ── Item lifecycle hooks ────────────────────────────

// OnItemPublished implements ext.ItemPublished.
func (m *MetricsExtension) OnItemPublished(ctx context.Context, item *workitem.WorkItem) error {
	m.ItemPublished.Add(ctx, 1, itemAttrs(item))
	return nil
}

// OnItemCompleted implements ext.ItemCompleted.
func (m *MetricsExtension) OnItemCompleted(ctx context.Context, item *workitem.WorkItem, _ time.Duration) error {
	m.ItemCompleted.Add(ctx, 1, itemAttrs(item))
	return nil
}

// OnItemRejected implements ext.ItemRejected.
func (m *MetricsExtension) OnItemRejected(ctx context.Context, item *workitem.WorkItem, _ error) error {
	m.ItemRejected.Add(ctx, 1, itemAttrs(item))
	return nil
}

// OnItemRetrying implements ext.ItemRetrying.
func (m *MetricsExtension) OnItemRetrying(ctx context.Context, item *workitem.WorkItem, tier int, _ time.Time) error {
	m.ItemRetried.Add(ctx, 1, itemAttrs(item, attribute.Int("tier", tier)))
	return nil
}

// OnItemDeadLettered implements ext.ItemDeadLettered.
func (m *MetricsExtension) OnItemDeadLettered(ctx context.Context, item *workitem.WorkItem, _ string) error {
	m.ItemDeadLettered.Add(ctx, 1, itemAttrs(item,
		attribute.String("class", item.Meta(workitem.MetaClass)),
	))
	return nil
}

// OnItemRecovered implements ext.ItemRecovered.
func (m *MetricsExtension) OnItemRecovered(ctx context.Context, item *workitem.WorkItem, _ time.Time) error {
	m.ItemRecovered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(item.Operation)),
	))
	return nil
}

// ── Other hooks ─────────────────────────────────────

// OnAlertRaised implements ext.AlertRaised.
func (m *MetricsExtension) OnAlertRaised(ctx context.Context, a *deadletter.Alert) error {
	m.AlertRaised.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(a.Kind)),
		attribute.String("tenant_id", a.TenantID),
	))
	return nil
}

// OnMaintenanceRan implements ext.MaintenanceRan.
func (m *MetricsExtension) OnMaintenanceRan(ctx context.Context, task string, _ int64, err error) error {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("status", status),
	))
	return nil
}
