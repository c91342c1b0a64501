package observability

import (
	"context"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/workitem"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*CountersExtension)(nil)
	_ ext.ItemPublished    = (*CountersExtension)(nil)
	_ ext.ItemCompleted    = (*CountersExtension)(nil)
	_ ext.ItemRejected     = (*CountersExtension)(nil)
	_ ext.ItemRetrying     = (*CountersExtension)(nil)
	_ ext.ItemDeadLettered = (*CountersExtension)(nil)
	_ ext.ItemRecovered    = (*CountersExtension)(nil)
	_ ext.AlertRaised      = (*CountersExtension)(nil)
)

// CountersExtension keeps in-process lifecycle totals via a go-utils
// MetricFactory. Unlike MetricsExtension it needs no exporter; the
// values can be read back at any time, e.g. for a shutdown summary.
type CountersExtension struct {
	ItemPublished    gu.Counter
	ItemCompleted    gu.Counter
	ItemRejected     gu.Counter
	ItemRetried      gu.Counter
	ItemDeadLettered gu.Counter
	ItemRecovered    gu.Counter
	AlertRaised      gu.Counter
}

// NewCountersExtension creates a CountersExtension using a default metrics collector.
func NewCountersExtension() *CountersExtension {
	return NewCountersExtensionWithFactory(gu.NewMetricsCollector("fiscal/observability"))
}

// NewCountersExtensionWithFactory creates a CountersExtension with the provided MetricFactory.
func NewCountersExtensionWithFactory(factory gu.MetricFactory) *CountersExtension {
	return &CountersExtension{
		ItemPublished:    factory.Counter("fiscal.item.published"),
		ItemCompleted:    factory.Counter("fiscal.item.completed"),
		ItemRejected:     factory.Counter("fiscal.item.rejected"),
		ItemRetried:      factory.Counter("fiscal.item.retried"),
		ItemDeadLettered: factory.Counter("fiscal.item.dead_lettered"),
		ItemRecovered:    factory.Counter("fiscal.item.recovered"),
		AlertRaised:      factory.Counter("fiscal.alert.raised"),
	}
}

// Name implements ext.Extension.
func (c *CountersExtension) Name() string { return "observability-counters" }

// Summary returns the current totals as slog key/value pairs.
func (c *CountersExtension) Summary() []any {
	return []any{
		"published", c.ItemPublished.Value(),
		"completed", c.ItemCompleted.Value(),
		"rejected", c.ItemRejected.Value(),
		"retried", c.ItemRetried.Value(),
		"dead_lettered", c.ItemDeadLettered.Value(),
		"recovered", c.ItemRecovered.Value(),
		"alerts", c.AlertRaised.Value(),
	}
}

// OnItemPublished implements ext.ItemPublished.
func (c *CountersExtension) OnItemPublished(_ context.Context, _ *workitem.WorkItem) error {
	c.ItemPublished.Inc()
	return nil
}

// OnItemCompleted implements ext.ItemCompleted.
func (c *CountersExtension) OnItemCompleted(_ context.Context, _ *workitem.WorkItem, _ time.Duration) error {
	c.ItemCompleted.Inc()
	return nil
}

// OnItemRejected implements ext.ItemRejected.
func (c *CountersExtension) OnItemRejected(_ context.Context, _ *workitem.WorkItem, _ error) error {
	c.ItemRejected.Inc()
	return nil
}

// OnItemRetrying implements ext.ItemRetrying.
func (c *CountersExtension) OnItemRetrying(_ context.Context, _ *workitem.WorkItem, _ int, _ time.Time) error {
	c.ItemRetried.Inc()
	return nil
}

// OnItemDeadLettered implements ext.ItemDeadLettered.
func (c *CountersExtension) OnItemDeadLettered(_ context.Context, _ *workitem.WorkItem, _ string) error {
	c.ItemDeadLettered.Inc()
	return nil
}

// OnItemRecovered implements ext.ItemRecovered.
func (c *CountersExtension) OnItemRecovered(_ context.Context, _ *workitem.WorkItem, _ time.Time) error {
	c.ItemRecovered.Inc()
	return nil
}

// OnAlertRaised implements ext.AlertRaised.
func (c *CountersExtension) OnAlertRaised(_ context.Context, _ *deadletter.Alert) error {
	c.AlertRaised.Inc()
	return nil
}
