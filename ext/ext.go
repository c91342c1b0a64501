// Package ext defines the extension system for the fiscal engine.
// Extensions are notified of lifecycle events (item published, completed,
// retried, dead-lettered, etc.) and can react to them — logging, metrics,
// tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/workitem"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Work item lifecycle hooks
// ──────────────────────────────────────────────────

// ItemPublished is called after an item is handed to the broker.
type ItemPublished interface {
	OnItemPublished(ctx context.Context, item *workitem.WorkItem) error
}

// ItemStarted is called when a lane consumer begins processing an item.
type ItemStarted interface {
	OnItemStarted(ctx context.Context, item *workitem.WorkItem) error
}

// ItemCompleted is called after an item is processed successfully.
type ItemCompleted interface {
	OnItemCompleted(ctx context.Context, item *workitem.WorkItem, elapsed time.Duration) error
}

// ItemRejected is called when the authority rejects an item's document.
// Rejections are final and never retried.
type ItemRejected interface {
	OnItemRejected(ctx context.Context, item *workitem.WorkItem, err error) error
}

// ItemRetrying is called when an item fails and is scheduled for retry.
type ItemRetrying interface {
	OnItemRetrying(ctx context.Context, item *workitem.WorkItem, tier int, nextAttemptAt time.Time) error
}

// ItemDeadLettered is called when an item is forwarded to the dead-letter lane.
type ItemDeadLettered interface {
	OnItemDeadLettered(ctx context.Context, item *workitem.WorkItem, reason string) error
}

// ItemRecovered is called when the analyzer re-injects a dead-lettered item.
type ItemRecovered interface {
	OnItemRecovered(ctx context.Context, item *workitem.WorkItem, at time.Time) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// AlertRaised is called for every operator alert.
type AlertRaised interface {
	OnAlertRaised(ctx context.Context, a *deadletter.Alert) error
}

// MaintenanceRan is called after a scheduled maintenance task finishes.
type MaintenanceRan interface {
	OnMaintenanceRan(ctx context.Context, task string, affected int64, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
