package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/workitem"
)

// The registry feeds analyzer alerts to AlertRaised hooks.
var _ deadletter.AlertSink = (*Registry)(nil)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type itemPublishedEntry struct {
	name string
	hook ItemPublished
}

type itemStartedEntry struct {
	name string
	hook ItemStarted
}

type itemCompletedEntry struct {
	name string
	hook ItemCompleted
}

type itemRejectedEntry struct {
	name string
	hook ItemRejected
}

type itemRetryingEntry struct {
	name string
	hook ItemRetrying
}

type itemDeadLetteredEntry struct {
	name string
	hook ItemDeadLettered
}

type itemRecoveredEntry struct {
	name string
	hook ItemRecovered
}

type alertRaisedEntry struct {
	name string
	hook AlertRaised
}

type maintenanceRanEntry struct {
	name string
	hook MaintenanceRan
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	itemPublished    []itemPublishedEntry
	itemStarted      []itemStartedEntry
	itemCompleted    []itemCompletedEntry
	itemRejected     []itemRejectedEntry
	itemRetrying     []itemRetryingEntry
	itemDeadLettered []itemDeadLetteredEntry
	itemRecovered    []itemRecoveredEntry
	alertRaised      []alertRaisedEntry
	maintenanceRan   []maintenanceRanEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(ItemPublished); ok {
		r.itemPublished = append(r.itemPublished, itemPublishedEntry{name, h})
	}
	if h, ok := e.(ItemStarted); ok {
		r.itemStarted = append(r.itemStarted, itemStartedEntry{name, h})
	}
	if h, ok := e.(ItemCompleted); ok {
		r.itemCompleted = append(r.itemCompleted, itemCompletedEntry{name, h})
	}
	if h, ok := e.(ItemRejected); ok {
		r.itemRejected = append(r.itemRejected, itemRejectedEntry{name, h})
	}
	if h, ok := e.(ItemRetrying); ok {
		r.itemRetrying = append(r.itemRetrying, itemRetryingEntry{name, h})
	}
	if h, ok := e.(ItemDeadLettered); ok {
		r.itemDeadLettered = append(r.itemDeadLettered, itemDeadLetteredEntry{name, h})
	}
	if h, ok := e.(ItemRecovered); ok {
		r.itemRecovered = append(r.itemRecovered, itemRecoveredEntry{name, h})
	}
	if h, ok := e.(AlertRaised); ok {
		r.alertRaised = append(r.alertRaised, alertRaisedEntry{name, h})
	}
	if h, ok := e.(MaintenanceRan); ok {
		r.maintenanceRan = append(r.maintenanceRan, maintenanceRanEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Work item event emitters
// ──────────────────────────────────────────────────

// EmitItemPublished notifies all extensions that implement ItemPublished.
func (r *Registry) EmitItemPublished(ctx context.Context, item *workitem.WorkItem) {
	for _, e := range r.itemPublished {
		if err := e.hook.OnItemPublished(ctx, item); err != nil {
			r.logHookError("OnItemPublished", e.name, err)
		}
	}
}

// EmitItemStarted notifies all extensions that implement ItemStarted.
func (r *Registry) EmitItemStarted(ctx context.Context, item *workitem.WorkItem) {
	for _, e := range r.itemStarted {
		if err := e.hook.OnItemStarted(ctx, item); err != nil {
			r.logHookError("OnItemStarted", e.name, err)
		}
	}
}

// EmitItemCompleted notifies all extensions that implement ItemCompleted.
func (r *Registry) EmitItemCompleted(ctx context.Context, item *workitem.WorkItem, elapsed time.Duration) {
	for _, e := range r.itemCompleted {
		if err := e.hook.OnItemCompleted(ctx, item, elapsed); err != nil {
			r.logHookError("OnItemCompleted", e.name, err)
		}
	}
}

// EmitItemRejected notifies all extensions that implement ItemRejected.
func (r *Registry) EmitItemRejected(ctx context.Context, item *workitem.WorkItem, itemErr error) {
	for _, e := range r.itemRejected {
		if err := e.hook.OnItemRejected(ctx, item, itemErr); err != nil {
			r.logHookError("OnItemRejected", e.name, err)
		}
	}
}

// EmitItemRetrying notifies all extensions that implement ItemRetrying.
func (r *Registry) EmitItemRetrying(ctx context.Context, item *workitem.WorkItem, tier int, nextAttemptAt time.Time) {
	for _, e := range r.itemRetrying {
		if err := e.hook.OnItemRetrying(ctx, item, tier, nextAttemptAt); err != nil {
			r.logHookError("OnItemRetrying", e.name, err)
		}
	}
}

// EmitItemDeadLettered notifies all extensions that implement ItemDeadLettered.
func (r *Registry) EmitItemDeadLettered(ctx context.Context, item *workitem.WorkItem, reason string) {
	for _, e := range r.itemDeadLettered {
		if err := e.hook.OnItemDeadLettered(ctx, item, reason); err != nil {
			r.logHookError("OnItemDeadLettered", e.name, err)
		}
	}
}

// EmitItemRecovered notifies all extensions that implement ItemRecovered.
func (r *Registry) EmitItemRecovered(ctx context.Context, item *workitem.WorkItem, at time.Time) {
	for _, e := range r.itemRecovered {
		if err := e.hook.OnItemRecovered(ctx, item, at); err != nil {
			r.logHookError("OnItemRecovered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitAlertRaised notifies all extensions that implement AlertRaised.
func (r *Registry) EmitAlertRaised(ctx context.Context, a *deadletter.Alert) {
	for _, e := range r.alertRaised {
		if err := e.hook.OnAlertRaised(ctx, a); err != nil {
			r.logHookError("OnAlertRaised", e.name, err)
		}
	}
}

// Alert implements deadletter.AlertSink.
func (r *Registry) Alert(ctx context.Context, a *deadletter.Alert) {
	r.EmitAlertRaised(ctx, a)
}

// EmitMaintenanceRan notifies all extensions that implement MaintenanceRan.
func (r *Registry) EmitMaintenanceRan(ctx context.Context, task string, affected int64, taskErr error) {
	for _, e := range r.maintenanceRan {
		if err := e.hook.OnMaintenanceRan(ctx, task, affected, taskErr); err != nil {
			r.logHookError("OnMaintenanceRan", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
