// Package ext defines the extension system for the fiscal engine.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, forwarding alerts, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnItemCompleted(ctx context.Context, item *workitem.WorkItem, elapsed time.Duration) error {
//	    log.Printf("item %s completed in %s", item.ID, elapsed)
//	    return nil
//	}
//
// # Work Item Lifecycle Hooks
//
//   - [ItemPublished] — item was handed to the broker
//   - [ItemStarted] — a lane consumer began processing the item
//   - [ItemCompleted] — item finished successfully
//   - [ItemRejected] — the authority rejected the document
//   - [ItemRetrying] — item failed and was scheduled for retry
//   - [ItemDeadLettered] — item was forwarded to the dead-letter lane
//   - [ItemRecovered] — the analyzer re-injected a dead-lettered item
//
// # Other Hooks
//
//   - [AlertRaised] — the dead-letter analyzer raised an operator alert
//   - [MaintenanceRan] — a scheduled maintenance task finished
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. The Registry also satisfies
// deadletter.AlertSink, so it can be handed directly to the analyzer.
package ext
