package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/workitem"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.ItemPublished    = (*Extension)(nil)
	_ ext.ItemStarted      = (*Extension)(nil)
	_ ext.ItemCompleted    = (*Extension)(nil)
	_ ext.ItemRejected     = (*Extension)(nil)
	_ ext.ItemRetrying     = (*Extension)(nil)
	_ ext.ItemDeadLettered = (*Extension)(nil)
	_ ext.ItemRecovered    = (*Extension)(nil)
	_ ext.AlertRaised      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePending = "pending"
)

// Extension bridges fiscal lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Item lifecycle hooks ─────────────────────────────

// OnItemPublished implements ext.ItemPublished.
func (e *Extension) OnItemPublished(ctx context.Context, item *workitem.WorkItem) error {
	return e.recordItem(ctx, ActionItemPublished, SeverityInfo, OutcomePending, item, nil,
		"priority", string(item.Priority),
	)
}

// OnItemStarted implements ext.ItemStarted.
func (e *Extension) OnItemStarted(ctx context.Context, item *workitem.WorkItem) error {
	return e.recordItem(ctx, ActionItemStarted, SeverityInfo, OutcomePending, item, nil,
		"attempt", item.AttemptCount,
	)
}

// OnItemCompleted implements ext.ItemCompleted.
func (e *Extension) OnItemCompleted(ctx context.Context, item *workitem.WorkItem, elapsed time.Duration) error {
	return e.recordItem(ctx, ActionItemCompleted, SeverityInfo, OutcomeSuccess, item, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnItemRejected implements ext.ItemRejected.
func (e *Extension) OnItemRejected(ctx context.Context, item *workitem.WorkItem, err error) error {
	return e.recordItem(ctx, ActionItemRejected, SeverityWarning, OutcomeFailure, item, err)
}

// OnItemRetrying implements ext.ItemRetrying.
func (e *Extension) OnItemRetrying(ctx context.Context, item *workitem.WorkItem, tier int, nextAttemptAt time.Time) error {
	return e.recordItem(ctx, ActionItemRetrying, SeverityWarning, OutcomeFailure, item, nil,
		"tier", tier,
		"attempt", item.AttemptCount,
		"next_attempt_at", nextAttemptAt.UTC().Format(time.RFC3339),
	)
}

// OnItemDeadLettered implements ext.ItemDeadLettered.
func (e *Extension) OnItemDeadLettered(ctx context.Context, item *workitem.WorkItem, reason string) error {
	if !e.isEnabled(ActionItemDeadLettered) {
		return nil
	}
	evt := e.itemEvent(ActionItemDeadLettered, SeverityCritical, OutcomeFailure, item,
		"attempt", item.AttemptCount,
	)
	evt.Reason = reason
	e.emit(ctx, evt)
	return nil
}

// OnItemRecovered implements ext.ItemRecovered.
func (e *Extension) OnItemRecovered(ctx context.Context, item *workitem.WorkItem, at time.Time) error {
	return e.recordItem(ctx, ActionItemRecovered, SeverityWarning, OutcomePending, item, nil,
		"recoveries", item.Meta(workitem.MetaRecoveries),
		"recover_at", at.UTC().Format(time.RFC3339),
	)
}

// ── Analyzer hooks ───────────────────────────────────

// OnAlertRaised implements ext.AlertRaised.
func (e *Extension) OnAlertRaised(ctx context.Context, a *deadletter.Alert) error {
	if !e.isEnabled(ActionAlertRaised) {
		return nil
	}
	meta := map[string]any{
		"kind": string(a.Kind),
	}
	if a.Operation != "" {
		meta["operation"] = string(a.Operation)
	}
	if !a.ItemID.IsNil() {
		meta["item_id"] = a.ItemID.String()
	}
	if !a.EntryID.IsNil() {
		meta["entry_id"] = a.EntryID.String()
	}
	if a.Class != "" {
		meta["class"] = string(a.Class)
	}
	if a.Count > 0 {
		meta["count"] = a.Count
	}
	if a.Share > 0 {
		meta["share"] = a.Share
	}
	e.emit(ctx, &AuditEvent{
		Action:     ActionAlertRaised,
		Resource:   ResourceAlert,
		Category:   CategoryAlert,
		ResourceID: a.ID.String(),
		TenantID:   a.TenantID,
		Metadata:   meta,
		Outcome:    OutcomeFailure,
		Severity:   SeverityCritical,
		Reason:     a.Reason,
	})
	return nil
}

// ── Internal helpers ─────────────────────────────────

func (e *Extension) isEnabled(action string) bool {
	if e.enabled == nil {
		return true
	}
	return e.enabled[action]
}

// recordItem builds and records an item event. Hook errors never propagate:
// a failing recorder is logged and the lifecycle continues.
func (e *Extension) recordItem(
	ctx context.Context,
	action, severity, outcome string,
	item *workitem.WorkItem,
	err error,
	kvPairs ...any,
) error {
	if !e.isEnabled(action) {
		return nil
	}
	evt := e.itemEvent(action, severity, outcome, item, kvPairs...)
	if err != nil {
		evt.Reason = err.Error()
		evt.Metadata["error"] = err.Error()
	}
	e.emit(ctx, evt)
	return nil
}

func (e *Extension) itemEvent(action, severity, outcome string, item *workitem.WorkItem, kvPairs ...any) *AuditEvent {
	meta := make(map[string]any, len(kvPairs)/2+4)
	meta["operation"] = string(item.Operation)
	meta["correlation_key"] = item.CorrelationKey
	if item.Lane != "" {
		meta["lane"] = item.Lane
	}
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}
	return &AuditEvent{
		Action:     action,
		Resource:   ResourceItem,
		Category:   CategoryItem,
		ResourceID: item.ID.String(),
		TenantID:   item.TenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
	}
}

func (e *Extension) emit(ctx context.Context, evt *AuditEvent) {
	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", evt.Action,
			"resource_id", evt.ResourceID,
			"error", recErr,
		)
	}
}
