package deadletter

import (
	"context"
	"time"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// AlertKind names the condition an alert reports.
type AlertKind string

const (
	// AlertPermanentFailure reports an item that cannot be recovered
	// automatically.
	AlertPermanentFailure AlertKind = "permanent_failure"
	// AlertRecoveryExhausted reports an item that kept failing after
	// every automatic recovery.
	AlertRecoveryExhausted AlertKind = "recovery_exhausted"
	// AlertRecurringPattern reports one reason dominating a
	// (tenant, operation) window.
	AlertRecurringPattern AlertKind = "recurring_pattern"
	// AlertTenantHealth reports a tenant crossing the dead-letter
	// threshold.
	AlertTenantHealth AlertKind = "tenant_health"
)

// Alert is an operator notification.
type Alert struct {
	ID             id.AlertID         `json:"id"`
	Kind           AlertKind          `json:"kind"`
	TenantID       string             `json:"tenant_id"`
	Operation      workitem.Operation `json:"operation,omitempty"`
	ItemID         id.WorkItemID      `json:"item_id,omitzero"`
	EntryID        id.DLQID           `json:"entry_id,omitzero"`
	CorrelationKey string             `json:"correlation_key,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	Class          failure.Class      `json:"class,omitempty"`
	Share          float64            `json:"share,omitempty"`
	Count          int64              `json:"count,omitempty"`
	At             time.Time          `json:"at"`
}

// AlertSink receives alerts. Implementations must not block for long;
// alerts are side-channel and never affect processing.
type AlertSink interface {
	Alert(ctx context.Context, a *Alert)
}

// AlertFunc adapts a function to AlertSink.
type AlertFunc func(ctx context.Context, a *Alert)

// Alert calls f.
func (f AlertFunc) Alert(ctx context.Context, a *Alert) { f(ctx, a) }
