package deadletter

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// State tracks what happened to an entry after it was recorded.
type State string

const (
	// StateOpen means the entry awaits operator action.
	StateOpen State = "open"
	// StateRecovering means the analyzer re-injected the item.
	StateRecovering State = "recovering"
	// StateReplayed means an operator replayed the item.
	StateReplayed State = "replayed"
)

// Entry represents a work item moved to the dead-letter lane.
type Entry struct {
	ID             id.DLQID           `json:"id"`
	ItemID         id.WorkItemID      `json:"item_id"`
	TenantID       string             `json:"tenant_id"`
	CorrelationKey string             `json:"correlation_key"`
	Operation      workitem.Operation `json:"operation"`
	Priority       workitem.Priority  `json:"priority"`
	OriginLane     string             `json:"origin_lane,omitempty"`
	Payload        json.RawMessage    `json:"payload,omitempty"`
	Reason         string             `json:"reason"`
	Class          failure.Class      `json:"class"`
	AttemptCount   int                `json:"attempt_count"`
	Recoveries     int                `json:"recoveries"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	State          State              `json:"state"`
	FailedAt       time.Time          `json:"failed_at"`
	RecoverAt      *time.Time         `json:"recover_at,omitempty"`
	ReplayedAt     *time.Time         `json:"replayed_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Item rebuilds the work item the entry was recorded from.
func (e *Entry) Item() *workitem.WorkItem {
	return &workitem.WorkItem{
		ID:             e.ItemID,
		TenantID:       e.TenantID,
		CorrelationKey: e.CorrelationKey,
		Operation:      e.Operation,
		Priority:       e.Priority,
		Payload:        append(json.RawMessage(nil), e.Payload...),
		AttemptCount:   e.AttemptCount,
		Metadata:       maps.Clone(e.Metadata),
		Lane:           e.OriginLane,
		CreatedAt:      e.CreatedAt,
	}
}
