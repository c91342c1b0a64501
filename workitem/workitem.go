package workitem

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/xraph/fiscal/id"
)

// Metadata keys stamped on items.
const (
	MetaTraceID      = "trace_id"
	MetaSpanID       = "span_id"
	MetaReason       = "reason"
	MetaClass        = "class"
	MetaLastError    = "last_error"
	MetaRecoveries   = "recoveries"
	MetaOriginLane   = "origin_lane"
	MetaReplayedFrom = "replayed_from"
)

// WorkItem is one unit of work traveling through a lane.
type WorkItem struct {
	ID             id.WorkItemID     `json:"id"`
	TenantID       string            `json:"tenant_id"`
	CorrelationKey string            `json:"correlation_key"`
	Operation      Operation         `json:"operation"`
	Priority       Priority          `json:"priority"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	NextAttemptAt  time.Time         `json:"next_attempt_at,omitzero"`
	TTLSeconds     int               `json:"ttl_seconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Lane           string            `json:"lane,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	cp := *w
	if w.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), w.Payload...)
	}
	cp.Metadata = maps.Clone(w.Metadata)
	return &cp
}

// Meta returns the metadata value for key.
func (w *WorkItem) Meta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}

// SetMeta sets a metadata value, allocating the map on first use.
func (w *WorkItem) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = make(map[string]string)
	}
	w.Metadata[key] = value
}

// Due reports whether the item may be processed at now.
func (w *WorkItem) Due(now time.Time) bool {
	return w.NextAttemptAt.IsZero() || !now.Before(w.NextAttemptAt)
}

// TTL returns the item's time-to-live. Zero means no expiry.
func (w *WorkItem) TTL() time.Duration {
	return time.Duration(w.TTLSeconds) * time.Second
}
