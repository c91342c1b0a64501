package document

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/xraph/fiscal"
)

// Status is the lifecycle state of a document.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusAuthorized     Status = "AUTHORIZED"
	StatusRejected       Status = "REJECTED"
	StatusCancelled      Status = "CANCELLED"
	StatusVoided         Status = "VOIDED"
	StatusError          Status = "ERROR"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusError},
	StatusProcessing:     {StatusAuthorized, StatusRejected, StatusError},
	StatusError:          {StatusError, StatusRetryScheduled, StatusProcessing, StatusAuthorized, StatusRejected},
	StatusRetryScheduled: {StatusProcessing, StatusError},
	StatusAuthorized:     {StatusCancelled},
}

// CanTransition reports whether from → to is an allowed edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transient reports whether s is an in-progress state.
func (s Status) Transient() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusError, StatusRetryScheduled:
		return true
	}
	return false
}

// EventType names an event registered against an authorized document.
type EventType string

const (
	EventCancellation     EventType = "CANCELLATION"
	EventCorrectionLetter EventType = "CORRECTION_LETTER"
	EventManifest         EventType = "RECIPIENT_MANIFEST"
)

// Event is an authority-acknowledged event on a document.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one issued or attempted fiscal document.
type Record struct {
	fiscal.Entity

	TenantID       string          `json:"tenant_id"`
	AccessKey      string          `json:"access_key"`
	Number         int             `json:"number"`
	Series         int             `json:"series"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at,omitzero"`
	Errors         []string        `json:"errors,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	SignedPayload  []byte          `json:"signed_payload,omitempty"`
	CancelProtocol string          `json:"cancel_protocol,omitempty"`
	Events         []Event         `json:"events,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Note           string          `json:"note,omitempty"`
	Version        int64           `json:"version"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Errors = slices.Clone(r.Errors)
	cp.SignedPayload = slices.Clone(r.SignedPayload)
	cp.Events = slices.Clone(r.Events)
	cp.Payload = slices.Clone(r.Payload)
	return &cp
}

// NextEventSequence returns the sequence number for the next event of t.
func (r *Record) NextEventSequence(t EventType) int {
	n := 1
	for _, e := range r.Events {
		if e.Type == t && e.Sequence >= n {
			n = e.Sequence + 1
		}
	}
	return n
}

// VoidStatus is the state of a number-range void request.
type VoidStatus string

const (
	VoidPending VoidStatus = "PENDING"
	VoidVoided  VoidStatus = "VOIDED"
	VoidError   VoidStatus = "ERROR"
)

// VoidRange records a request to void an unused range of document numbers.
type VoidRange struct {
	fiscal.Entity

	TenantID      string     `json:"tenant_id"`
	TaxpayerID    string     `json:"taxpayer_id"`
	Series        int        `json:"series"`
	First         int        `json:"first"`
	Last          int        `json:"last"`
	Justification string     `json:"justification"`
	Status        VoidStatus `json:"status"`
	Protocol      string     `json:"protocol,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Key identifies the range within its tenant.
func (v *VoidRange) Key() string {
	return VoidRangeKey(v.TenantID, v.Series, v.First, v.Last)
}
