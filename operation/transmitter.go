package operation

import (
	"context"
	"encoding/json"

	"github.com/xraph/fiscal/workitem"
)

// Transmitter is the boundary to the fiscal authority.
//
// Errors are classified with failure.Of: typed failure errors win, then
// message keywords. An authority rejection of the document content must
// be returned as failure.Rejected so it is recorded and never retried.
type Transmitter interface {
	// Sign signs the document envelope.
	Sign(ctx context.Context, document []byte) ([]byte, error)

	// Transmit submits a signed document and returns the authority
	// protocol number.
	Transmit(ctx context.Context, signed []byte) (string, error)

	// QueryStatus asks the authority for the state of a document.
	QueryStatus(ctx context.Context, accessKey string) (RemoteStatus, error)
}

// Fetcher is implemented by transmitters that serve the read-only
// queries (document XML, taxpayer registration, distribution).
type Fetcher interface {
	Fetch(ctx context.Context, op workitem.Operation, key string, params json.RawMessage) (json.RawMessage, error)
}

// ResultSink receives query results. Query items are fire-and-forget, so
// a sink is the only way a caller observes what the authority returned.
type ResultSink interface {
	Deliver(ctx context.Context, item *workitem.WorkItem, result json.RawMessage) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, item *workitem.WorkItem, result json.RawMessage) error

// Deliver calls f.
func (f ResultSinkFunc) Deliver(ctx context.Context, item *workitem.WorkItem, result json.RawMessage) error {
	return f(ctx, item, result)
}

// RemoteState is the document state reported by the authority.
type RemoteState string

const (
	RemoteAuthorized RemoteState = "AUTHORIZED"
	RemoteRejected   RemoteState = "REJECTED"
	RemoteCancelled  RemoteState = "CANCELLED"
	RemoteProcessing RemoteState = "PROCESSING"
	RemoteNotFound   RemoteState = "NOT_FOUND"
)

// RemoteStatus is the answer to a status query.
type RemoteStatus struct {
	State    RemoteState `json:"state"`
	Protocol string      `json:"protocol,omitempty"`
	Message  string      `json:"message,omitempty"`
}
