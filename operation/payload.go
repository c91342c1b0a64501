package operation

import (
	"encoding/json"
	"time"

	"github.com/xraph/fiscal/document"
)

// IssuePayload requests the issuance of a new document. The identifying
// fields are the inputs of the access key.
type IssuePayload struct {
	AuthorityCode int             `json:"authority_code"`
	IssueDate     time.Time       `json:"issue_date"`
	TaxpayerID    string          `json:"taxpayer_id"`
	Series        int             `json:"series"`
	Number        int             `json:"number"`
	Document      json.RawMessage `json:"document"`
}

// CancelPayload requests cancellation of an authorized document.
type CancelPayload struct {
	Reason string `json:"reason"`
}

// CorrectionPayload registers a correction letter.
type CorrectionPayload struct {
	Text string `json:"text"`
}

// ManifestPayload registers a recipient manifest.
type ManifestPayload struct {
	Type          string `json:"type"`
	Justification string `json:"justification,omitempty"`
}

// VoidRangePayload requests voiding a range of unused numbers.
type VoidRangePayload struct {
	Series        int    `json:"series"`
	First         int    `json:"first"`
	Last          int    `json:"last"`
	Justification string `json:"justification"`
}

// QueryPayload carries optional parameters of a read-only query.
type QueryPayload struct {
	Params json.RawMessage `json:"params,omitempty"`
}

// Envelope is the document handed to the transmitter for signing.
type Envelope struct {
	Operation  string             `json:"operation"`
	TenantID   string             `json:"tenant_id"`
	AccessKey  string             `json:"access_key,omitempty"`
	TaxpayerID string             `json:"taxpayer_id,omitempty"`
	Protocol   string             `json:"protocol,omitempty"`
	Event      document.EventType `json:"event,omitempty"`
	Sequence   int                `json:"sequence,omitempty"`
	Body       json.RawMessage    `json:"body,omitempty"`
}
