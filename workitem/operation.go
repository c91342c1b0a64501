package workitem

import (
	"fmt"
	"strings"
)

// Operation is the kind of work an item requests.
type Operation string

const (
	OpIssue             Operation = "ISSUE"
	OpQueryStatus       Operation = "QUERY_STATUS"
	OpQueryXML          Operation = "QUERY_XML"
	OpQueryRegistration Operation = "QUERY_REGISTRATION"
	OpQueryDistribution Operation = "QUERY_DISTRIBUTION"
	OpCancel            Operation = "CANCEL"
	OpCorrectionLetter  Operation = "CORRECTION_LETTER"
	OpRecipientManifest Operation = "RECIPIENT_MANIFEST"
	OpVoidRange         Operation = "VOID_RANGE"
)

// Class groups operations that share a lane family.
type Class string

const (
	ClassIssue Class = "ISSUE"
	ClassQuery Class = "QUERY"
	ClassEvent Class = "EVENT"
	ClassVoid  Class = "VOID"
)

var operationClass = map[Operation]Class{
	OpIssue:             ClassIssue,
	OpQueryStatus:       ClassQuery,
	OpQueryXML:          ClassQuery,
	OpQueryRegistration: ClassQuery,
	OpQueryDistribution: ClassQuery,
	OpCancel:            ClassEvent,
	OpCorrectionLetter:  ClassEvent,
	OpRecipientManifest: ClassEvent,
	OpVoidRange:         ClassVoid,
}

// Operations lists every known operation.
func Operations() []Operation {
	return []Operation{
		OpIssue, OpQueryStatus, OpQueryXML, OpQueryRegistration, OpQueryDistribution,
		OpCancel, OpCorrectionLetter, OpRecipientManifest, OpVoidRange,
	}
}

// Class returns the operation's lane family. Unknown operations return "".
func (o Operation) Class() Class { return operationClass[o] }

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	_, ok := operationClass[o]
	return ok
}

// KeyedByAccessKey reports whether the correlation key is a document
// access key rather than a taxpayer ID.
func (o Operation) KeyedByAccessKey() bool {
	switch o {
	case OpQueryRegistration, OpQueryDistribution, OpVoidRange:
		return false
	}
	return o.Valid()
}

// ParseOperation parses a case-insensitive operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("workitem: unknown operation %q", s)
	}
	return op, nil
}

// Priority orders work within the issue lanes.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ParsePriority parses a case-insensitive priority. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", fmt.Errorf("workitem: unknown priority %q", s)
	}
	return p, nil
}
