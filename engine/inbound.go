package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/ident"
	"github.com/xraph/fiscal/operation"
	"github.com/xraph/fiscal/workitem"
)

// ──────────────────────────────────────────────────
// Inbound operations
// ──────────────────────────────────────────────────

// SubmitIssue generates the access key of a new document, records it
// PENDING and publishes an ISSUE item at priority. A nil error means the
// document was accepted for asynchronous processing; poll Document for
// its status.
func (e *Engine) SubmitIssue(ctx context.Context, tenantID string, p operation.IssuePayload, priority workitem.Priority) (string, error) {
	if priority == "" {
		priority = workitem.PriorityNormal
	}
	if _, err := e.table.Resolve(workitem.OpIssue, priority); err != nil {
		return "", err
	}
	if len(p.Document) == 0 {
		return "", fmt.Errorf("%w: empty document", fiscal.ErrInvalidPayload)
	}

	key, err := e.keys.Generate(p.AuthorityCode, p.IssueDate, p.TaxpayerID, p.Series, p.Number, e.cfg.Environment)
	if err != nil {
		return "", err
	}
	p.TaxpayerID = ident.NormalizeTaxpayerID(p.TaxpayerID)

	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", fiscal.ErrInvalidPayload, err)
	}

	rec := &document.Record{
		TenantID:  tenantID,
		AccessKey: key,
		Number:    p.Number,
		Series:    p.Series,
		Payload:   p.Document,
	}
	if err := e.machine.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create document %s: %w", key, err)
	}

	if _, err := e.dispatcher.Publish(ctx, workitem.OpIssue, priority, tenantID, key, payload); err != nil {
		if _, terr := e.machine.Transition(ctx, key, document.StatusError, "publish: "+err.Error()); terr != nil {
			e.logger.Error("failed to flag unpublished document",
				slog.String("access_key", key),
				slog.String("error", terr.Error()),
			)
		}
		return "", err
	}
	return key, nil
}

// RequestCancellation publishes a CANCEL for an issued document.
func (e *Engine) RequestCancellation(ctx context.Context, accessKey, reason string) (*workitem.WorkItem, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", fiscal.ErrInvalidPayload)
	}
	return e.publishForDocument(ctx, workitem.OpCancel, accessKey, operation.CancelPayload{Reason: reason})
}

// RequestCorrectionLetter publishes a CORRECTION_LETTER for an issued
// document.
func (e *Engine) RequestCorrectionLetter(ctx context.Context, accessKey, text string) (*workitem.WorkItem, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: correction text is required", fiscal.ErrInvalidPayload)
	}
	return e.publishForDocument(ctx, workitem.OpCorrectionLetter, accessKey, operation.CorrectionPayload{Text: text})
}

// RequestManifest publishes a RECIPIENT_MANIFEST for a document.
func (e *Engine) RequestManifest(ctx context.Context, accessKey, manifestType, justification string) (*workitem.WorkItem, error) {
	if strings.TrimSpace(manifestType) == "" {
		return nil, fmt.Errorf("%w: manifest type is required", fiscal.ErrInvalidPayload)
	}
	return e.publishForDocument(ctx, workitem.OpRecipientManifest, accessKey, operation.ManifestPayload{
		Type:          manifestType,
		Justification: justification,
	})
}

// QueryStatus publishes a QUERY_STATUS for a document. The reply
// reconciles the document and goes to the result sink.
func (e *Engine) QueryStatus(ctx context.Context, accessKey string) (*workitem.WorkItem, error) {
	return e.publishForDocument(ctx, workitem.OpQueryStatus, accessKey, nil)
}

// Query publishes one of the read-only queries. The correlation key is an
// access key for QUERY_XML and a taxpayer ID otherwise.
func (e *Engine) Query(ctx context.Context, op workitem.Operation, tenantID, correlationKey string, params json.RawMessage) (*workitem.WorkItem, error) {
	if op.Class() != workitem.ClassQuery {
		return nil, fmt.Errorf("%w: %s is not a query", fiscal.ErrInvalidPayload, op)
	}
	payload, err := json.Marshal(operation.QueryPayload{Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fiscal.ErrInvalidPayload, err)
	}
	return e.dispatcher.Publish(ctx, op, workitem.PriorityNormal, tenantID, correlationKey, payload)
}

// RequestVoidRange records a PENDING void of the unused numbers
// first..last of series and publishes a VOID_RANGE keyed by the issuer's
// taxpayer ID.
func (e *Engine) RequestVoidRange(ctx context.Context, tenantID, taxpayerID string, series, first, last int, justification string) (*workitem.WorkItem, error) {
	switch {
	case series < 0 || series > 999, first < 1, last < first, last > 999_999_999:
		return nil, fmt.Errorf("%w: series %d numbers %d-%d", fiscal.ErrInvalidNumberRange, series, first, last)
	case strings.TrimSpace(justification) == "":
		return nil, fmt.Errorf("%w: justification is required", fiscal.ErrInvalidPayload)
	}
	taxpayerID = ident.NormalizeTaxpayerID(taxpayerID)
	if !ident.ValidateTaxpayerID(taxpayerID) {
		return nil, fmt.Errorf("%w: %q", fiscal.ErrInvalidTaxpayerID, taxpayerID)
	}

	vkey := document.VoidRangeKey(tenantID, series, first, last)
	v, err := e.store.GetVoidRange(ctx, vkey)
	switch {
	case errors.Is(err, fiscal.ErrVoidRangeNotFound):
		v = &document.VoidRange{
			Entity:        fiscal.NewEntity(e.clock.Now()),
			TenantID:      tenantID,
			TaxpayerID:    taxpayerID,
			Series:        series,
			First:         first,
			Last:          last,
			Justification: justification,
			Status:        document.VoidPending,
		}
		if err := e.store.SaveVoidRange(ctx, v); err != nil {
			return nil, fmt.Errorf("save void range %s: %w", vkey, err)
		}
	case err != nil:
		return nil, err
	case v.Status == document.VoidVoided:
		return nil, fmt.Errorf("%w: range %s already voided", fiscal.ErrInvalidTransition, vkey)
	}

	payload, err := json.Marshal(operation.VoidRangePayload{
		Series:        series,
		First:         first,
		Last:          last,
		Justification: justification,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fiscal.ErrInvalidPayload, err)
	}
	return e.dispatcher.Publish(ctx, workitem.OpVoidRange, workitem.PriorityNormal, tenantID, taxpayerID, payload)
}

// Document returns the current snapshot of a document.
func (e *Engine) Document(ctx context.Context, accessKey string) (*document.Record, error) {
	if !ident.ValidateAccessKey(accessKey) {
		return nil, fmt.Errorf("%w: %q", fiscal.ErrInvalidAccessKey, accessKey)
	}
	return e.machine.Get(ctx, accessKey)
}

// VoidRange returns a void range request.
func (e *Engine) VoidRange(ctx context.Context, tenantID string, series, first, last int) (*document.VoidRange, error) {
	return e.store.GetVoidRange(ctx, document.VoidRangeKey(tenantID, series, first, last))
}

// publishForDocument validates the key, loads the document for its
// tenant and publishes op with payload.
func (e *Engine) publishForDocument(ctx context.Context, op workitem.Operation, accessKey string, payload any) (*workitem.WorkItem, error) {
	rec, err := e.Document(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if payload != nil {
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("%w: %w", fiscal.ErrInvalidPayload, err)
		}
	}
	return e.dispatcher.Publish(ctx, op, workitem.PriorityNormal, rec.TenantID, accessKey, raw)
}
