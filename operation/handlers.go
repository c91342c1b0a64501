package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/backoff"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

// Option configures Handlers.
type Option func(*Handlers)

// WithResultSink sets where query results are delivered.
func WithResultSink(s ResultSink) Option {
	return func(h *Handlers) { h.results = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) { h.logger = l }
}

// WithCommitBackoff sets the wait between attempts to record an outcome
// the authority already accepted.
func WithCommitBackoff(s backoff.Strategy) Option {
	return func(h *Handlers) { h.commitBackoff = s }
}

// Handlers holds the per-operation handlers.
type Handlers struct {
	tx            Transmitter
	machine       *document.Machine
	results       ResultSink
	commitBackoff backoff.Strategy
	logger        *slog.Logger
}

// New creates the operation handlers.
func New(tx Transmitter, machine *document.Machine, opts ...Option) *Handlers {
	h := &Handlers{
		tx:            tx,
		machine:       machine,
		commitBackoff: backoff.NewExponentialWithJitter(10*time.Millisecond, time.Second),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register installs a handler for every operation in r.
func (h *Handlers) Register(r *workitem.Registry) {
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpIssue, h.Issue))
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpCancel, h.Cancel))
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpCorrectionLetter, h.CorrectionLetter))
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpRecipientManifest, h.Manifest))
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpVoidRange, h.VoidRange))
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpQueryStatus, h.QueryStatus))
	for _, op := range []workitem.Operation{
		workitem.OpQueryXML, workitem.OpQueryRegistration, workitem.OpQueryDistribution,
	} {
		workitem.RegisterDefinition(r, workitem.NewDefinition(op, h.Fetch))
	}
}

// ──────────────────────────────────────────────────
// Issue
// ──────────────────────────────────────────────────

// Issue signs and transmits a document, then records the authorization.
// An authority rejection finalizes the document as REJECTED. A document
// that already left PENDING may have reached the authority on an earlier
// run, so its remote status is checked before anything is sent again.
func (h *Handlers) Issue(ctx context.Context, item *workitem.WorkItem, p IssuePayload) error {
	key := item.CorrelationKey
	rec, err := h.machine.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() || rec.Status == document.StatusAuthorized {
		h.logger.Info("document already final, skipping issue",
			slog.String("access_key", key),
			slog.String("status", string(rec.Status)),
		)
		return nil
	}

	if rec.Status != document.StatusPending {
		st, err := h.tx.QueryStatus(ctx, key)
		if err != nil {
			return fmt.Errorf("query status %s: %w", key, err)
		}
		settled, err := h.reconcile(ctx, key, st)
		if err != nil || settled {
			return err
		}
	}

	if rec.Status != document.StatusProcessing {
		if _, err := h.machine.Transition(ctx, key, document.StatusProcessing, ""); err != nil {
			return err
		}
	}

	body := p.Document
	if len(body) == 0 {
		body = rec.Payload
	}
	signed, err := h.sign(ctx, Envelope{
		Operation: string(item.Operation),
		TenantID:  item.TenantID,
		AccessKey: key,
		Body:      body,
	})
	if err != nil {
		return err
	}

	protocol, err := h.tx.Transmit(ctx, signed)
	if err != nil {
		if failure.IsRejected(err) {
			h.reject(ctx, key, err)
		}
		return fmt.Errorf("transmit %s: %w", key, err)
	}

	return h.commit(ctx, key, func() error {
		_, err := h.machine.Authorize(ctx, key, protocol, signed)
		return err
	})
}

// commit records the outcome of a transmission the authority accepted.
// Stale-state conflicts are retried here until ctx ends, so a conflict
// never re-runs the handler and sends the document twice.
func (h *Handlers) commit(ctx context.Context, key string, write func() error) error {
	for try := 1; ; try++ {
		err := write()
		if !failure.IsConflict(err) {
			return err
		}
		h.logger.Debug("conflict recording accepted transmission, retrying",
			slog.String("access_key", key),
			slog.Int("try", try),
		)

		t := time.NewTimer(h.commitBackoff.Delay(try))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return failure.Transient(fmt.Errorf("record %s after transmit: %w", key, ctx.Err()), "commit")
		}
	}
}

func (h *Handlers) reject(ctx context.Context, key string, cause error) {
	if _, err := h.machine.Reject(ctx, key, cause.Error()); err != nil {
		h.logger.Error("failed to record rejection",
			slog.String("access_key", key),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

// Cancel cancels an authorized document.
func (h *Handlers) Cancel(ctx context.Context, item *workitem.WorkItem, p CancelPayload) error {
	key := item.CorrelationKey
	rec, err := h.machine.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status == document.StatusCancelled {
		return nil
	}
	if rec.Status != document.StatusAuthorized {
		return fmt.Errorf("%w: cannot cancel %s document %s", fiscal.ErrInvalidTransition, rec.Status, key)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return failure.Permanent(err, "encode")
	}
	protocol, err := h.transmit(ctx, Envelope{
		Operation: string(item.Operation),
		TenantID:  item.TenantID,
		AccessKey: key,
		Protocol:  rec.Protocol,
		Event:     document.EventCancellation,
		Sequence:  rec.NextEventSequence(document.EventCancellation),
		Body:      body,
	})
	if err != nil {
		return err
	}

	return h.commit(ctx, key, func() error {
		_, err := h.machine.Cancel(ctx, key, protocol, p.Reason)
		return err
	})
}

// CorrectionLetter registers a correction letter on an authorized document.
func (h *Handlers) CorrectionLetter(ctx context.Context, item *workitem.WorkItem, p CorrectionPayload) error {
	return h.event(ctx, item, document.EventCorrectionLetter, p.Text, p)
}

// Manifest registers a recipient manifest on an authorized document.
func (h *Handlers) Manifest(ctx context.Context, item *workitem.WorkItem, p ManifestPayload) error {
	text := p.Type
	if p.Justification != "" {
		text += ": " + p.Justification
	}
	return h.event(ctx, item, document.EventManifest, text, p)
}

func (h *Handlers) event(ctx context.Context, item *workitem.WorkItem, typ document.EventType, text string, payload any) error {
	key := item.CorrelationKey
	rec, err := h.machine.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != document.StatusAuthorized {
		return fmt.Errorf("%w: %s event on %s document %s", fiscal.ErrInvalidTransition, typ, rec.Status, key)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return failure.Permanent(err, "encode")
	}
	seq := rec.NextEventSequence(typ)
	protocol, err := h.transmit(ctx, Envelope{
		Operation: string(item.Operation),
		TenantID:  item.TenantID,
		AccessKey: key,
		Protocol:  rec.Protocol,
		Event:     typ,
		Sequence:  seq,
		Body:      body,
	})
	if err != nil {
		return err
	}

	return h.commit(ctx, key, func() error {
		_, err := h.machine.AppendEvent(ctx, key, document.Event{
			Type:     typ,
			Sequence: seq,
			Text:     text,
			Protocol: protocol,
		})
		return err
	})
}

// ──────────────────────────────────────────────────
// Void range
// ──────────────────────────────────────────────────

// VoidRange voids a range of unused document numbers. The correlation
// key is the issuer's taxpayer ID.
func (h *Handlers) VoidRange(ctx context.Context, item *workitem.WorkItem, p VoidRangePayload) error {
	store := h.machine.Store()
	vkey := document.VoidRangeKey(item.TenantID, p.Series, p.First, p.Last)

	v, err := store.GetVoidRange(ctx, vkey)
	switch {
	case errors.Is(err, fiscal.ErrVoidRangeNotFound):
		v = &document.VoidRange{
			TenantID:      item.TenantID,
			TaxpayerID:    item.CorrelationKey,
			Series:        p.Series,
			First:         p.First,
			Last:          p.Last,
			Justification: p.Justification,
			Status:        document.VoidPending,
		}
		v.Entity = fiscal.NewEntity(item.CreatedAt)
	case err != nil:
		return err
	case v.Status == document.VoidVoided:
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return failure.Permanent(err, "encode")
	}
	protocol, txErr := h.transmit(ctx, Envelope{
		Operation:  string(item.Operation),
		TenantID:   item.TenantID,
		TaxpayerID: item.CorrelationKey,
		Body:       body,
	})
	if txErr != nil {
		v.Status = document.VoidError
		v.LastError = txErr.Error()
	} else {
		v.Status = document.VoidVoided
		v.Protocol = protocol
		v.LastError = ""
	}

	if err := store.SaveVoidRange(ctx, v); err != nil {
		return errors.Join(txErr, fmt.Errorf("save void range %s: %w", vkey, err))
	}
	return txErr
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// QueryStatus asks the authority for a document's state and reconciles
// the local record with a final answer.
func (h *Handlers) QueryStatus(ctx context.Context, item *workitem.WorkItem, _ QueryPayload) error {
	key := item.CorrelationKey
	st, err := h.tx.QueryStatus(ctx, key)
	if err != nil {
		return fmt.Errorf("query status %s: %w", key, err)
	}

	if _, err := h.reconcile(ctx, key, st); err != nil {
		return err
	}

	result, err := json.Marshal(st)
	if err != nil {
		return failure.Permanent(err, "encode")
	}
	return h.deliver(ctx, item, result)
}

// reconcile applies a final authority answer to a transient record and
// reports whether the record was settled.
func (h *Handlers) reconcile(ctx context.Context, key string, st RemoteStatus) (bool, error) {
	if st.State != RemoteAuthorized && st.State != RemoteRejected {
		return false, nil
	}

	rec, err := h.machine.Get(ctx, key)
	if errors.Is(err, fiscal.ErrDocumentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.Status.Transient() || rec.Status == document.StatusPending {
		return false, nil
	}

	if rec.Status == document.StatusRetryScheduled {
		if _, err := h.machine.Transition(ctx, key, document.StatusProcessing, "reconcile"); err != nil {
			return false, err
		}
	}

	if st.State == RemoteAuthorized {
		_, err = h.machine.Authorize(ctx, key, st.Protocol, rec.SignedPayload)
	} else {
		_, err = h.machine.Reject(ctx, key, st.Message)
	}
	if err != nil {
		return false, err
	}
	h.logger.Info("document reconciled from authority status",
		slog.String("access_key", key),
		slog.String("from", string(rec.Status)),
		slog.String("remote_state", string(st.State)),
	)
	return true, nil
}

// Fetch serves the read-only queries through a transmitter that
// implements Fetcher.
func (h *Handlers) Fetch(ctx context.Context, item *workitem.WorkItem, p QueryPayload) error {
	f, ok := h.tx.(Fetcher)
	if !ok {
		return failure.Permanent(fmt.Errorf("transmitter does not support %s", item.Operation), "fetch")
	}
	result, err := f.Fetch(ctx, item.Operation, item.CorrelationKey, p.Params)
	if err != nil {
		return fmt.Errorf("%s %s: %w", item.Operation, item.CorrelationKey, err)
	}
	return h.deliver(ctx, item, result)
}

func (h *Handlers) deliver(ctx context.Context, item *workitem.WorkItem, result json.RawMessage) error {
	if h.results == nil {
		h.logger.Debug("query result discarded, no sink",
			slog.String("item_id", item.ID.String()),
			slog.String("operation", string(item.Operation)),
		)
		return nil
	}
	return h.results.Deliver(ctx, item, result)
}

// ──────────────────────────────────────────────────
// Transmitter helpers
// ──────────────────────────────────────────────────

func (h *Handlers) sign(ctx context.Context, env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, failure.Permanent(err, "encode")
	}
	signed, err := h.tx.Sign(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", env.Operation, err)
	}
	return signed, nil
}

func (h *Handlers) transmit(ctx context.Context, env Envelope) (string, error) {
	signed, err := h.sign(ctx, env)
	if err != nil {
		return "", err
	}
	protocol, err := h.tx.Transmit(ctx, signed)
	if err != nil {
		return "", fmt.Errorf("transmit %s: %w", env.Operation, err)
	}
	return protocol, nil
}
