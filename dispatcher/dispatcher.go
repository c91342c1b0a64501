// Package dispatcher routes work items onto lanes.
//
// Publish validates the correlation key, resolves the lane serving the
// item's (operation class, priority) pair from the lane table, stamps the
// item identity and trace metadata, and hands the item to the broker with
// the lane's TTL and broker priority. Publishing is fire-and-forget: a nil
// error means the item was accepted for asynchronous processing, not that
// it completed.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/ident"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/scope"
	"github.com/xraph/fiscal/workitem"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithExtensions sets the registry notified of published items.
func WithExtensions(r *ext.Registry) Option {
	return func(d *Dispatcher) { d.extensions = r }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher publishes work items onto lanes.
type Dispatcher struct {
	table      *lane.Table
	broker     broker.Broker
	extensions *ext.Registry
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a Dispatcher over the given lane table and broker.
func New(table *lane.Table, b broker.Broker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:  table,
		broker: b,
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.extensions == nil {
		d.extensions = ext.NewRegistry(d.logger)
	}
	return d
}

// Table returns the lane table.
func (d *Dispatcher) Table() *lane.Table { return d.table }

// Publish builds a work item for op and publishes it to the lane serving
// (op, priority). An empty priority means NORMAL. An empty tenantID is
// taken from the context scope.
func (d *Dispatcher) Publish(
	ctx context.Context,
	op workitem.Operation,
	priority workitem.Priority,
	tenantID, correlationKey string,
	payload json.RawMessage,
) (*workitem.WorkItem, error) {
	if priority == "" {
		priority = workitem.PriorityNormal
	}
	if tenantID == "" {
		tenantID = scope.Capture(ctx)
	}
	key, err := validateKey(op, correlationKey)
	if err != nil {
		return nil, err
	}

	cfg, err := d.table.Resolve(op, priority)
	if err != nil {
		return nil, err
	}

	item := &workitem.WorkItem{
		ID:             id.NewWorkItemID(),
		TenantID:       tenantID,
		CorrelationKey: key,
		Operation:      op,
		Priority:       priority,
		Payload:        payload,
		CreatedAt:      d.clock.Now(),
	}
	stampTrace(ctx, item)

	if err := d.send(ctx, cfg, item, time.Time{}); err != nil {
		return nil, err
	}
	return item, nil
}

// Republish sends an existing item back to the lane its operation and
// priority route to, visible at its NextAttemptAt. Used by dead-letter
// replay.
func (d *Dispatcher) Republish(ctx context.Context, item *workitem.WorkItem) error {
	cfg, err := d.table.Resolve(item.Operation, item.Priority)
	if err != nil {
		return err
	}
	if item.Meta(workitem.MetaTraceID) == "" {
		stampTrace(ctx, item)
	}
	return d.send(ctx, cfg, item, item.NextAttemptAt)
}

// Forward publishes item to the named lane, hidden until visibleAt. The
// retry controller uses it to reach the retry and dead-letter lanes.
func (d *Dispatcher) Forward(ctx context.Context, laneName string, item *workitem.WorkItem, visibleAt time.Time) error {
	cfg, ok := d.table.Lane(laneName)
	if !ok {
		return fmt.Errorf("%w: %s", fiscal.ErrLaneNotFound, laneName)
	}
	return d.send(ctx, cfg, item, visibleAt)
}

func (d *Dispatcher) send(ctx context.Context, cfg lane.Config, item *workitem.WorkItem, visibleAt time.Time) error {
	item.Lane = cfg.Name
	item.TTLSeconds = int(cfg.TTL / time.Second)

	err := d.broker.Publish(ctx, cfg.Name, item, broker.PublishOptions{
		Priority:  cfg.BrokerPriority,
		VisibleAt: visibleAt,
		TTL:       cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("dispatcher: publish %s to %s: %w", item.ID, cfg.Name, err)
	}

	d.logger.Debug("item published",
		slog.String("item_id", item.ID.String()),
		slog.String("lane", cfg.Name),
		slog.String("operation", string(item.Operation)),
		slog.String("tenant_id", item.TenantID),
		slog.Int("attempt", item.AttemptCount),
	)
	d.extensions.EmitItemPublished(ctx, item)
	return nil
}

// validateKey checks and normalizes the correlation key for op.
func validateKey(op workitem.Operation, key string) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", fiscal.ErrInvalidPayload, op)
	}
	if op.KeyedByAccessKey() {
		if !ident.ValidateAccessKey(key) {
			return "", fmt.Errorf("%w: %q", fiscal.ErrInvalidAccessKey, key)
		}
		return key, nil
	}
	norm := ident.NormalizeTaxpayerID(key)
	if !ident.ValidateTaxpayerID(norm) {
		return "", fmt.Errorf("%w: %q", fiscal.ErrInvalidTaxpayerID, key)
	}
	return norm, nil
}

// stampTrace copies the active span identity onto the item, or assigns a
// fresh correlation trace when the caller has no span.
func stampTrace(ctx context.Context, item *workitem.WorkItem) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		item.SetMeta(workitem.MetaTraceID, sc.TraceID().String())
		item.SetMeta(workitem.MetaSpanID, sc.SpanID().String())
		return
	}
	item.SetMeta(workitem.MetaTraceID, uuid.NewString())
}
