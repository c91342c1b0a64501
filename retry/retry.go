// Package retry implements the two-tier escalation policy applied when a
// lane consumer fails to process a work item.
//
// Every failure increments the item's attempt count, which is shared by
// both tiers and never decreases except through dead-letter recovery.
// With prior failures counted before the current one:
//
//   - prior < MaxInLaneAttempts: tier 1, delay min(Initial·Multiplier^prior, MaxDelay)
//   - prior < MaxTotalAttempts: tier 2, delay RetryLaneBase·2^(prior−MaxInLaneAttempts)
//   - otherwise, or on a permanent failure: forward to the dead-letter lane
//
// Retries of both tiers are published to the retry lane, hidden until the
// computed next attempt time.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/backoff"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
)

// The controller re-injects items recovered by the dead-letter analyzer.
var _ deadletter.Reinjector = (*Controller)(nil)

// Action is what the controller did with a failed item.
type Action string

const (
	// ActionRetry means the item was re-published to the retry lane.
	ActionRetry Action = "retry"
	// ActionDeadLetter means the item was forwarded to the dead-letter lane.
	ActionDeadLetter Action = "dead_letter"
)

// Decision describes the handling of one failure.
type Decision struct {
	Action        Action
	Tier          int
	Attempt       int
	Delay         time.Duration
	NextAttemptAt time.Time
	Reason        string
	Class         failure.Class
}

// Forwarder publishes an item to a named lane.
type Forwarder interface {
	Forward(ctx context.Context, laneName string, item *workitem.WorkItem, visibleAt time.Time) error
}

// Documents records attempts on the document behind an ISSUE item.
type Documents interface {
	RecordAttemptFailure(ctx context.Context, accessKey, note string) (*document.Record, error)
	ScheduleRetry(ctx context.Context, accessKey string, at time.Time) (*document.Record, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithDocuments makes ISSUE failures update the document lifecycle.
func WithDocuments(d Documents) Option {
	return func(c *Controller) { c.docs = d }
}

// WithExtensions sets the registry notified of retries and dead letters.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Controller) { c.extensions = r }
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller decides and applies retry or dead-letter routing.
type Controller struct {
	cfg        fiscal.RetryConfig
	strategy   *backoff.Tiered
	fwd        Forwarder
	docs       Documents
	extensions *ext.Registry
	clock      clock.Clock
	logger     *slog.Logger
}

// NewController creates a controller that publishes through fwd.
func NewController(cfg fiscal.RetryConfig, fwd Forwarder, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		strategy: Strategy(cfg),
		fwd:      fwd,
		clock:    clock.System{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.extensions == nil {
		c.extensions = ext.NewRegistry(c.logger)
	}
	return c
}

// Strategy builds the two-tier backoff described by cfg.
func Strategy(cfg fiscal.RetryConfig) *backoff.Tiered {
	return &backoff.Tiered{
		First:  backoff.NewExponential(cfg.InitialDelay, cfg.Multiplier, cfg.MaxDelay),
		Second: backoff.NewExponential(cfg.RetryLaneBase, 2, cfg.RetryLaneMax),
		Switch: cfg.MaxInLaneAttempts,
	}
}

// Decide computes the handling of err for item without side effects.
func (c *Controller) Decide(item *workitem.WorkItem, err error) Decision {
	prior := item.AttemptCount
	class := failure.Of(err)
	d := Decision{
		Attempt: prior + 1,
		Reason:  err.Error(),
		Class:   class,
	}

	if class == failure.ClassPermanent || prior >= c.cfg.MaxTotalAttempts {
		d.Action = ActionDeadLetter
		return d
	}

	d.Action = ActionRetry
	d.Tier = c.strategy.Tier(prior + 1)
	d.Delay = c.strategy.Delay(prior + 1)
	d.NextAttemptAt = c.clock.Now().Add(d.Delay)
	return d
}

// OnFailure records the failure, then re-publishes item to the retry lane
// or forwards it to the dead-letter lane. The input item is not modified.
func (c *Controller) OnFailure(ctx context.Context, item *workitem.WorkItem, err error) (Decision, error) {
	d := c.Decide(item, err)

	next := item.Clone()
	next.AttemptCount = d.Attempt
	next.SetMeta(workitem.MetaLastError, d.Reason)
	if next.Meta(workitem.MetaOriginLane) == "" && item.Lane != "" && item.Lane != lane.Retry {
		next.SetMeta(workitem.MetaOriginLane, item.Lane)
	}

	log := c.logger.With(
		slog.String("item_id", item.ID.String()),
		slog.String("operation", string(item.Operation)),
		slog.String("correlation_key", item.CorrelationKey),
		slog.Int("attempt", d.Attempt),
		slog.String("reason_class", string(d.Class)),
	)

	c.recordAttempt(ctx, log, item, d)

	if d.Action == ActionDeadLetter {
		next.NextAttemptAt = time.Time{}
		next.SetMeta(workitem.MetaReason, d.Reason)
		next.SetMeta(workitem.MetaClass, string(d.Class))
		if fwdErr := c.fwd.Forward(ctx, lane.DeadLetter, next, time.Time{}); fwdErr != nil {
			return d, fmt.Errorf("retry: dead-letter %s: %w", item.ID, fwdErr)
		}
		c.extensions.EmitItemDeadLettered(ctx, next, d.Reason)
		log.Warn("item forwarded to dead-letter lane", slog.String("error", d.Reason))
		return d, nil
	}

	next.NextAttemptAt = d.NextAttemptAt
	if fwdErr := c.fwd.Forward(ctx, lane.Retry, next, d.NextAttemptAt); fwdErr != nil {
		return d, fmt.Errorf("retry: republish %s: %w", item.ID, fwdErr)
	}
	c.extensions.EmitItemRetrying(ctx, next, d.Tier, d.NextAttemptAt)
	log.Info("item scheduled for retry",
		slog.Int("tier", d.Tier),
		slog.Duration("delay", d.Delay),
		slog.Time("next_attempt_at", d.NextAttemptAt),
	)
	return d, nil
}

// recordAttempt mirrors the failure on the document of an ISSUE item.
// Document errors are logged and never block routing of the item.
func (c *Controller) recordAttempt(ctx context.Context, log *slog.Logger, item *workitem.WorkItem, d Decision) {
	if c.docs == nil || item.Operation != workitem.OpIssue {
		return
	}
	if _, err := c.docs.RecordAttemptFailure(ctx, item.CorrelationKey, d.Reason); err != nil {
		logDocError(ctx, log, "record attempt failure", err)
		return
	}
	if d.Action != ActionRetry {
		return
	}
	if _, err := c.docs.ScheduleRetry(ctx, item.CorrelationKey, d.NextAttemptAt); err != nil {
		logDocError(ctx, log, "schedule document retry", err)
	}
}

func logDocError(ctx context.Context, log *slog.Logger, what string, err error) {
	level := slog.LevelError
	if errors.Is(err, fiscal.ErrInvalidTransition) {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "failed to "+what, slog.String("error", err.Error()))
}

// Reinject publishes a recovered item to the retry lane, hidden until at.
// The caller owns the reset of the item's attempt count.
func (c *Controller) Reinject(ctx context.Context, item *workitem.WorkItem, at time.Time) error {
	next := item.Clone()
	next.NextAttemptAt = at
	if err := c.fwd.Forward(ctx, lane.Retry, next, at); err != nil {
		return err
	}

	if c.docs != nil && item.Operation == workitem.OpIssue {
		if _, err := c.docs.ScheduleRetry(ctx, item.CorrelationKey, at); err != nil {
			logDocError(ctx, c.logger.With(slog.String("item_id", item.ID.String())), "schedule document recovery", err)
		}
	}

	c.extensions.EmitItemRecovered(ctx, next, at)
	c.logger.Info("item re-injected",
		slog.String("item_id", item.ID.String()),
		slog.String("operation", string(item.Operation)),
		slog.Time("next_attempt_at", at),
	)
	return nil
}
