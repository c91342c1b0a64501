// Package worker provides the lane consumers: an Executor that runs one
// work item through middleware and its operation handler and routes the
// outcome, a Pool that services one lane with an elastic set of consumer
// goroutines, and a Group that runs a pool per lane.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/middleware"
	"github.com/xraph/fiscal/retry"
	"github.com/xraph/fiscal/workitem"
)

// Outcome is how an execution ended.
type Outcome string

const (
	// OutcomeCompleted means the handler succeeded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRejected means the authority rejected the item. It is final.
	OutcomeRejected Outcome = "rejected"
	// OutcomeRetried means the item was re-published to the retry lane.
	OutcomeRetried Outcome = "retried"
	// OutcomeDeadLettered means the item was forwarded to the dead-letter lane.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeConflict means stale-state conflicts outlasted the immediate
	// re-runs. The delivery should be requeued without spending attempts.
	OutcomeConflict Outcome = "conflict"
)

// Settled reports whether the delivery can be acknowledged.
func (o Outcome) Settled() bool { return o != OutcomeConflict }

// FailureRouter decides and applies the routing of a failed item.
type FailureRouter interface {
	OnFailure(ctx context.Context, item *workitem.WorkItem, err error) (retry.Decision, error)
}

var _ FailureRouter = (*retry.Controller)(nil)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware sets the middleware chain wrapped around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithMaxConflictRetries bounds the immediate re-runs after a stale-state
// conflict.
func WithMaxConflictRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxConflicts = n }
}

// WithExecutorClock sets the time source used for elapsed times.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// Executor runs a single item through middleware and the registered
// handler, then routes failures through the FailureRouter.
type Executor struct {
	registry     *workitem.Registry
	extensions   *ext.Registry
	failures     FailureRouter
	mw           middleware.Middleware
	maxConflicts int
	clock        clock.Clock
	logger       *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *workitem.Registry,
	extensions *ext.Registry,
	failures FailureRouter,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:     registry,
		extensions:   extensions,
		failures:     failures,
		mw:           middleware.Chain(),
		maxConflicts: 5,
		clock:        clock.System{},
		logger:       logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// LaneTimeouts returns a TimeoutFunc that applies the timeout of the lane
// the item was received from.
func LaneTimeouts(t *lane.Table) middleware.TimeoutFunc {
	return func(item *workitem.WorkItem) time.Duration {
		cfg, ok := t.Lane(item.Lane)
		if !ok {
			return 0
		}
		return cfg.Timeout
	}
}

// Execute runs item and routes the result.
//
// On success it emits ItemCompleted. An authority rejection emits
// ItemRejected and is final. Stale-state conflicts re-run the item at
// once, up to the conflict budget, without touching its attempt count.
// Any other failure goes to the FailureRouter. A non-nil error means the
// outcome could not be recorded and the delivery must not be acked.
func (e *Executor) Execute(ctx context.Context, item *workitem.WorkItem) (Outcome, error) {
	start := e.clock.Now()
	err := e.run(ctx, item)
	elapsed := e.clock.Now().Sub(start)

	switch {
	case err == nil:
		e.extensions.EmitItemCompleted(ctx, item, elapsed)
		return OutcomeCompleted, nil

	case failure.IsRejected(err):
		e.extensions.EmitItemRejected(ctx, item, err)
		e.logger.Warn("item rejected by authority",
			slog.String("item_id", item.ID.String()),
			slog.String("operation", string(item.Operation)),
			slog.String("correlation_key", item.CorrelationKey),
			slog.String("error", err.Error()),
		)
		return OutcomeRejected, nil

	case failure.IsConflict(err):
		e.logger.Warn("conflict budget exhausted, requeueing",
			slog.String("item_id", item.ID.String()),
			slog.String("correlation_key", item.CorrelationKey),
		)
		return OutcomeConflict, nil
	}

	d, routeErr := e.failures.OnFailure(ctx, item, err)
	if routeErr != nil {
		e.logger.Error("failed to route item failure",
			slog.String("item_id", item.ID.String()),
			slog.String("error", routeErr.Error()),
		)
		return "", routeErr
	}
	if d.Action == retry.ActionDeadLetter {
		return OutcomeDeadLettered, nil
	}
	return OutcomeRetried, nil
}

func (e *Executor) run(ctx context.Context, item *workitem.WorkItem) error {
	handler, ok := e.registry.Get(item.Operation)
	if !ok {
		return failure.Permanent(fmt.Errorf("no handler registered for operation %q", item.Operation), "execute")
	}

	terminal := func(ctx context.Context) error {
		return handler(ctx, item)
	}

	var err error
	for try := 0; ; try++ {
		err = e.mw(ctx, item, terminal)
		if !failure.IsConflict(err) || try >= e.maxConflicts || errors.Is(ctx.Err(), context.Canceled) {
			return err
		}
		e.logger.Debug("stale state conflict, re-running item",
			slog.String("item_id", item.ID.String()),
			slog.String("correlation_key", item.CorrelationKey),
			slog.Int("try", try+1),
		)
	}
}
