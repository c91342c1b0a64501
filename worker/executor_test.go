package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker/memory"
	"github.com/xraph/fiscal/dispatcher"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/middleware"
	"github.com/xraph/fiscal/retry"
	"github.com/xraph/fiscal/workitem"
	"github.com/xraph/fiscal/worker"
)

const accessKey = "35240111222333000181550010000001231234567815"

type hookLog struct {
	completed atomic.Int32
	rejected  atomic.Int32
	started   atomic.Int32
}

func (h *hookLog) Name() string { return "hook-log" }

func (h *hookLog) OnItemStarted(context.Context, *workitem.WorkItem) error {
	h.started.Add(1)
	return nil
}

func (h *hookLog) OnItemCompleted(context.Context, *workitem.WorkItem, time.Duration) error {
	h.completed.Add(1)
	return nil
}

func (h *hookLog) OnItemRejected(context.Context, *workitem.WorkItem, error) error {
	h.rejected.Add(1)
	return nil
}

type env struct {
	table      *lane.Table
	broker     *memory.Broker
	dispatcher *dispatcher.Dispatcher
	registry   *workitem.Registry
	extensions *ext.Registry
	hooks      *hookLog
	controller *retry.Controller
}

func newEnv(t *testing.T, table *lane.Table) *env {
	t.Helper()
	if table == nil {
		table = lane.DefaultTable()
	}
	logger := slog.Default()
	b := memory.New()
	for _, cfg := range table.Configs() {
		if err := b.Declare(context.Background(), cfg); err != nil {
			t.Fatalf("declare %s: %v", cfg.Name, err)
		}
	}

	hooks := &hookLog{}
	extensions := ext.NewRegistry(logger)
	extensions.Register(hooks)

	d := dispatcher.New(table, b, dispatcher.WithExtensions(extensions))
	return &env{
		table:      table,
		broker:     b,
		dispatcher: d,
		registry:   workitem.NewRegistry(),
		extensions: extensions,
		hooks:      hooks,
		controller: retry.NewController(fiscal.DefaultConfig().Retry, d, retry.WithExtensions(extensions)),
	}
}

func (e *env) executor(opts ...worker.ExecutorOption) *worker.Executor {
	return worker.NewExecutor(e.registry, e.extensions, e.controller, slog.Default(), opts...)
}

func (e *env) item(t *testing.T, op workitem.Operation) *workitem.WorkItem {
	t.Helper()
	item, err := e.dispatcher.Publish(context.Background(), op, workitem.PriorityHigh, "T1", accessKey, nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return item
}

func TestExecutor_Success(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error { return nil })

	outcome, err := e.executor().Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeCompleted)
	}
	if got := e.hooks.completed.Load(); got != 1 {
		t.Errorf("completed hooks = %d, want 1", got)
	}
}

func TestExecutor_TransientFailureRetries(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		return errors.New("connection timeout")
	})

	outcome, err := e.executor().Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeRetried {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeRetried)
	}
	msgs := e.broker.Messages(lane.Retry)
	if len(msgs) != 1 {
		t.Fatalf("retry lane has %d messages, want 1", len(msgs))
	}
	if msgs[0].Item.AttemptCount != 1 {
		t.Errorf("attempt = %d, want 1", msgs[0].Item.AttemptCount)
	}
}

func TestExecutor_PermanentFailureDeadLetters(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		return failure.Permanent(errors.New("schema mismatch"), "build")
	})

	outcome, err := e.executor().Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeDeadLettered {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeDeadLettered)
	}
	if n := e.broker.Len(lane.DeadLetter); n != 1 {
		t.Errorf("dead-letter lane has %d messages, want 1", n)
	}
}

func TestExecutor_RejectionIsFinal(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		return failure.Rejected(errors.New("document rejected: invalid total"), "transmit")
	})

	outcome, err := e.executor().Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeRejected {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeRejected)
	}
	if e.hooks.rejected.Load() != 1 {
		t.Error("expected ItemRejected hook")
	}
	if e.broker.Len(lane.Retry) != 0 || e.broker.Len(lane.DeadLetter) != 0 {
		t.Error("rejected item must not be retried or dead-lettered")
	}
}

func TestExecutor_ConflictRerunsWithoutSpendingAttempts(t *testing.T) {
	e := newEnv(t, nil)
	var calls atomic.Int32
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		if calls.Add(1) <= 2 {
			return fiscal.ErrStaleState
		}
		return nil
	})

	item := e.item(t, workitem.OpIssue)
	outcome, err := e.executor().Execute(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeCompleted {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeCompleted)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if item.AttemptCount != 0 {
		t.Errorf("attempt = %d, want 0", item.AttemptCount)
	}
}

func TestExecutor_ConflictBudgetExhausted(t *testing.T) {
	e := newEnv(t, nil)
	var calls atomic.Int32
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		calls.Add(1)
		return fiscal.ErrStaleState
	})

	outcome, err := e.executor(worker.WithMaxConflictRetries(2)).Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeConflict || outcome.Settled() {
		t.Errorf("outcome = %q, want unsettled %q", outcome, worker.OutcomeConflict)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if e.broker.Len(lane.Retry) != 0 {
		t.Error("conflicts must not enter the retry lane")
	}
}

func TestExecutor_PanicDeadLetters(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		panic("boom")
	})

	exec := e.executor(worker.WithMiddleware(middleware.Recover(slog.Default())))
	outcome, err := exec.Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeDeadLettered {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeDeadLettered)
	}
}

func TestExecutor_UnknownOperationDeadLetters(t *testing.T) {
	e := newEnv(t, nil)
	outcome, err := e.executor().Execute(context.Background(), e.item(t, workitem.OpQueryXML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeDeadLettered {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeDeadLettered)
	}
}

func TestExecutor_LaneTimeoutRetries(t *testing.T) {
	table, err := lane.DefaultTable().WithOverrides(map[string]fiscal.LaneOverride{
		lane.IssueHigh: {Timeout: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	e := newEnv(t, table)
	e.registry.Register(workitem.OpIssue, func(ctx context.Context, _ *workitem.WorkItem) error {
		<-ctx.Done()
		return ctx.Err()
	})

	exec := e.executor(worker.WithMiddleware(middleware.Timeout(slog.Default(), worker.LaneTimeouts(table))))
	outcome, err := exec.Execute(context.Background(), e.item(t, workitem.OpIssue))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != worker.OutcomeRetried {
		t.Errorf("outcome = %q, want %q", outcome, worker.OutcomeRetried)
	}
}
