package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/fiscal/broker"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/workitem"
	"github.com/xraph/fiscal/worker"
)

func (e *env) pool(t *testing.T, laneName string, opts ...worker.PoolOption) *worker.Pool {
	t.Helper()
	cfg, ok := e.table.Lane(laneName)
	if !ok {
		t.Fatalf("unknown lane %s", laneName)
	}
	opts = append([]worker.PoolOption{worker.WithPollInterval(10 * time.Millisecond)}, opts...)
	return worker.NewPool(cfg, e.broker, e.executor(), e.extensions, slog.Default(), opts...)
}

func startPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	e := newEnv(t, nil)
	pool := e.pool(t, lane.IssueHigh)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	if pool.Consumers() != 1 {
		t.Errorf("consumers = %d, want 1", pool.Consumers())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesItem(t *testing.T) {
	e := newEnv(t, nil)
	var processed atomic.Bool
	e.registry.Register(workitem.OpIssue, func(_ context.Context, item *workitem.WorkItem) error {
		if item.CorrelationKey != accessKey {
			t.Errorf("correlation key = %q", item.CorrelationKey)
		}
		processed.Store(true)
		return nil
	})

	e.item(t, workitem.OpIssue)
	startPool(t, e.pool(t, lane.IssueHigh))

	waitFor(t, "item to be processed", processed.Load)
	waitFor(t, "item to be acked", func() bool { return len(e.broker.Messages(lane.IssueHigh)) == 0 })
	if e.hooks.started.Load() != 1 {
		t.Errorf("started hooks = %d, want 1", e.hooks.started.Load())
	}
}

func TestPool_FailureMovesToRetryLane(t *testing.T) {
	e := newEnv(t, nil)
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		return errors.New("network unreachable")
	})

	e.item(t, workitem.OpIssue)
	startPool(t, e.pool(t, lane.IssueHigh))

	waitFor(t, "item in retry lane", func() bool { return e.broker.Len(lane.Retry) == 1 })
	waitFor(t, "origin lane empty", func() bool { return len(e.broker.Messages(lane.IssueHigh)) == 0 })
}

func TestPool_RetryLaneHoldsItemsUntilDue(t *testing.T) {
	e := newEnv(t, nil)
	var calls atomic.Int32
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		calls.Add(1)
		return nil
	})

	// Visible now, but not due for an hour.
	item := &workitem.WorkItem{
		Operation:      workitem.OpIssue,
		CorrelationKey: accessKey,
		Lane:           lane.Retry,
		NextAttemptAt:  time.Now().Add(time.Hour),
	}
	if err := e.broker.Publish(context.Background(), lane.Retry, item, broker.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	startPool(t, e.pool(t, lane.Retry))
	waitFor(t, "item to be requeued as delayed", func() bool {
		msgs := e.broker.Messages(lane.Retry)
		return len(msgs) == 1 && !msgs[0].InFlight && msgs[0].VisibleAt.Equal(item.NextAttemptAt)
	})
	if calls.Load() != 0 {
		t.Errorf("handler ran %d times before the item was due", calls.Load())
	}
}

func TestPool_PauseAndResume(t *testing.T) {
	e := newEnv(t, nil)
	var calls atomic.Int32
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		calls.Add(1)
		return nil
	})

	mgr := lane.NewManager(e.table)
	if err := mgr.Pause(lane.IssueHigh); err != nil {
		t.Fatalf("pause: %v", err)
	}
	e.item(t, workitem.OpIssue)
	startPool(t, e.pool(t, lane.IssueHigh, worker.WithLaneManager(mgr)))

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("paused lane must not dequeue")
	}

	if err := mgr.Resume(lane.IssueHigh); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "item after resume", func() bool { return calls.Load() == 1 })
}

func TestPool_DrainWaitsForInFlight(t *testing.T) {
	e := newEnv(t, nil)
	release := make(chan struct{})
	var started atomic.Bool
	var finished atomic.Bool
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		started.Store(true)
		<-release
		finished.Store(true)
		return nil
	})

	mgr := lane.NewManager(e.table)
	e.item(t, workitem.OpIssue)
	startPool(t, e.pool(t, lane.IssueHigh, worker.WithLaneManager(mgr)))
	waitFor(t, "item to start", started.Load)

	drained := make(chan error, 1)
	go func() { drained <- mgr.Drain(context.Background(), lane.IssueHigh) }()

	select {
	case <-drained:
		t.Fatal("drain returned with an item in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !finished.Load() {
		t.Error("drain completed before the in-flight item finished")
	}
	if st, _ := mgr.State(lane.IssueHigh); st != lane.StateDrained {
		t.Errorf("state = %s, want %s", st, lane.StateDrained)
	}
}

func TestPool_ScalesBetweenMinAndMax(t *testing.T) {
	e := newEnv(t, nil)
	release := make(chan struct{})
	var running atomic.Int32
	e.registry.Register(workitem.OpIssue, func(context.Context, *workitem.WorkItem) error {
		running.Add(1)
		<-release
		return nil
	})

	for range 6 {
		e.item(t, workitem.OpIssue)
	}
	pool := e.pool(t, lane.IssueHigh)
	startPool(t, pool)

	waitFor(t, "scale up to max", func() bool { return pool.Consumers() == 5 })
	if n := running.Load(); n > 5 {
		t.Errorf("%d items running, want at most 5", n)
	}

	close(release)
	waitFor(t, "scale down to min", func() bool { return pool.Consumers() == 1 })
	waitFor(t, "lane empty", func() bool { return len(e.broker.Messages(lane.IssueHigh)) == 0 })
}

type deadLetterLog struct {
	mu    sync.Mutex
	items []*workitem.WorkItem
}

func (d *deadLetterLog) Handle(_ context.Context, item *workitem.WorkItem) (*deadletter.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return &deadletter.Result{}, nil
}

func (d *deadLetterLog) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

func TestPool_DeadLetterLaneFeedsHandler(t *testing.T) {
	e := newEnv(t, nil)
	dl := &deadLetterLog{}
	item := e.item(t, workitem.OpIssue)
	item.SetMeta(workitem.MetaReason, "certificate expired")
	if err := e.dispatcher.Forward(context.Background(), lane.DeadLetter, item, time.Time{}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	startPool(t, e.pool(t, lane.DeadLetter, worker.WithDeadLetterHandler(dl)))
	waitFor(t, "dead letter handled", func() bool { return dl.count() == 1 })
	waitFor(t, "dead-letter lane acked", func() bool { return len(e.broker.Messages(lane.DeadLetter)) == 0 })
}

type blockingDeadLetters struct {
	started chan struct{}
	release chan struct{}
	handled atomic.Int32
}

func (b *blockingDeadLetters) Handle(context.Context, *workitem.WorkItem) (*deadletter.Result, error) {
	close(b.started)
	<-b.release
	b.handled.Add(1)
	return &deadletter.Result{}, nil
}

func TestPool_DeadLetterDrainWaitsForHandler(t *testing.T) {
	e := newEnv(t, nil)
	dl := &blockingDeadLetters{started: make(chan struct{}), release: make(chan struct{})}
	item := e.item(t, workitem.OpIssue)
	if err := e.dispatcher.Forward(context.Background(), lane.DeadLetter, item, time.Time{}); err != nil {
		t.Fatalf("forward: %v", err)
	}

	mgr := lane.NewManager(e.table)
	startPool(t, e.pool(t, lane.DeadLetter, worker.WithLaneManager(mgr), worker.WithDeadLetterHandler(dl)))
	<-dl.started
	if got := mgr.ActiveCount(lane.DeadLetter); got != 1 {
		t.Fatalf("ActiveCount = %d, want the analysis counted in flight", got)
	}

	drained := make(chan error, 1)
	go func() { drained <- mgr.Drain(context.Background(), lane.DeadLetter) }()

	select {
	case <-drained:
		t.Fatal("drain returned while the analyzer was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(dl.release)
	if err := <-drained; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if dl.handled.Load() != 1 {
		t.Error("drain completed before the analysis finished")
	}
}

func TestGroup_StartStop(t *testing.T) {
	e := newEnv(t, nil)
	var pools []*worker.Pool
	for _, name := range e.table.Names() {
		pools = append(pools, e.pool(t, name))
	}
	g := worker.NewGroup(pools...)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p, ok := g.Pool(lane.Query); !ok || p.Lane() != lane.Query {
		t.Error("expected query pool")
	}
	if _, ok := g.Pool("fiscal.nowhere"); ok {
		t.Error("unexpected pool for unknown lane")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
